package secrets

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/avast/retry-go/v4"
	vault "github.com/hashicorp/vault/api"
)

const vaultRetries = 3

// VaultConfig connects a VaultStore. AppRole is the only supported auth
// method.
type VaultConfig struct {
	Address  string
	RoleID   string
	SecretID string
	// Mount is the KV v2 mount, Path the prefix under it. Each secret
	// lives at <Path>/<NAME> with its value in the "value" field.
	Mount string
	Path  string
}

// VaultStore resolves secrets from a Vault KV v2 mount.
type VaultStore struct {
	client *vault.Client
	mount  string
	path   string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("secrets: vault address cannot be empty")
	}
	if cfg.RoleID == "" || cfg.SecretID == "" {
		return nil, errors.New("secrets: vault role_id and secret_id are required")
	}

	config := vault.DefaultConfig()
	config.Address = cfg.Address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("secrets: unable to create vault client: %w", err)
	}

	resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: approle login failed: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, errors.New("secrets: approle login returned no auth info")
	}
	client.SetToken(resp.Auth.ClientToken)

	return &VaultStore{client: client, mount: cfg.Mount, path: cfg.Path}, nil
}

func (s *VaultStore) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		value, err := s.read(ctx, name)
		if err != nil {
			return nil, err
		}
		resolved[name] = value
	}
	return resolved, nil
}

func (s *VaultStore) read(ctx context.Context, name string) (string, error) {
	var secret *vault.KVSecret
	err := retry.Do(func() error {
		var err error
		secret, err = s.client.KVv2(s.mount).Get(ctx, path.Join(s.path, name))
		return err
	},
		retry.Context(ctx),
		retry.Attempts(vaultRetries),
		retry.LastErrorOnly(true),
		// absence is a final answer, only transport errors retry
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, vault.ErrSecretNotFound)
		}),
	)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", &MissingSecretError{Name: name}
	}
	if err != nil {
		return "", fmt.Errorf("secrets: unable to read %s from vault: %w", name, err)
	}

	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", &MissingSecretError{Name: name}
	}
	return value, nil
}
