// Package secrets resolves named secrets into step environment values and
// keeps them out of captured output.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Store resolves secret names to values. Implementations must be safe for
// concurrent use; secrets are immutable for the duration of a run.
type Store interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

// MissingSecretError fails the requesting step without aborting sibling
// jobs.
type MissingSecretError struct {
	Name string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("secrets: %s not found", e.Name)
}

var ErrInvalidName = errors.New("secrets: name is not a valid identifier")

// secret names must be usable as environment variable names
var nameIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func ValidateName(name string) error {
	if !nameIdent.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// StaticStore serves secrets from a fixed map.
type StaticStore map[string]string

func (s StaticStore) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		value, ok := s[name]
		if !ok {
			return nil, &MissingSecretError{Name: name}
		}
		resolved[name] = value
	}
	return resolved, nil
}

// EnvStore resolves a secret NAME from the process environment variable
// prefix+NAME.
type EnvStore struct {
	prefix string
}

func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	resolved := make(map[string]string, len(names))
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		value, ok := os.LookupEnv(s.prefix + name)
		if !ok {
			return nil, &MissingSecretError{Name: name}
		}
		resolved[name] = value
	}
	return resolved, nil
}

// NewFileStore loads a flat name→value YAML mapping from path. Intended
// for local runs; the file is read once.
func NewFileStore(path string) (Store, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("secrets: unable to read %s: %w", path, err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(contents, &values); err != nil {
		return nil, fmt.Errorf("secrets: unable to parse %s: %w", path, err)
	}
	return StaticStore(values), nil
}

// Values returns the values of a resolved mapping, for redaction.
func Values(resolved map[string]string) []string {
	values := make([]string, 0, len(resolved))
	for _, v := range resolved {
		values = append(values, v)
	}
	return values
}
