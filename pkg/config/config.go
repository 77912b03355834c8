// Package config loads engine configuration from the environment. Every
// variable is prefixed with MILL_.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Vault struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=mill"`
	Path     string `env:"PATH, default=secrets"`
}

type Secrets struct {
	// Provider is one of env, file or vault.
	Provider  string `env:"PROVIDER, default=env"`
	EnvPrefix string `env:"ENV_PREFIX, default=MILL_SECRET_"`
	File      string `env:"FILE"`
	Vault     Vault  `env:",prefix=VAULT_"`
}

type Config struct {
	MaxConcurrentJobs  int           `env:"MAX_CONCURRENT_JOBS, default=4"`
	DefaultStepTimeout time.Duration `env:"DEFAULT_STEP_TIMEOUT, default=1h"`
	MaxOutputBytes     int           `env:"MAX_OUTPUT_BYTES, default=1048576"`
	ArtifactsDir       string        `env:"ARTIFACTS_DIR, default=.artifacts"`
	BuildDir           string        `env:"BUILD_DIR, default=.mill"`
	LogLevel           string        `env:"LOG_LEVEL, default=info"`
	Secrets            Secrets       `env:",prefix=SECRETS_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("MILL_", envconfig.OsLookuper()),
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
