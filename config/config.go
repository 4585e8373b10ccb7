package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	parsed, err := time.ParseDuration(data)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", data, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %v", parsed)
	}
	d.Duration = parsed
	return nil
}

// Origins is a comma separated list of CORS origins.
type Origins []string

func (o *Origins) UnmarshalEnvironmentValue(data string) error {
	var origins Origins
	for _, origin := range strings.Split(data, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	*o = origins
	return nil
}

type Level struct {
	slog.Level
}

func (l *Level) UnmarshalEnvironmentValue(data string) error {
	return l.UnmarshalText([]byte(data))
}

type Config struct {
	ListenAddress      string    `env:"LISTEN_ADDRESS,default=0.0.0.0:3000"`
	APIBaseURL         string    `env:"PRODUCTBOARD_API_BASE,default=https://api.productboard.com"`
	APIToken           string    `env:"PRODUCTBOARD_API_TOKEN"`
	APIVersion         string    `env:"PRODUCTBOARD_API_VERSION,default=1"`
	RemoteTimeout      *Duration `env:"REMOTE_TIMEOUT,default=30s"`
	LedgerBackend      string    `env:"LEDGER_BACKEND,default=json"`
	ChangesFilePath    string    `env:"CHANGES_FILE_PATH,default=local_changes.json"`
	SQLiteDirPath      string    `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl      string    `env:"DATABASE_URL"`
	StaticDir          string    `env:"STATIC_DIR,default=public"`
	CORSAllowedOrigins Origins   `env:"CORS_ALLOWED_ORIGINS"`
	ProxyAPIKey        string    `env:"PROXY_API_KEY"`
	LogLevel           *Level    `env:"LOG_LEVEL,default=info"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendJSON, BackendSQLite:
	case BackendPostgres:
		if c.PgDatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required for the %v ledger backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	return nil
}

// Timeout returns the remote call timeout, falling back to 30 seconds when
// the config was built without NewConfig.
func (c *Config) Timeout() time.Duration {
	if c.RemoteTimeout == nil {
		return 30 * time.Second
	}
	return c.RemoteTimeout.Duration
}

func (c *Config) Level() slog.Level {
	if c.LogLevel == nil {
		return slog.LevelInfo
	}
	return c.LogLevel.Level
}
