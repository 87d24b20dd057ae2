package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Engines selectable with ENGINE.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineRemote   = "remote"
)

// Config holds application configuration values.
type Config struct {
	Env    string `validate:"required,oneof=dev prod"`
	Engine string `validate:"required,oneof=sqlite postgres remote"`

	SQLite struct {
		DataDir     string        `validate:"required"`
		BusyTimeout time.Duration `validate:"gte=0"`
		WAL         bool
	}
	Postgres struct {
		DSN string
	}
	Remote struct {
		URL string `validate:"omitempty,url"`
	}
	MigrationsPath string

	HTTP struct {
		// Addr enables the bridge server when set.
		Addr string
	}
	Auth struct {
		Secret string
	}
	Queue struct {
		MaxRounds    int           `validate:"gte=0"`
		BatchTimeout time.Duration `validate:"gte=0"`
	}
	Maintenance struct {
		Schedule string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var errs []error

	c.Env = getenv("ENV", "prod")
	c.Engine = strings.ToLower(getenv("ENGINE", EngineSQLite))

	c.SQLite.DataDir = getenv("DATA_DIR", "data")
	c.SQLite.BusyTimeout = getDuration("SQLITE_BUSY_TIMEOUT", 5*time.Second, &errs)
	c.SQLite.WAL = getBool("SQLITE_WAL", true, &errs)
	c.Postgres.DSN = os.Getenv("PG_DSN")
	c.Remote.URL = os.Getenv("REMOTE_URL")
	c.MigrationsPath = os.Getenv("MIGRATIONS_PATH")

	c.HTTP.Addr = os.Getenv("HTTP_ADDR")
	c.Auth.Secret = os.Getenv("AUTH_SECRET")

	c.Queue.MaxRounds = getInt("TX_MAX_ROUNDS", 0, &errs)
	c.Queue.BatchTimeout = getDuration("BATCH_TIMEOUT", 0, &errs)
	c.Maintenance.Schedule = getenv("MAINTENANCE_SCHEDULE", "@every 10m")

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = os.Getenv("LOG_FILE")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field rules and the rules that span several fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	switch c.Engine {
	case EnginePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("PG_DSN required when ENGINE=postgres")
		}
	case EngineRemote:
		if c.Remote.URL == "" {
			return errors.New("REMOTE_URL required when ENGINE=remote")
		}
		if c.HTTP.Addr != "" {
			return errors.New("HTTP_ADDR cannot be used with ENGINE=remote")
		}
	}
	if c.Env == "prod" && c.HTTP.Addr != "" && c.Auth.Secret == "" {
		return errors.New("AUTH_SECRET required when HTTP_ADDR is set in prod")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("5s") and plain milliseconds ("5000").
func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", k, v))
		return def
	}
	return d
}

func getInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", k, v))
		return def
	}
	return n
}

func getBool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", k, v))
		return def
	}
	return b
}
