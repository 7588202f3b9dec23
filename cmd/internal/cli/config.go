// config.go holds the client profile: .megdan/config.yaml plus env overrides.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const configDir = ".megdan"

// Persistence backends for the stored identity.
const (
	persistMemory = "memory"
	persistSQLite = "sqlite"
	persistRedis  = "redis"
)

// Config is the client profile. Flags override env, env overrides the file.
type Config struct {
	// Server is the backend WebSocket URL. Empty runs an in-process backend.
	Server  string            `yaml:"server"`
	Region  string            `yaml:"region"`
	Regions map[string]string `yaml:"regions"`
	Origin  string            `yaml:"origin"`

	AppID   string `yaml:"app_id"`
	AuthKey string `yaml:"auth_key"`

	Persistence   string `yaml:"persistence"` // memory | sqlite | redis
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	ConversationLimit int `yaml:"conversation_limit"`
	TailLimit         int `yaml:"tail_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// loadConfig tries ./.megdan/config.yaml then ~/.megdan/config.yaml and
// returns the first one found with its path. No file is not an error.
func loadConfig() (Config, string, error) {
	var try []string
	if cwd, err := os.Getwd(); err == nil {
		try = append(try, filepath.Join(cwd, configDir, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		try = append(try, filepath.Join(home, configDir, "config.yaml"))
	}
	return loadConfigFrom(try...)
}

func loadConfigFrom(paths ...string) (Config, string, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, "", err
		}
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, "", fmt.Errorf("%s: %w", p, err)
		}
		return cfg, p, nil
	}
	return Config{}, "", nil
}

// withEnv applies MEGDAN_* overrides read through lookup.
func (c Config) withEnv(lookup func(string) string) Config {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			*dst = v
		}
	}
	str("MEGDAN_SERVER", &c.Server)
	str("MEGDAN_REGION", &c.Region)
	str("MEGDAN_ORIGIN", &c.Origin)
	str("MEGDAN_APP_ID", &c.AppID)
	str("MEGDAN_AUTH_KEY", &c.AuthKey)
	str("MEGDAN_PERSISTENCE", &c.Persistence)
	str("MEGDAN_SQLITE_PATH", &c.SQLitePath)
	str("MEGDAN_REDIS_ADDR", &c.RedisAddr)
	str("MEGDAN_REDIS_PASSWORD", &c.RedisPassword)
	str("MEGDAN_REDIS_PREFIX", &c.RedisPrefix)
	str("MEGDAN_LOG_LEVEL", &c.LogLevel)
	str("MEGDAN_LOG_FORMAT", &c.LogFormat)
	if n, err := strconv.Atoi(strings.TrimSpace(lookup("MEGDAN_REDIS_DB"))); err == nil && n >= 0 {
		c.RedisDB = n
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.AppID == "" {
		c.AppID = "megdan"
	}
	c.Persistence = strings.ToLower(strings.TrimSpace(c.Persistence))
	if c.Persistence == "" {
		c.Persistence = persistSQLite
	}
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(configDir, "session.db")
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "megdan:" + c.AppID + ":"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.LogFormat == "" {
		c.LogFormat = "pretty"
	}
	return c
}

func (c Config) validate() error {
	switch c.Persistence {
	case persistMemory, persistSQLite:
	case persistRedis:
		if c.RedisAddr == "" {
			return errors.New("persistence redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown persistence %q (memory, sqlite or redis)", c.Persistence)
	}
	return nil
}
