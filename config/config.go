package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the decomposition system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Emitter   EmitterConfig   `mapstructure:"emitter"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string        `mapstructure:"address"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	OperatorPassHash string        `mapstructure:"operator_pass_hash"` // bcrypt hash checked by POST /api/auth/token
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig defines which model to use for different judgements
type LLMRoutingConfig struct {
	GapExtraction string `mapstructure:"gap_extraction"` // use for gap analysis of the spec text
	Atomicity     string `mapstructure:"atomicity"`      // use for per-node atomicity assessment
	Fallback      string `mapstructure:"fallback"`       // fallback model
}

// EngineConfig bounds the generational decomposition loop
type EngineConfig struct {
	MaxGenerations     int           `mapstructure:"max_generations"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	MaxChildrenPerNode int           `mapstructure:"max_children_per_node"`
	Workers            int           `mapstructure:"workers"`
	OracleTimeout      time.Duration `mapstructure:"oracle_timeout"`
}

// Normalize applies defaults for unset engine values.
func (e EngineConfig) Normalize() EngineConfig {
	if e.MaxGenerations <= 0 {
		e.MaxGenerations = 8
	}
	if e.MaxDuration <= 0 {
		e.MaxDuration = 30 * time.Minute
	}
	if e.MaxChildrenPerNode <= 0 {
		e.MaxChildrenPerNode = 9
	}
	if e.Workers <= 0 {
		e.Workers = 4
	}
	if e.OracleTimeout <= 0 {
		e.OracleTimeout = 2 * time.Minute
	}
	return e
}

func (e EngineConfig) Validate() error {
	if e.MaxChildrenPerNode > 9 {
		return fmt.Errorf("engine.max_children_per_node cannot exceed 9")
	}
	return nil
}

// EmitterConfig controls PRD document output and search indexing
type EmitterConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	IndexDir  string `mapstructure:"index_dir"`
}

// Normalize applies defaults for unset emitter values.
func (e EmitterConfig) Normalize() EmitterConfig {
	if strings.TrimSpace(e.OutputDir) == "" {
		e.OutputDir = "prds"
	}
	if strings.TrimSpace(e.IndexDir) == "" {
		e.IndexDir = filepath.Join(e.OutputDir, ".index")
	}
	return e
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. The oracle verdict cache
// is disabled when Addr is empty.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from file, with ATOMIZE_* env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.default_timeout", "2m")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("server.token_ttl", "24h")
	viper.SetDefault("engine.max_generations", 8)
	viper.SetDefault("engine.max_duration", "30m")
	viper.SetDefault("engine.max_children_per_node", 9)
	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.oracle_timeout", "2m")
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ATOMIZE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (ATOMIZE_*)

	if err := viper.ReadInConfig(); err != nil {
		// the config file is optional when everything is supplied via env
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	config.Engine = config.Engine.Normalize()
	config.Emitter = config.Emitter.Normalize()

	if err := config.Engine.Validate(); err != nil {
		return nil, err
	}
	if err := config.Server.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
