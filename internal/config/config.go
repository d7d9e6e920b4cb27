package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"
)

// FileName is the config file searched for by Load
const FileName = "bus_assigning.yaml"

// Environment variables that override secrets from the file
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvJWTSecret   = "JWT_SECRET"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	JWT       JWTConfig       `yaml:"jwt"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	NATS      NATSConfig      `yaml:"nats"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	FCM       FCMConfig       `yaml:"fcm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	URL         string        `yaml:"url" validate:"required"`
	MaxConns    int32         `yaml:"maxConns" validate:"gte=0"`
	LockTimeout time.Duration `yaml:"lockTimeout" validate:"gte=0"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	BaseURL         string        `yaml:"baseURL" validate:"required,url"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

type JWTConfig struct {
	Secret string `yaml:"secret" validate:"required,min=16"`
	Issuer string `yaml:"issuer" validate:"required"`
	// TTL is the lifetime of tokens minted by the token command
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

// DispatchConfig tunes the call engine
type DispatchConfig struct {
	Timezone       string        `yaml:"timezone" validate:"required,timezone"`
	DefaultExpiry  time.Duration `yaml:"defaultExpiry" validate:"gt=0"`
	UrgentExpiry   time.Duration `yaml:"urgentExpiry" validate:"gt=0"`
	UrgentLeadTime time.Duration `yaml:"urgentLeadTime" validate:"gt=0"`
	MaxCandidates  int           `yaml:"maxCandidates" validate:"gte=1"`
	LookbackDays   int           `yaml:"lookbackDays" validate:"gte=1"`
	OffBonus       int           `yaml:"offBonus" validate:"gte=1"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"gt=0"`
	SweepOnStart  bool          `yaml:"sweepOnStart"`
	StreakRRule   string        `yaml:"streakRRule" validate:"required"`
}

// NATSConfig enables the NATS event sink when URL is set
type NATSConfig struct {
	URL           string `yaml:"url,omitempty" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subjectPrefix" validate:"required"`
}

// RabbitMQConfig enables the RabbitMQ event sink when URL is set
type RabbitMQConfig struct {
	URL      string `yaml:"url,omitempty" validate:"omitempty,url"`
	Exchange string `yaml:"exchange" validate:"required"`
}

// FCMConfig enables push notifications when ProjectID is set
type FCMConfig struct {
	ProjectID       string `yaml:"projectID,omitempty"`
	CredentialsFile string `yaml:"credentialsFile,omitempty" validate:"required_with=ProjectID"`
}

type LoggingConfig struct {
	Env   string `yaml:"env" validate:"oneof=development production"`
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Default returns a config with every optional field filled in
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConns:    10,
			LockTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		JWT: JWTConfig{
			Issuer: "bus-assigning",
			TTL:    12 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Timezone:       "UTC",
			DefaultExpiry:  30 * time.Minute,
			UrgentExpiry:   15 * time.Minute,
			UrgentLeadTime: 2 * time.Hour,
			MaxCandidates:  10,
			LookbackDays:   30,
			OffBonus:       10,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: 2 * time.Minute,
			StreakRRule:   "FREQ=DAILY;BYHOUR=0;BYMINUTE=5",
		},
		NATS: NATSConfig{
			SubjectPrefix: "dispatch.events",
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "dispatch.events",
		},
		Logging: LoggingConfig{
			Env:   "development",
			Level: "info",
		},
	}
}

// Load loads and validates the configuration from bus_assigning.yaml
// It looks for the config file in the current directory first, then in the user's home directory
func Load() (*Config, error) {
	configPath, err := findConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads the file at path over the defaults, applies environment
// overrides and validates the result
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.JWT.Secret = v
	}
}

// Validate validates the configuration struct and checks rrule syntax
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := rrule.StrToRRule(cfg.Scheduler.StreakRRule); err != nil {
		return fmt.Errorf("invalid rrule in scheduler.streakRRule: %w", err)
	}

	return nil
}

// Location returns the service time zone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Dispatch.Timezone, err)
	}
	return loc, nil
}

// findConfigFile searches for bus_assigning.yaml in current directory and home directory
func findConfigFile() (string, error) {
	if _, err := os.Stat(FileName); err == nil {
		return FileName, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	homePath := filepath.Join(homeDir, FileName)
	if _, err := os.Stat(homePath); err == nil {
		return homePath, nil
	}

	return "", fmt.Errorf("%s not found in current directory or home directory", FileName)
}
