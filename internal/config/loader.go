package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file and applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if exists
	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	cfg.Evolution = cfg.Evolution.WithDefaults()

	// Validate configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Environment
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}

	// gRPC/HTTP ports
	setInt("GRPC_PORT", &cfg.Server.GRPCPort)
	setInt("HTTP_PORT", &cfg.Server.HTTPPort)

	// Evolution
	setInt("POPULATION_SIZE", &cfg.Evolution.PopulationSize)
	setInt("GENERATIONS", &cfg.Evolution.Generations)
	setInt("MAX_PARALLEL_WORKERS", &cfg.Evolution.MaxParallelWorkers)
	if v := os.Getenv("PARALLEL_EVALUATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Evolution.ParallelEvaluation = b
		}
	}
	if v := os.Getenv("STRATEGY_SCHEMA_PATH"); v != "" {
		cfg.Strategies.SchemaPath = v
	}

	// Persistence
	if v := os.Getenv("PERSISTENCE_BACKEND"); v != "" {
		cfg.Persistence.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CHECKPOINT_DIR"); v != "" {
		cfg.Persistence.Dir = v
	}

	// Database
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	setInt("DB_PORT", &cfg.Database.Port)
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	setInt("DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections)

	// RabbitMQ
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQ.URL = v
		cfg.RabbitMQ.Enabled = true
	}
	if v := os.Getenv("RABBITMQ_EXCHANGE"); v != "" {
		cfg.RabbitMQ.Exchange = v
	}

	// Schedule
	if v := os.Getenv("EVOLUTION_CRON"); v != "" {
		cfg.Schedule.Cron = v
		cfg.Schedule.Enabled = true
	}

	// Docker
	if v := os.Getenv("DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("DOCKER_NETWORK"); v != "" {
		cfg.Docker.Network = v
	}
	if v := os.Getenv("DOCKER_DATA_MOUNT"); v != "" {
		cfg.Docker.DataMount = v
	}
	if v := os.Getenv("DOCKER_CPU_LIMIT"); v != "" {
		cfg.Docker.CPULimit = v
	}
	if v := os.Getenv("DOCKER_MEMORY_LIMIT"); v != "" {
		cfg.Docker.MemoryLimit = v
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// setInt overwrites dst when the variable holds an integer.
func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// MustLoad loads configuration and panics on error.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
