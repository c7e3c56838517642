package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	// Validate environment
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs = append(errs, ValidationError{
			Field:   "env",
			Message: "must be one of: development, staging, production, test",
		})
	}

	errs = append(errs, validateServer(&cfg.Server)...)

	if err := cfg.Evolution.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "evolution", Message: err.Error()})
	}
	if err := cfg.Backtest.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "backtest", Message: err.Error()})
	}

	if cfg.Strategies.SchemaPath == "" {
		errs = append(errs, ValidationError{
			Field:   "strategies.schema_path",
			Message: "is required",
		})
	}

	errs = append(errs, validatePersistence(cfg)...)

	if cfg.RabbitMQ.Enabled {
		errs = append(errs, validateRabbitMQ(&cfg.RabbitMQ)...)
	}

	errs = append(errs, validateSchedule(&cfg.Schedule)...)
	errs = append(errs, validateDocker(&cfg.Docker)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.grpc_port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.http_port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if s.GRPCPort == s.HTTPPort {
		errs = append(errs, ValidationError{
			Field:   "server.grpc_port/http_port",
			Message: "gRPC and HTTP ports must be different",
		})
	}

	return errs
}

func validatePersistence(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Persistence.Backend {
	case BackendNone:
	case BackendFile:
		if cfg.Persistence.Dir == "" {
			errs = append(errs, ValidationError{
				Field:   "persistence.dir",
				Message: "is required for the file backend",
			})
		}
	case BackendPostgres:
		errs = append(errs, validateDatabase(&cfg.Database)...)
	default:
		errs = append(errs, ValidationError{
			Field:   "persistence.backend",
			Message: "must be one of: file, postgres, none",
		})
	}

	return errs
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.URL == "" {
		if db.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "database.host",
				Message: "is required",
			})
		}
		if db.Port <= 0 || db.Port > 65535 {
			errs = append(errs, ValidationError{
				Field:   "database.port",
				Message: "must be a valid port number (1-65535)",
			})
		}
		if db.User == "" {
			errs = append(errs, ValidationError{
				Field:   "database.user",
				Message: "is required",
			})
		}
		if db.Name == "" {
			errs = append(errs, ValidationError{
				Field:   "database.name",
				Message: "is required",
			})
		}

		validSSLModes := map[string]bool{
			"disable":     true,
			"require":     true,
			"verify-ca":   true,
			"verify-full": true,
		}
		if !validSSLModes[db.SSLMode] {
			errs = append(errs, ValidationError{
				Field:   "database.sslmode",
				Message: "must be one of: disable, require, verify-ca, verify-full",
			})
		}
	} else if !strings.HasPrefix(db.URL, "postgres://") && !strings.HasPrefix(db.URL, "postgresql://") {
		errs = append(errs, ValidationError{
			Field:   "database.url",
			Message: "must start with postgres:// or postgresql://",
		})
	}

	if db.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_connections",
			Message: "must be greater than 0",
		})
	}
	if db.MaxIdleConnections < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must be non-negative",
		})
	}
	if db.MaxIdleConnections > db.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must not exceed max_connections",
		})
	}

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if mq.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "is required",
		})
	} else if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "must start with amqp:// or amqps://",
		})
	}

	if mq.Exchange == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.exchange",
			Message: "is required",
		})
	}
	if mq.Queue == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.queue",
			Message: "is required",
		})
	}

	if mq.PrefetchCount <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.prefetch_count",
			Message: "must be greater than 0",
		})
	}

	return errs
}

func validateSchedule(s *ScheduleConfig) ValidationErrors {
	var errs ValidationErrors

	if !s.Enabled {
		return errs
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		errs = append(errs, ValidationError{
			Field:   "schedule.cron",
			Message: "invalid cron expression: " + err.Error(),
		})
	}
	if s.PollIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "schedule.poll_interval_seconds",
			Message: "must be greater than 0",
		})
	}

	return errs
}

func validateDocker(d *DockerConfig) ValidationErrors {
	var errs ValidationErrors

	if len(d.AssetClasses) == 0 {
		return errs
	}

	if d.Image == "" {
		errs = append(errs, ValidationError{
			Field:   "docker.image",
			Message: "is required",
		})
	}

	if d.CPULimit != "" {
		if cpus, err := strconv.ParseFloat(d.CPULimit, 64); err != nil || cpus <= 0 {
			errs = append(errs, ValidationError{
				Field:   "docker.cpu_limit",
				Message: "must be a positive number",
			})
		}
	}

	if d.MemoryLimit != "" {
		if _, err := units.RAMInBytes(d.MemoryLimit); err != nil {
			errs = append(errs, ValidationError{
				Field:   "docker.memory_limit",
				Message: "must be a size such as 512m or 2g",
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, console",
		})
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
