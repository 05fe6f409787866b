package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and LoadWorkerConfig. Fields lists the
// environment variables at fault when they can be determined.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Fields  []string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// hostname is swapped in tests.
var hostname = os.Hostname

// LoadConfig loads and validates the API process configuration.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := load(&cfg); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	cfg.InstanceID = resolveInstanceID(cfg.InstanceID)
	cfg.Webhook.Sources = normalizeSources(cfg.Webhook.Sources)
	return &cfg, nil
}

// LoadWorkerConfig loads and validates the worker process configuration.
func LoadWorkerConfig() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := load(&cfg); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	cfg.InstanceID = resolveInstanceID(cfg.InstanceID)
	return &cfg, nil
}

// load runs the shared sequence: force UTC, read .env if present (existing
// environment variables win), populate from the environment, validate.
func load(target any) error {
	time.Local = time.UTC

	_ = godotenv.Load()

	if err := envconfig.Process("", target); err != nil {
		return &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	return validate(target)
}

func validate(target any) error {
	v := validator.New()
	// Report failures by environment variable name rather than Go field name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("envconfig"); name != "" {
			return name
		}
		return f.Name
	})

	err := v.Struct(target)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "required environment variables are not set",
			Fields:  missing,
			Err:     err,
		}
	}
	return &ConfigError{
		Type:    ErrValidation,
		Message: "configuration validation failed",
		Fields:  invalid,
		Err:     err,
	}
}

func resolveInstanceID(id string) string {
	if id != "" {
		return id
	}
	if h, err := hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func normalizeSources(sources []string) []string {
	out := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
