package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// ExportEnvConfig describes the .env file to write.
type ExportEnvConfig struct {
	OutputPath  string
	Environment string
	Region      string
	QueueName   string
	EndpointURL string
	DatabaseURL string
	// Overwrite replaces an existing file instead of failing.
	Overwrite bool
}

// EnvValues builds the variables both processes read. VERIFY_TOKEN is
// generated; APP_SECRET is issued by the platform and left for the operator.
func EnvValues(cfg ExportEnvConfig) (map[string]string, error) {
	verifyToken, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	values := map[string]string{
		"APP_ENV":        cfg.Environment,
		"AWS_REGION":     cfg.Region,
		"SQS_QUEUE_NAME": cfg.QueueName,
		"VERIFY_TOKEN":   verifyToken,
		"APP_SECRET":     "",
		"REDIS_URL":      "redis://localhost:6379/0",
		"LOG_LEVEL":      "debug",
	}
	if cfg.EndpointURL != "" {
		values["AWS_ENDPOINT_URL"] = cfg.EndpointURL
	}
	if cfg.DatabaseURL != "" {
		values["DATABASE_URL"] = cfg.DatabaseURL
	}
	return values, nil
}

// ExportEnvFile writes the .env file with mode 0600.
func ExportEnvFile(cfg ExportEnvConfig) error {
	if !cfg.Overwrite {
		if _, err := os.Stat(cfg.OutputPath); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfg.OutputPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	values, err := EnvValues(cfg)
	if err != nil {
		return err
	}
	content, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding env file: %w", err)
	}
	return os.WriteFile(cfg.OutputPath, []byte(content+"\n"), 0o600)
}
