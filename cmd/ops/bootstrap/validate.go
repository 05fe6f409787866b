package main

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxQueueNameLen is the SQS limit, .fifo suffix included.
const maxQueueNameLen = 80

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.fifo$`)

// ValidateQueueName checks that name is a legal FIFO queue name whose DLQ
// name is legal too.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("invalid queue name %q: must be alphanumeric, '-' or '_' and end in %s", name, fifoSuffix)
	}
	if len(DLQName(name)) > maxQueueNameLen {
		return fmt.Errorf("queue name %q too long: its dead-letter queue name exceeds %d characters", name, maxQueueNameLen)
	}
	return nil
}

// ValidateDatabaseURL checks that rawURL is a parseable Postgres connection
// string. Reachability is proven later by the schema step itself.
func ValidateDatabaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("--database-url (or DATABASE_URL) is required unless --skip-db is set")
	}
	if !strings.HasPrefix(rawURL, "postgres://") && !strings.HasPrefix(rawURL, "postgresql://") {
		return errors.New("database URL must start with postgres:// or postgresql://")
	}
	if _, err := pgx.ParseConfig(rawURL); err != nil {
		return fmt.Errorf("invalid database URL: %w", err)
	}
	return nil
}
