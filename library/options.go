package library

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Logger is satisfied by *slog.Logger.
//
// Debug level: SQL statements and refused operations
// Info level: committed lending operations
// Warn level: failed statements and optimistic-lock conflicts
// Error level: operations that failed for reasons other than a refusal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	logMsgSQLExecuted     = "sql executed"
	logMsgSQLFailed       = "sql failed"
	logMsgMigrated        = "schema migrated"
	logMsgCommitted       = "operation committed"
	logMsgRefused         = "operation refused"
	logMsgFailed          = "operation failed"
	logMsgConflict        = "concurrent update detected"
	logMsgUndone          = "operation undone"
	logMsgSnapshotWritten = "snapshot exported"
	logMsgSnapshotLoaded  = "snapshot imported"

	logAttrError        = "error"
	logAttrQuery        = "query"
	logAttrDurationMS   = "duration_ms"
	logAttrRowsAffected = "rows_affected"
	logAttrOperation    = "operation"
	logAttrBookID       = "book_id"
	logAttrUserID       = "user_id"
	logAttrRecordID     = "record_id"
	logAttrVersion      = "schema_version"
	logAttrDriver       = "driver"
	logAttrCount        = "count"
)

type options struct {
	logger     Logger
	policy     Policy
	clock      func() time.Time
	bcryptCost int
}

// Option configures a Database or a LibraryManager. A Database only reads the logger.
type Option func(*options) error

func WithLogger(logger Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidInput)
		}
		o.logger = logger
		return nil
	}
}

// WithPolicy replaces DefaultPolicy. The policy is validated.
func WithPolicy(p Policy) Option {
	return func(o *options) error {
		if err := p.Validate(); err != nil {
			return err
		}
		o.policy = p
		return nil
	}
}

// WithClock makes the manager read the time from now. Tests use it to step over due dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidInput)
		}
		o.clock = now
		return nil
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(o *options) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost %d", ErrInvalidInput, cost)
		}
		o.bcryptCost = cost
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy:     DefaultPolicy(),
		clock:      func() time.Time { return time.Now().UTC() },
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}
