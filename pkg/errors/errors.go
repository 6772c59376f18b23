// Package errors defines the structured error records emitted by pipeline
// stages. A stage operation that fails logs one of these and returns the
// empty sentinel; errors never cross goroutine boundaries as panics.
package errors

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConfig covers missing required properties, mutually exclusive
	// flags and invalid patterns.
	KindConfig Kind = "configuration"
	// KindIO covers file-not-found, read failures and permission problems.
	KindIO Kind = "io"
	// KindSemantic covers inconsistent calendars, absent variables, bounds
	// outside the domain and dimension mismatches.
	KindSemantic Kind = "semantic"
	// KindResource covers thread-pool task failures surfacing as missing
	// results.
	KindResource Kind = "resource"
)

// Severity levels for error records.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Record is a structured pipeline error.
type Record struct {
	Kind      Kind
	Severity  Severity
	Stage     string
	Operation string
	Message   string
	Cause     error
	Origin    string
	Timestamp time.Time
}

// New builds a record for the named stage and operation.
func New(kind Kind, stage, operation, message string) *Record {
	_, file, line, _ := runtime.Caller(1)
	return &Record{
		Kind:      kind,
		Severity:  SeverityError,
		Stage:     stage,
		Operation: operation,
		Message:   message,
		Origin:    fmt.Sprintf("%s:%d", file, line),
		Timestamp: time.Now(),
	}
}

// Newf builds a record with a formatted message.
func Newf(kind Kind, stage, operation, format string, args ...interface{}) *Record {
	r := New(kind, stage, operation, fmt.Sprintf(format, args...))
	_, file, line, _ := runtime.Caller(1)
	r.Origin = fmt.Sprintf("%s:%d", file, line)
	return r
}

// Error implements the error interface.
func (r *Record) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", r.Stage, r.Operation, r.Kind, r.Message, r.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", r.Stage, r.Operation, r.Kind, r.Message)
}

// Unwrap returns the cause.
func (r *Record) Unwrap() error { return r.Cause }

// Wrap attaches a cause and returns the record.
func (r *Record) Wrap(cause error) *Record {
	r.Cause = cause
	return r
}

// WithSeverity sets the severity and returns the record.
func (r *Record) WithSeverity(s Severity) *Record {
	r.Severity = s
	return r
}

// Fields returns the record as logrus fields.
func (r *Record) Fields() logrus.Fields {
	f := logrus.Fields{
		"error_kind":     string(r.Kind),
		"error_severity": string(r.Severity),
		"stage":          r.Stage,
		"operation":      r.Operation,
		"origin":         r.Origin,
	}
	if r.Cause != nil {
		f["cause"] = r.Cause.Error()
	}
	return f
}

// Emit logs the record at a level matching its severity and returns it, so
// call sites can write `return errors.New(...).Emit(log)`.
func (r *Record) Emit(log *logrus.Logger) *Record {
	entry := log.WithFields(r.Fields())
	switch r.Severity {
	case SeverityFatal, SeverityError:
		entry.Error(r.Message)
	case SeverityWarning:
		entry.Warn(r.Message)
	default:
		entry.Info(r.Message)
	}
	return r
}

// AsRecord extracts a Record from err when possible.
func AsRecord(err error) (*Record, bool) {
	r, ok := err.(*Record)
	return r, ok
}
