package types

import (
	"fmt"
	"time"
)

// SchemaViolationError reports a sample rejected on append: unknown
// measurement, unknown field, a value that cannot be read as a number, or an
// enum value outside the declared set. The sample is dropped; buffer state is
// unchanged.
type SchemaViolationError struct {
	Measurement string
	Field       string
	Reason      string
}

func (e *SchemaViolationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema violation on %q: %s", e.Measurement, e.Reason)
	}
	return fmt.Sprintf("schema violation on %q field %q: %s", e.Measurement, e.Field, e.Reason)
}

// OutOfOrderError reports an append whose timestamp regressed below the last
// recorded timestamp for the measurement. Rejected by default; the buffer is
// unchanged.
type OutOfOrderError struct {
	Measurement string
	Timestamp   time.Time
	Last        time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order write to %q: %s is before last recorded %s",
		e.Measurement, e.Timestamp.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

// UnknownMeasurementError reports a query against a measurement not present
// in the schema registry.
type UnknownMeasurementError struct {
	Measurement string
}

func (e *UnknownMeasurementError) Error() string {
	return fmt.Sprintf("unknown measurement %q", e.Measurement)
}

// UnknownFieldError reports a query selecting a field the measurement schema
// does not declare.
type UnknownFieldError struct {
	Measurement string
	Field       string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("measurement %q has no field %q", e.Measurement, e.Field)
}

// InvalidRangeError reports a malformed query range or group interval. No
// partial result is produced.
type InvalidRangeError struct {
	From     time.Time
	To       time.Time
	Interval time.Duration
	Reason   string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid query range [%s, %s) interval %s: %s",
		e.From.Format(time.RFC3339Nano), e.To.Format(time.RFC3339Nano), e.Interval, e.Reason)
}
