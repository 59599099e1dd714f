// Package schema declares the field sets of the telemetry measurements and
// validates producer submissions against them.
package schema

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/bgottula/track/pkg/types"
)

// Hybrid tracking states reported in the error_hybrid measurement. The state
// is driven externally by the tracking control loop whenever optical lock is
// acquired or lost; this core only records and aggregates it.
const (
	StateBlind   = 0.0
	StateOptical = 1.0
)

// FieldKind distinguishes free floats from enumerated values.
type FieldKind int

const (
	Float FieldKind = iota
	Enum
)

// Field describes one channel of a measurement.
type Field struct {
	Kind FieldKind
	// Enum lists the allowed values when Kind is Enum.
	Enum []float64
}

// Measurement is the fixed field set shared by all samples of one stream.
type Measurement struct {
	Name   string
	Fields map[string]Field
}

// Registry maps measurement names to their schemas. Registries are built at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	measurements map[string]Measurement
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{measurements: make(map[string]Measurement)}
}

// Register adds a measurement schema. Registering the same name twice is an
// error to catch wiring mistakes early.
func (r *Registry) Register(m Measurement) error {
	if m.Name == "" {
		return fmt.Errorf("measurement name is required")
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("measurement %q has no fields", m.Name)
	}
	if _, exists := r.measurements[m.Name]; exists {
		return fmt.Errorf("measurement %q already registered", m.Name)
	}
	r.measurements[m.Name] = m
	return nil
}

// Lookup returns the schema for a measurement name.
func (r *Registry) Lookup(name string) (Measurement, bool) {
	m, ok := r.measurements[name]
	return m, ok
}

// HasField reports whether the named measurement declares the named field.
func (r *Registry) HasField(measurement, field string) bool {
	m, ok := r.measurements[measurement]
	if !ok {
		return false
	}
	_, ok = m.Fields[field]
	return ok
}

// Names returns the registered measurement names in unspecified order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.measurements))
	for name := range r.measurements {
		names = append(names, name)
	}
	return names
}

// ValidateFields checks a raw producer submission against the measurement
// schema and returns the coerced field values. Values arrive as interface{}
// from JSON or polled sources, so ints, floats and numeric strings are all
// accepted for float fields. The submission is rejected whole on the first
// violation; partial samples are never produced.
func (r *Registry) ValidateFields(measurement string, fields map[string]interface{}) (map[string]float64, error) {
	m, ok := r.measurements[measurement]
	if !ok {
		return nil, &types.SchemaViolationError{Measurement: measurement, Reason: "unknown measurement"}
	}
	if len(fields) == 0 {
		return nil, &types.SchemaViolationError{Measurement: measurement, Reason: "no fields supplied"}
	}

	out := make(map[string]float64, len(fields))
	for name, raw := range fields {
		spec, ok := m.Fields[name]
		if !ok {
			return nil, &types.SchemaViolationError{Measurement: measurement, Field: name, Reason: "unknown field"}
		}

		value, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, &types.SchemaViolationError{
				Measurement: measurement,
				Field:       name,
				Reason:      fmt.Sprintf("value %v is not numeric", raw),
			}
		}

		if spec.Kind == Enum && !contains(spec.Enum, value) {
			return nil, &types.SchemaViolationError{
				Measurement: measurement,
				Field:       name,
				Reason:      fmt.Sprintf("value %v is not a declared enum point", value),
			}
		}

		out[name] = value
	}

	return out, nil
}

// CheckFields validates already-coerced field values, used on the internal
// append path where producers submit float64 directly.
func (r *Registry) CheckFields(measurement string, fields map[string]float64) error {
	m, ok := r.measurements[measurement]
	if !ok {
		return &types.SchemaViolationError{Measurement: measurement, Reason: "unknown measurement"}
	}
	if len(fields) == 0 {
		return &types.SchemaViolationError{Measurement: measurement, Reason: "no fields supplied"}
	}
	for name, value := range fields {
		spec, ok := m.Fields[name]
		if !ok {
			return &types.SchemaViolationError{Measurement: measurement, Field: name, Reason: "unknown field"}
		}
		if spec.Kind == Enum && !contains(spec.Enum, value) {
			return &types.SchemaViolationError{
				Measurement: measurement,
				Field:       name,
				Reason:      fmt.Sprintf("value %v is not a declared enum point", value),
			}
		}
	}
	return nil
}

func contains(values []float64, v float64) bool {
	for _, have := range values {
		if have == v {
			return true
		}
	}
	return false
}

// Default returns the registry for the tracking telemetry streams: blind and
// optical pointing error, the hybrid state indicator, gamepad axes and the
// tracking loop internals.
func Default() *Registry {
	r := NewRegistry()

	floats := func(names ...string) map[string]Field {
		fields := make(map[string]Field, len(names))
		for _, name := range names {
			fields[name] = Field{Kind: Float}
		}
		return fields
	}

	// Pointing error from the mount model, plus the mount and target
	// positions it was computed from (degrees).
	must(r.Register(Measurement{
		Name: "error_blind",
		Fields: floats(
			"error_ra", "error_dec",
			"mount_ra", "mount_dec", "mount_ha",
			"target_ra", "target_dec",
		),
	}))

	// Pointing error from the optical (camera) solution (degrees), with the
	// magnitude of the detected target.
	must(r.Register(Measurement{
		Name:   "error_optical",
		Fields: floats("error_ra", "error_dec", "error_mag"),
	}))

	must(r.Register(Measurement{
		Name: "error_hybrid",
		Fields: map[string]Field{
			"state": {Kind: Enum, Enum: []float64{StateBlind, StateOptical}},
		},
	}))

	// Normalized stick axes plus the slew integrator outputs.
	must(r.Register(Measurement{
		Name:   "gamepad",
		Fields: floats("left_x", "left_y", "right_x", "right_y", "int_x", "int_y"),
	}))

	// Control loop state: commanded slew rates and loop filter integrators
	// (degrees/second), and the cycle counter.
	must(r.Register(Measurement{
		Name: "tracker",
		Fields: floats(
			"rate_ra", "rate_dec",
			"loop_filt_int_ra", "loop_filt_int_dec",
			"num_iterations",
		),
	}))

	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
