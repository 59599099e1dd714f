package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgottula/track/pkg/types"
)

func TestDefaultRegistryMeasurements(t *testing.T) {
	r := Default()

	for _, name := range []string{"error_blind", "error_optical", "error_hybrid", "gamepad", "tracker"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, "measurement %q should be registered", name)
	}

	assert.True(t, r.HasField("error_blind", "mount_ha"))
	assert.True(t, r.HasField("tracker", "loop_filt_int_dec"))
	assert.False(t, r.HasField("gamepad", "error_ra"))
}

func TestValidateFieldsCoercion(t *testing.T) {
	r := Default()

	fields, err := r.ValidateFields("error_optical", map[string]interface{}{
		"error_ra":  0.25,
		"error_dec": -1,
		"error_mag": "4.5",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"error_ra": 0.25, "error_dec": -1, "error_mag": 4.5}, fields)
}

func TestValidateFieldsRejectsUnknownMeasurement(t *testing.T) {
	r := Default()

	_, err := r.ValidateFields("nope", map[string]interface{}{"x": 1.0})
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "nope", violation.Measurement)
}

func TestValidateFieldsRejectsUnknownField(t *testing.T) {
	r := Default()

	_, err := r.ValidateFields("gamepad", map[string]interface{}{"left_x": 0.5, "trigger": 1.0})
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "trigger", violation.Field)
}

func TestValidateFieldsRejectsNonNumeric(t *testing.T) {
	r := Default()

	_, err := r.ValidateFields("gamepad", map[string]interface{}{"left_x": "sideways"})
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
}

func TestValidateFieldsEnum(t *testing.T) {
	r := Default()

	fields, err := r.ValidateFields("error_hybrid", map[string]interface{}{"state": 1})
	require.NoError(t, err)
	assert.Equal(t, StateOptical, fields["state"])

	_, err = r.ValidateFields("error_hybrid", map[string]interface{}{"state": 2})
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "state", violation.Field)
}

func TestCheckFieldsEmpty(t *testing.T) {
	r := Default()

	err := r.CheckFields("tracker", nil)
	var violation *types.SchemaViolationError
	require.ErrorAs(t, err, &violation)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	m := Measurement{Name: "m", Fields: map[string]Field{"f": {Kind: Float}}}
	require.NoError(t, r.Register(m))
	require.Error(t, r.Register(m))
}
