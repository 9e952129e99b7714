package validation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/layout"
	"github.com/ferrostat/go-panelwatch/internal/parser"
)

func TestValidationLevel_String(t *testing.T) {
	tests := []struct {
		level    ValidationLevel
		expected string
	}{
		{ValidationLevelBasic, "basic"},
		{ValidationLevelStandard, "standard"},
		{ValidationLevelStrict, "strict"},
		{ValidationLevelParanoid, "paranoid"},
		{ValidationLevel(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, ValidationLevelBasic, ParseLevel("basic"))
	assert.Equal(t, ValidationLevelStrict, ParseLevel(" STRICT "))
	assert.Equal(t, ValidationLevelParanoid, ParseLevel("paranoid"))
	assert.Equal(t, ValidationLevelStandard, ParseLevel("standard"))
	assert.Equal(t, ValidationLevelStandard, ParseLevel("bogus"))
	assert.Equal(t, ValidationLevelStandard, ParseLevel(""))
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Type:     "integrity",
		Severity: "critical",
		Message:  "test error",
		Field:    "test_field",
		Value:    "test_value",
	}

	assert.Equal(t, "critical validation error in test_field: test error", err.Error())
}

func TestValidationResult(t *testing.T) {
	t.Run("HasCriticalErrors", func(t *testing.T) {
		result := &ValidationResult{
			Errors: []*ValidationError{
				{Severity: "warning"},
				{Severity: "critical"},
			},
		}
		assert.True(t, result.HasCriticalErrors())

		result.Errors = []*ValidationError{{Severity: "warning"}}
		assert.False(t, result.HasCriticalErrors())
	})

	t.Run("HasWarnings", func(t *testing.T) {
		result := &ValidationResult{
			Warnings: []*ValidationError{{Severity: "warning"}},
		}
		assert.True(t, result.HasWarnings())

		result.Warnings = nil
		assert.False(t, result.HasWarnings())
	})

	t.Run("Summary", func(t *testing.T) {
		result := &ValidationResult{
			Valid:      true,
			Confidence: 0.95,
		}
		assert.Equal(t, "Valid (confidence: 0.95)", result.Summary())

		result = &ValidationResult{
			Valid:      false,
			Errors:     []*ValidationError{{}, {}},
			Warnings:   []*ValidationError{{}},
			Confidence: 0.5,
		}
		assert.Equal(t, "2 errors, 1 warnings (confidence: 0.50)", result.Summary())
	})
}

func TestBatchValidator_Creation(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStandard, logger)

	assert.NotNil(t, validator)
	assert.Equal(t, ValidationLevelStandard, validator.level)
	assert.NotEmpty(t, validator.rules)
}

// decode runs a telegram through a real parser so validator tests exercise
// the same batches the engine sees.
func decode(t *testing.T, raw string) *parser.Result {
	t.Helper()
	lay, err := layout.Load("v1")
	require.NoError(t, err, "Failed to load layout")
	result, err := parser.NewParser(lay).Decode(raw, domain.MaxDevices)
	require.NoError(t, err, "Telegram %q should decode", raw)
	return result
}

func TestBatchValidator_CleanBatch(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStrict, logger)

	result := validator.ValidateBatch(decode(t, "4200\x02010004\x02020100\x03"), domain.MaxDevices)

	assert.True(t, result.Valid, "Clean batch should validate: %s", result.Summary())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.InDelta(t, 1.0, result.Confidence, 0.001)
}

func TestBatchValidator_MasterOnly(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStrict, logger)

	result := validator.ValidateBatch(decode(t, "4210"), domain.MaxDevices)
	assert.True(t, result.Valid, "Master-only telegram has no batch to reject")
}

func TestBatchValidator_ZoneCountBounds(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelBasic, logger)

	t.Run("exceeds panel capacity", func(t *testing.T) {
		batch := decode(t, "010004\x02020000\x03")
		// Two devices decoded against a panel configured for one.
		result := validator.ValidateBatch(batch, 1)

		require.False(t, result.Valid, "Oversized batch must be rejected")
		assert.True(t, result.HasCriticalErrors())
	})

	t.Run("ragged zone slice", func(t *testing.T) {
		batch := decode(t, "010004")
		batch.Zones = batch.Zones[:3]
		result := validator.ValidateBatch(batch, domain.MaxDevices)

		require.False(t, result.Valid, "Partial device must be rejected")
		assert.Equal(t, "zone_count", result.Errors[0].Field)
	})
}

func TestBatchValidator_DeviceAddressRange(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelBasic, logger)

	batch := decode(t, "050004")
	// Panel shrank after decode; the batch now points past the last device.
	result := validator.ValidateBatch(batch, 3)

	require.False(t, result.Valid, "Address beyond the panel must be rejected")
	assert.Equal(t, "device", result.Errors[0].Field)
}

func TestBatchValidator_ZoneNumberRange(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelBasic, logger)

	batch := decode(t, "010004")
	batch.Zones[2].Zone = 99

	result := validator.ValidateBatch(batch, domain.MaxDevices)
	require.False(t, result.Valid, "Mismatched zone number must be rejected")
	assert.Equal(t, "zone", result.Errors[0].Field)
}

func TestBatchValidator_ConditionKnown(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStandard, logger)

	batch := decode(t, "010004")
	batch.Zones[0].Condition = domain.ZoneCondition(42)

	result := validator.ValidateBatch(batch, domain.MaxDevices)
	require.False(t, result.Valid, "Unknown condition must be rejected")
	assert.Equal(t, "condition", result.Errors[0].Field)
}

func TestBatchValidator_DuplicateDevice(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStandard, logger)

	t.Run("conflicting words", func(t *testing.T) {
		batch := decode(t, "010004\x02010008\x03")
		result := validator.ValidateBatch(batch, domain.MaxDevices)

		require.False(t, result.Valid, "Conflicting duplicate must reject the batch")
		assert.True(t, result.HasCriticalErrors())
	})

	t.Run("identical words", func(t *testing.T) {
		batch := decode(t, "010004\x02010004\x03")
		result := validator.ValidateBatch(batch, domain.MaxDevices)

		assert.True(t, result.Valid, "Benign duplicate keeps the batch")
		assert.True(t, result.HasWarnings(), "Benign duplicate is still surfaced")
	})
}

func TestBatchValidator_FlagConsistencyOnlyAtStrict(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))

	batch := decode(t, "010004")
	batch.Zones[0].Condition = domain.ZoneTrouble // flags say normal

	standard := NewBatchValidator(ValidationLevelStandard, logger)
	result := standard.ValidateBatch(batch, domain.MaxDevices)
	assert.True(t, result.Valid, "Standard level skips flag consistency")
	assert.False(t, result.HasWarnings())

	strict := NewBatchValidator(ValidationLevelStrict, logger)
	result = strict.ValidateBatch(batch, domain.MaxDevices)
	assert.True(t, result.Valid, "Consistency drift warns, it does not reject")
	assert.True(t, result.HasWarnings())
}

func TestBatchValidator_Statistics(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelStandard, logger)

	validator.ValidateBatch(decode(t, "010004"), domain.MaxDevices)
	validator.ValidateBatch(decode(t, "010004\x02010008\x03"), domain.MaxDevices)

	stats := validator.GetStatistics()
	assert.Equal(t, int64(2), stats["validations_performed"])
	assert.Equal(t, int64(1), stats["errors_found"])
	assert.Equal(t, int64(1), stats["rejections_issued"])
	assert.Equal(t, "standard", stats["validation_level"])
}

func TestBatchValidator_AddRule(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelBasic, logger)

	validator.AddRule(&BatchRule{
		Name:  "always_warn",
		Level: ValidationLevelBasic,
		Check: func(result *parser.Result, deviceCount int) *ValidationError {
			return &ValidationError{Severity: "warning", Field: "custom", Message: "noted"}
		},
	})

	result := validator.ValidateBatch(decode(t, "010004"), domain.MaxDevices)
	assert.True(t, result.Valid)
	assert.True(t, result.HasWarnings(), "Custom rule should have fired")
}

func TestBatchValidator_SetValidationLevel(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	validator := NewBatchValidator(ValidationLevelBasic, logger)

	validator.SetValidationLevel(ValidationLevelParanoid)
	assert.Equal(t, ValidationLevelParanoid, validator.level)
}
