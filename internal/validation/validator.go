// Package validation provides integrity checks for decoded telegram batches.
package validation

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/parser"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
	ValidationLevelParanoid
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	case ValidationLevelParanoid:
		return "paranoid"
	default:
		return "unknown"
	}
}

// ParseLevel maps a configuration string to a validation level. Unknown
// values fall back to standard.
func ParseLevel(s string) ValidationLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return ValidationLevelBasic
	case "strict":
		return ValidationLevelStrict
	case "paranoid":
		return ValidationLevelParanoid
	default:
		return ValidationLevelStandard
	}
}

// ValidationError represents a validation error with severity and context.
type ValidationError struct {
	Type     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of validating one telegram batch.
// A batch that is not Valid must be discarded wholesale; the zone cache
// stays untouched.
type ValidationResult struct {
	Valid      bool
	Errors     []*ValidationError
	Warnings   []*ValidationError
	Confidence float64 // 0.0-1.0 confidence in batch integrity
}

// HasCriticalErrors returns true if there are any critical validation errors.
func (vr *ValidationResult) HasCriticalErrors() bool {
	for _, err := range vr.Errors {
		if err.Severity == "critical" || err.Severity == "error" {
			return true
		}
	}
	return false
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return fmt.Sprintf("Valid (confidence: %.2f)", vr.Confidence)
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}

	return fmt.Sprintf("%s (confidence: %.2f)", strings.Join(parts, ", "), vr.Confidence)
}

// BatchRule defines one integrity check over a decoded telegram batch.
type BatchRule struct {
	Name        string
	Description string
	Level       ValidationLevel
	Check       func(result *parser.Result, deviceCount int) *ValidationError
}

// BatchValidator runs level-gated integrity rules over decoded batches.
type BatchValidator struct {
	level  ValidationLevel
	rules  []*BatchRule
	logger zerolog.Logger

	// Statistics
	validationsPerformed int64
	errorsFound          int64
	warningsFound        int64
	rejectionsIssued     int64
}

// NewBatchValidator creates a validator with the default rule set.
func NewBatchValidator(level ValidationLevel, logger zerolog.Logger) *BatchValidator {
	validator := &BatchValidator{
		level:  level,
		rules:  make([]*BatchRule, 0),
		logger: logger.With().Str("component", "validator").Logger(),
	}

	validator.registerDefaultRules()

	return validator
}

// ValidateBatch checks one decoded telegram against all rules at or below
// the configured level. Callers apply the batch only when Valid is true.
func (bv *BatchValidator) ValidateBatch(result *parser.Result, deviceCount int) *ValidationResult {
	bv.validationsPerformed++

	vr := &ValidationResult{
		Valid:      true,
		Errors:     make([]*ValidationError, 0),
		Warnings:   make([]*ValidationError, 0),
		Confidence: 1.0,
	}

	for _, rule := range bv.rules {
		if rule.Level <= bv.level {
			if err := rule.Check(result, deviceCount); err != nil {
				bv.addValidationError(vr, err)
			}
		}
	}

	if !vr.Valid {
		bv.rejectionsIssued++
	}

	bv.logger.Debug().
		Int("zones", len(result.Zones)).
		Int("devices", len(result.Devices)).
		Int("errors", len(vr.Errors)).
		Int("warnings", len(vr.Warnings)).
		Float64("confidence", vr.Confidence).
		Msg("Batch validation completed")

	return vr
}

// addValidationError adds a validation error to the result and updates metrics.
func (bv *BatchValidator) addValidationError(vr *ValidationResult, err *ValidationError) {
	if err.Severity == "warning" {
		vr.Warnings = append(vr.Warnings, err)
		bv.warningsFound++
		vr.Confidence *= 0.95
		return
	}

	vr.Errors = append(vr.Errors, err)
	bv.errorsFound++
	vr.Valid = false

	switch err.Severity {
	case "critical":
		vr.Confidence *= 0.1
	case "error":
		vr.Confidence *= 0.5
	case "minor":
		vr.Confidence *= 0.8
	}
}

// registerDefaultRules registers the default batch integrity rules.
func (bv *BatchValidator) registerDefaultRules() {
	bv.rules = []*BatchRule{
		{
			Name:        "zone_count_bounds",
			Description: "Zone count must fit the configured panel size",
			Level:       ValidationLevelBasic,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				count := len(result.Zones)
				if count == 0 {
					return nil // Nothing to apply; master-only telegrams are fine.
				}
				if count%domain.ZonesPerDevice != 0 {
					return &ValidationError{
						Type:     "integrity",
						Severity: "critical",
						Message:  fmt.Sprintf("zone count %d is not a whole number of devices", count),
						Field:    "zone_count",
						Value:    count,
					}
				}
				if max := deviceCount * domain.ZonesPerDevice; count > max {
					return &ValidationError{
						Type:     "integrity",
						Severity: "critical",
						Message:  fmt.Sprintf("zone count %d exceeds panel capacity %d", count, max),
						Field:    "zone_count",
						Value:    count,
					}
				}
				return nil
			},
		},
		{
			Name:        "device_address_range",
			Description: "Every zone must belong to a configured device",
			Level:       ValidationLevelBasic,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				for _, zone := range result.Zones {
					if zone.Device < 1 || zone.Device > deviceCount {
						return &ValidationError{
							Type:     "integrity",
							Severity: "critical",
							Message:  fmt.Sprintf("device address %d outside 1..%d", zone.Device, deviceCount),
							Field:    "device",
							Value:    zone.Device,
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "zone_number_range",
			Description: "Zone numbers must be consistent with their device",
			Level:       ValidationLevelBasic,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				for _, zone := range result.Zones {
					if zone.ZoneInDevice < 1 || zone.ZoneInDevice > domain.ZonesPerDevice {
						return &ValidationError{
							Type:     "integrity",
							Severity: "error",
							Message:  fmt.Sprintf("zone-in-device %d outside 1..%d", zone.ZoneInDevice, domain.ZonesPerDevice),
							Field:    "zone_in_device",
							Value:    zone.ZoneInDevice,
						}
					}
					if want := domain.AbsoluteZone(zone.Device, zone.ZoneInDevice); zone.Zone != want {
						return &ValidationError{
							Type:     "integrity",
							Severity: "error",
							Message:  fmt.Sprintf("zone %d does not match device %d position %d", zone.Zone, zone.Device, zone.ZoneInDevice),
							Field:    "zone",
							Value:    zone.Zone,
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "condition_known",
			Description: "Zone conditions must come from the known enumeration",
			Level:       ValidationLevelStandard,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				for _, zone := range result.Zones {
					switch zone.Condition {
					case domain.ZoneNormal, domain.ZoneActive, domain.ZoneTrouble, domain.ZoneAlarm, domain.ZoneOffline:
					default:
						return &ValidationError{
							Type:     "integrity",
							Severity: "error",
							Message:  fmt.Sprintf("unknown zone condition %d", int(zone.Condition)),
							Field:    "condition",
							Value:    int(zone.Condition),
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "duplicate_device_conflict",
			Description: "A device may not report two different words in one telegram",
			Level:       ValidationLevelStandard,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				seen := make(map[int]string, len(result.Devices))
				for _, device := range result.Devices {
					prior, exists := seen[device.Address]
					if !exists {
						seen[device.Address] = device.Word
						continue
					}
					if prior != device.Word {
						return &ValidationError{
							Type:     "integrity",
							Severity: "critical",
							Message:  fmt.Sprintf("device %02d reported conflicting words %s and %s", device.Address, prior, device.Word),
							Field:    "device",
							Value:    device.Address,
						}
					}
					return &ValidationError{
						Type:     "integrity",
						Severity: "warning",
						Message:  fmt.Sprintf("device %02d repeated with identical word", device.Address),
						Field:    "device",
						Value:    device.Address,
					}
				}
				return nil
			},
		},
		{
			Name:        "flag_condition_consistency",
			Description: "Zone conditions must agree with their raw flags",
			Level:       ValidationLevelStrict,
			Check: func(result *parser.Result, deviceCount int) *ValidationError {
				for _, zone := range result.Zones {
					if zone.Condition == domain.ZoneOffline {
						if zone.HasAlarm || zone.HasTrouble || zone.IsActive {
							return &ValidationError{
								Type:     "integrity",
								Severity: "warning",
								Message:  fmt.Sprintf("offline zone %d carries status flags", zone.Zone),
								Field:    "condition",
								Value:    zone.Zone,
							}
						}
						continue
					}
					if want := domain.ClassifyZone(zone.HasAlarm, zone.HasTrouble, zone.IsActive); zone.Condition != want {
						return &ValidationError{
							Type:     "integrity",
							Severity: "warning",
							Message:  fmt.Sprintf("zone %d condition %s disagrees with flags", zone.Zone, zone.Condition),
							Field:    "condition",
							Value:    zone.Zone,
						}
					}
				}
				return nil
			},
		},
	}
}

// GetStatistics returns validation statistics.
func (bv *BatchValidator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": bv.validationsPerformed,
		"errors_found":          bv.errorsFound,
		"warnings_found":        bv.warningsFound,
		"rejections_issued":     bv.rejectionsIssued,
		"validation_level":      bv.level.String(),
		"rules":                 len(bv.rules),
	}
}

// SetValidationLevel changes the validation level.
func (bv *BatchValidator) SetValidationLevel(level ValidationLevel) {
	old := bv.level
	bv.level = level
	bv.logger.Info().
		Str("old_level", old.String()).
		Str("new_level", level.String()).
		Msg("Validation level changed")
}

// AddRule adds a custom batch validation rule.
func (bv *BatchValidator) AddRule(rule *BatchRule) {
	bv.rules = append(bv.rules, rule)

	bv.logger.Debug().
		Str("rule", rule.Name).
		Msg("Added custom batch rule")
}
