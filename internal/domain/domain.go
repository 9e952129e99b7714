// Package domain provides core domain models and interfaces for the panelwatch engine.
package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// MaxDevices is the highest addressable field device on the panel loop.
const MaxDevices = 63

// ZonesPerDevice is the number of monitored zones hosted by one field device.
const ZonesPerDevice = 5

// MaxZones is the highest absolute zone number the protocol can express.
const MaxZones = MaxDevices * ZonesPerDevice

// Indicator identifies one of the seven master panel LEDs.
type Indicator int

const (
	IndicatorACPower Indicator = iota
	IndicatorDCPower
	IndicatorAlarm
	IndicatorTrouble
	IndicatorDrill
	IndicatorSilenced
	IndicatorDisabled
)

// Indicators lists all master LEDs in status-byte bit order (bit 6 down to bit 0).
var Indicators = [...]Indicator{
	IndicatorACPower,
	IndicatorDCPower,
	IndicatorAlarm,
	IndicatorTrouble,
	IndicatorDrill,
	IndicatorSilenced,
	IndicatorDisabled,
}

// String returns the canonical name of the indicator.
func (i Indicator) String() string {
	switch i {
	case IndicatorACPower:
		return "ac_power"
	case IndicatorDCPower:
		return "dc_power"
	case IndicatorAlarm:
		return "alarm"
	case IndicatorTrouble:
		return "trouble"
	case IndicatorDrill:
		return "drill"
	case IndicatorSilenced:
		return "silenced"
	case IndicatorDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseIndicator maps an external flag name onto the closed indicator set.
// Unknown names are rejected rather than defaulting to any indicator.
func ParseIndicator(name string) (Indicator, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ac_power", "acpower", "ac":
		return IndicatorACPower, true
	case "dc_power", "dcpower", "dc":
		return IndicatorDCPower, true
	case "alarm":
		return IndicatorAlarm, true
	case "trouble":
		return IndicatorTrouble, true
	case "drill":
		return IndicatorDrill, true
	case "silenced":
		return IndicatorSilenced, true
	case "disabled":
		return IndicatorDisabled, true
	default:
		return 0, false
	}
}

// MasterStatus holds the decoded state of the seven master panel LEDs.
// It is replaced wholesale on every decoded master word, never merged
// field by field.
type MasterStatus struct {
	ACPower  bool `json:"ac_power"`
	DCPower  bool `json:"dc_power"`
	Alarm    bool `json:"alarm"`
	Trouble  bool `json:"trouble"`
	Drill    bool `json:"drill"`
	Silenced bool `json:"silenced"`
	Disabled bool `json:"disabled"`

	// Header is the address/header byte preceding the status byte. It is
	// recorded for diagnostics only.
	Header byte `json:"-"`

	// RawWord is the original 4-digit hex word, kept for diagnostics.
	RawWord string `json:"raw_word,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Flag returns the state of a single LED indicator.
func (m MasterStatus) Flag(ind Indicator) bool {
	switch ind {
	case IndicatorACPower:
		return m.ACPower
	case IndicatorDCPower:
		return m.DCPower
	case IndicatorAlarm:
		return m.Alarm
	case IndicatorTrouble:
		return m.Trouble
	case IndicatorDrill:
		return m.Drill
	case IndicatorSilenced:
		return m.Silenced
	case IndicatorDisabled:
		return m.Disabled
	default:
		return false
	}
}

// ZoneCondition classifies the state of a single zone.
type ZoneCondition int

const (
	ZoneNormal ZoneCondition = iota
	ZoneActive
	ZoneTrouble
	ZoneAlarm
	ZoneOffline
)

// String returns a human-readable condition name.
func (c ZoneCondition) String() string {
	switch c {
	case ZoneNormal:
		return "normal"
	case ZoneActive:
		return "active"
	case ZoneTrouble:
		return "trouble"
	case ZoneAlarm:
		return "alarm"
	case ZoneOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the condition as its name rather than a bare integer.
func (c ZoneCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseZoneCondition maps a condition name onto the closed condition set.
func ParseZoneCondition(s string) (ZoneCondition, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return ZoneNormal, true
	case "active":
		return ZoneActive, true
	case "trouble":
		return ZoneTrouble, true
	case "alarm":
		return ZoneAlarm, true
	case "offline":
		return ZoneOffline, true
	default:
		return 0, false
	}
}

// ClassifyZone derives the zone condition from its decoded flags using the
// priority alarm > trouble > active > normal.
func ClassifyZone(hasAlarm, hasTrouble, isActive bool) ZoneCondition {
	switch {
	case hasAlarm:
		return ZoneAlarm
	case hasTrouble:
		return ZoneTrouble
	case isActive:
		return ZoneActive
	default:
		return ZoneNormal
	}
}

// ZoneStatus is the last known state of one monitored zone, keyed by its
// absolute zone number.
type ZoneStatus struct {
	Zone         int           `json:"zone"`
	Device       int           `json:"device"`
	ZoneInDevice int           `json:"zone_in_device"`
	HasAlarm     bool          `json:"has_alarm"`
	HasTrouble   bool          `json:"has_trouble"`
	IsActive     bool          `json:"is_active"`
	Condition    ZoneCondition `json:"condition"`
	Description  string        `json:"description,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AbsoluteZone computes the panel-wide zone number for a device-local zone.
func AbsoluteZone(device, zoneInDevice int) int {
	return (device-1)*ZonesPerDevice + zoneInDevice
}

// BellConfirmation records one bell circuit activation acknowledgment.
type BellConfirmation struct {
	Device    int       `json:"device"`
	Active    bool      `json:"active"`
	RawToken  string    `json:"raw_token,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventKind classifies entries on the outbound event stream.
type EventKind int

const (
	EventZoneChanged EventKind = iota
	EventBellConfirmed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventZoneChanged:
		return "zone_changed"
	case EventBellConfirmed:
		return "bell_confirmed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind as its name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// PanelEvent is one discrete observation from the telegram stream: a zone
// changing condition or a bell circuit confirmation. Exactly one of Zone
// and Bell is set, matching Kind.
type PanelEvent struct {
	Kind      EventKind         `json:"kind"`
	Zone      *ZoneStatus       `json:"zone,omitempty"`
	Bell      *BellConfirmation `json:"bell,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// FeedSource tags which producer delivered a telegram.
type FeedSource int

const (
	SourceSocket FeedSource = iota
	SourcePush
)

// String returns the feed source name.
func (s FeedSource) String() string {
	switch s {
	case SourceSocket:
		return "socket"
	case SourcePush:
		return "push"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the source as its name.
func (s FeedSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseFeedSource maps a source name onto the closed source set.
func ParseFeedSource(s string) (FeedSource, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socket":
		return SourceSocket, true
	case "push":
		return SourcePush, true
	default:
		return 0, false
	}
}

// StatusLabel is the single human-facing system status.
type StatusLabel int

const (
	LabelSystemNormal StatusLabel = iota
	LabelNoData
	LabelSystemDisabled
	LabelSystemSilenced
	LabelSystemTrouble
	LabelAlarm
	LabelAlarmDrill
	LabelLoading
	LabelSystemResetting
	LabelSystemError
)

// String returns the display text for the label.
func (l StatusLabel) String() string {
	switch l {
	case LabelSystemNormal:
		return "SYSTEM NORMAL"
	case LabelNoData:
		return "NO DATA"
	case LabelSystemDisabled:
		return "SYSTEM DISABLED"
	case LabelSystemSilenced:
		return "SYSTEM SILENCED"
	case LabelSystemTrouble:
		return "SYSTEM TROUBLE"
	case LabelAlarm:
		return "ALARM"
	case LabelAlarmDrill:
		return "ALARM DRILL"
	case LabelLoading:
		return "LOADING"
	case LabelSystemResetting:
		return "SYSTEM RESETTING"
	case LabelSystemError:
		return "SYSTEM ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the label as its display text.
func (l StatusLabel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Severity ranks status labels for display priority.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityMinor:
		return "minor"
	case SeverityMajor:
		return "major"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Severity maps each label to its fixed severity.
func (l StatusLabel) Severity() Severity {
	switch l {
	case LabelAlarm, LabelSystemError:
		return SeverityCritical
	case LabelAlarmDrill, LabelSystemTrouble, LabelSystemSilenced:
		return SeverityMajor
	case LabelSystemDisabled, LabelNoData, LabelLoading, LabelSystemResetting:
		return SeverityMinor
	default:
		return SeverityNormal
	}
}

// Color maps each label to its fixed display color.
func (l StatusLabel) Color() string {
	switch l {
	case LabelAlarm, LabelSystemError:
		return "red"
	case LabelAlarmDrill:
		return "orange"
	case LabelSystemTrouble, LabelSystemSilenced:
		return "amber"
	case LabelSystemDisabled, LabelNoData:
		return "gray"
	case LabelLoading, LabelSystemResetting:
		return "blue"
	default:
		return "green"
	}
}

// AggregatedStatus is the derived, display-ready system status. It is
// computed on demand and never stored authoritatively.
type AggregatedStatus struct {
	Label        StatusLabel `json:"label"`
	Severity     Severity    `json:"severity"`
	Color        string      `json:"color"`
	AlarmZones   int         `json:"alarm_zones"`
	TroubleZones int         `json:"trouble_zones"`
	ActiveBells  int         `json:"active_bells"`
	Accumulating bool        `json:"accumulating"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

// AccumulatedCounts summarizes the current accumulation episode.
type AccumulatedCounts struct {
	AlarmCount     int       `json:"alarm_count"`
	TroubleCount   int       `json:"trouble_count"`
	BellCount      int       `json:"bell_count"`
	Accumulating   bool      `json:"accumulating"`
	LastModeChange time.Time `json:"last_mode_change,omitempty"`
}

// TelegramSink accepts raw telegrams from feed producers. Implementations
// must never block a producer on decode work.
type TelegramSink interface {
	Ingest(raw string, source FeedSource)
}

// MessagePublisher defines the interface for publishing engine output.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external status monitoring services.
type MonitoringService interface {
	// Send uploads an aggregated status snapshot to the monitoring service
	Send(ctx context.Context, status *AggregatedStatus) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// Registry keeps track of field devices seen on the panel loop.
type Registry interface {
	// Touch records that a device reported, with its raw status word
	Touch(address int, statusWord string, offline bool)

	// Get retrieves information about a device
	Get(address int) (*DeviceInfo, bool)

	// All returns information about every known device, ordered by address
	All() []*DeviceInfo

	// Prune removes devices above the given address and returns how many
	Prune(maxAddress int) int

	// Clear removes all devices
	Clear()
}

// DeviceInfo contains information about one field device on the loop.
type DeviceInfo struct {
	Address  int       `json:"address"`
	LastWord string    `json:"last_word"`
	LastSeen time.Time `json:"last_seen"`
	Offline  bool      `json:"offline"`
}
