// Package parser provides decoding of panel status telegrams into master,
// zone, and bell updates.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/layout"
	"github.com/ferrostat/go-panelwatch/internal/protocol"
)

// ErrMalformedTelegram marks a telegram in which nothing could be decoded.
// Callers skip the telegram and keep prior state; it is never fatal.
var ErrMalformedTelegram = errors.New("malformed telegram")

// Result is the decoded content of one telegram.
type Result struct {
	// Master is present when the telegram carried a master control word.
	Master *domain.MasterStatus

	// Zones holds the per-zone updates from all in-range device records,
	// in record order, five per device.
	Zones []domain.ZoneStatus

	// Devices holds one report per in-range device record.
	Devices []DeviceReport

	// Bells holds explicit confirmation tokens plus bell flags derived
	// from device status words.
	Bells []domain.BellConfirmation

	// Ignored lists device addresses that fell outside the configured
	// range. Reported for diagnostics, never stored.
	Ignored []int

	// Fingerprint identifies the raw telegram for duplicate diagnostics.
	Fingerprint uint16
}

// HasData reports whether anything decodable was found.
func (r *Result) HasData() bool {
	return r.Master != nil || len(r.Devices) > 0 || len(r.Bells) > 0
}

// DeviceReport carries one device record's raw status word.
type DeviceReport struct {
	Address int
	Word    string
	Offline bool

	word uint32
}

// Parser decodes raw telegrams against one protocol zone map.
type Parser struct {
	layout        *layout.Layout
	recordPattern *regexp.Regexp
	logger        zerolog.Logger
}

// NewParser creates a telegram parser for the given zone map.
func NewParser(lay *layout.Layout) *Parser {
	return &Parser{
		layout: lay,
		recordPattern: regexp.MustCompile(
			fmt.Sprintf(`^([0-9]{2})([0-9A-Fa-f]{%d})$`, lay.StatusDigits)),
		logger: log.With().Str("component", "parser").Logger(),
	}
}

// Decode parses one telegram. deviceCount bounds the valid device address
// range. Segments that parse as neither a master word nor a device record
// are skipped; only a telegram in which nothing at all can be decoded
// returns ErrMalformedTelegram.
func (p *Parser) Decode(raw string, deviceCount int) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrMalformedTelegram
	}

	now := time.Now()
	result := &Result{Fingerprint: protocol.Fingerprint(raw)}

	for i, segment := range protocol.Segments(trimmed) {
		// The master word only ever appears standalone or as the prefix
		// before the first frame marker.
		if i == 0 {
			if master, ok := DecodeMaster(segment, now); ok {
				result.Master = master
				p.logf("Master word %s: header=%02X status=%s", segment, master.Header, segment[2:])
				continue
			}
		}

		if p.decodeRecord(segment, deviceCount, now, result) {
			continue
		}

		p.logf("Unrecognized segment %q skipped", segment)
	}

	p.decodeBells(trimmed, now, result)

	if !result.HasData() && len(result.Ignored) == 0 {
		return nil, ErrMalformedTelegram
	}

	return result, nil
}

// Wellformed reports whether a telegram contains at least one syntactically
// valid element. The socket link uses this to choose ACK or NAK before the
// engine decodes asynchronously.
func (p *Parser) Wellformed(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	for i, segment := range protocol.Segments(trimmed) {
		if i == 0 && masterWordPattern.MatchString(segment) {
			return true
		}
		if p.recordPattern.MatchString(segment) {
			return true
		}
	}

	return bellTokenPattern.MatchString(trimmed)
}

// SetCustomLogger sets a custom logger for the parser.
func (p *Parser) SetCustomLogger(logger *zerolog.Logger) {
	p.logger = *logger
}

// logf logs a debug message with the parser's logger.
func (p *Parser) logf(format string, args ...interface{}) {
	p.logger.Debug().Msgf(format, args...)
}
