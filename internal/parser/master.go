package parser

import (
	"regexp"
	"strconv"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

var masterWordPattern = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)

// Indicator bit masks within the master status byte. The panel drives its
// front-plate LEDs active-low, so a clear bit means the indicator is lit.
const (
	maskACPower  = 0x40
	maskDCPower  = 0x20
	maskAlarm    = 0x10
	maskTrouble  = 0x08
	maskDrill    = 0x04
	maskSilenced = 0x02
	maskDisabled = 0x01
)

// DecodeMaster decodes a 4-digit master control word. The first two digits
// carry the sender header byte, the last two the indicator status byte.
// Returns false when the word is not a master word.
func DecodeMaster(word string, now time.Time) (*domain.MasterStatus, bool) {
	if !masterWordPattern.MatchString(word) {
		return nil, false
	}

	value, err := strconv.ParseUint(word, 16, 16)
	if err != nil {
		return nil, false
	}
	status := byte(value)

	return &domain.MasterStatus{
		ACPower:   status&maskACPower == 0,
		DCPower:   status&maskDCPower == 0,
		Alarm:     status&maskAlarm == 0,
		Trouble:   status&maskTrouble == 0,
		Drill:     status&maskDrill == 0,
		Silenced:  status&maskSilenced == 0,
		Disabled:  status&maskDisabled == 0,
		Header:    byte(value >> 8),
		RawWord:   word,
		Timestamp: now,
	}, true
}
