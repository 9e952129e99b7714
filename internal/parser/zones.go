package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// decodeRecord parses one device record segment into five zone updates.
// Returns false when the segment is not a device record at all; a record
// with an out-of-range address is consumed but only reported.
func (p *Parser) decodeRecord(segment string, deviceCount int, now time.Time, result *Result) bool {
	match := p.recordPattern.FindStringSubmatch(segment)
	if match == nil {
		return false
	}

	address, _ := strconv.Atoi(match[1])
	if address < 1 || address > deviceCount || address > domain.MaxDevices {
		result.Ignored = append(result.Ignored, address)
		p.logf("Device address %02d outside 1..%d, record ignored", address, deviceCount)
		return true
	}

	word64, err := strconv.ParseUint(match[2], 16, 32)
	if err != nil {
		return false
	}
	word := uint32(word64)
	offline := p.layout.IsOffline(word)

	result.Devices = append(result.Devices, DeviceReport{
		Address: address,
		Word:    strings.ToUpper(match[2]),
		Offline: offline,
		word:    word,
	})

	for zone := 1; zone <= domain.ZonesPerDevice; zone++ {
		status := domain.ZoneStatus{
			Zone:         domain.AbsoluteZone(address, zone),
			Device:       address,
			ZoneInDevice: zone,
			Description:  fmt.Sprintf("Device %02d zone %d", address, zone),
			UpdatedAt:    now,
		}

		if offline {
			status.Condition = domain.ZoneOffline
		} else {
			alarm, trouble, active := p.layout.ZoneFlags(word, zone)
			status.HasAlarm = alarm
			status.HasTrouble = trouble
			status.IsActive = active
			status.Condition = domain.ClassifyZone(alarm, trouble, active)
		}

		result.Zones = append(result.Zones, status)
	}

	return true
}
