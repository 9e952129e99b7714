package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

var bellTokenPattern = regexp.MustCompile(`(?i)(BLON|BLOF)\s?([0-9]{2})`)

// decodeBells collects explicit bell confirmation tokens from the raw
// telegram text. For devices without an explicit token, the bell flag in
// their status word serves as a secondary activation signal.
func (p *Parser) decodeBells(raw string, now time.Time, result *Result) {
	explicit := make(map[int]bool)

	for _, match := range bellTokenPattern.FindAllStringSubmatch(raw, -1) {
		address, _ := strconv.Atoi(match[2])
		if address < 1 || address > domain.MaxDevices {
			result.Ignored = append(result.Ignored, address)
			p.logf("Bell token %q addresses unknown device, ignored", match[0])
			continue
		}

		explicit[address] = true
		result.Bells = append(result.Bells, domain.BellConfirmation{
			Device:    address,
			Active:    strings.EqualFold(match[1], "BLON"),
			RawToken:  strings.ToUpper(match[0]),
			Timestamp: now,
		})
	}

	for _, device := range result.Devices {
		if explicit[device.Address] || device.Offline {
			continue
		}
		if p.layout.BellActive(device.word) {
			result.Bells = append(result.Bells, domain.BellConfirmation{
				Device:    device.Address,
				Active:    true,
				Timestamp: now,
			})
		}
	}
}
