// Package protocol provides framing and link-level helpers for the panel
// telegram feed.
package protocol

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/sigurn/crc16"
)

// Link control bytes used by the panel bridge.
const (
	// FrameStart separates device records within a telegram.
	FrameStart = 0x02
	// FrameEnd closes a telegram.
	FrameEnd = 0x03
	// AckByte acknowledges an accepted telegram on the socket link.
	AckByte = 0x06
	// NakByte rejects a malformed telegram on the socket link.
	NakByte = 0x15
)

var fingerprintTable = crc16.MakeTable(crc16.Params{
	Poly:   0xA001,
	Init:   0xFFFF,
	RefIn:  true,
	RefOut: true,
	Name:   "CRC-16/MODBUS",
})

// Segments splits one telegram on frame markers and returns the non-empty
// parts in order. The first segment may be a bare master word; the rest are
// device records. Whitespace around segments is dropped.
func Segments(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == FrameStart || r == FrameEnd
	})

	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}

	return segments
}

// Fingerprint computes a CRC-16 checksum of the raw telegram text. Used to
// spot back-to-back duplicate deliveries for diagnostics; never to reject.
func Fingerprint(raw string) uint16 {
	return crc16.Checksum([]byte(raw), fingerprintTable)
}

// Reply returns the single-byte link response for a telegram.
func Reply(accepted bool) []byte {
	if accepted {
		return []byte{AckByte}
	}
	return []byte{NakByte}
}

// ScanTelegrams is a bufio.SplitFunc that cuts a byte stream into telegrams.
// A telegram ends at a frame-end byte or a newline; carriage returns and the
// terminator itself are stripped, frame-start markers inside the telegram are
// kept for Segments.
func ScanTelegrams(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, string([]byte{FrameEnd, '\n'})); i >= 0 {
		return i + 1, trimTelegram(data[:i]), nil
	}

	if atEOF {
		return len(data), trimTelegram(data), nil
	}

	return 0, nil, nil
}

func trimTelegram(data []byte) []byte {
	return bytes.Trim(data, "\r\n ")
}

var _ bufio.SplitFunc = ScanTelegrams
