// Package layout provides the zone-map tables that drive bit-level telegram
// decoding. Bit offsets differ between panel protocol revisions, so they ship
// as embedded YAML documents keyed by protocol version instead of constants
// in the decoder.
package layout

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

//go:embed layouts/*.yaml
var layoutFS embed.FS

// ZoneBits describes where one zone's flags live within the status word.
// A bit offset of -1 means the layout does not carry that flag.
type ZoneBits struct {
	Zone       int `yaml:"zone"`
	AlarmBit   int `yaml:"alarm_bit"`
	TroubleBit int `yaml:"trouble_bit"`
	ActiveBit  int `yaml:"active_bit"`
}

// Layout is one protocol revision's complete zone-map table.
type Layout struct {
	Version      string     `yaml:"version"`
	Description  string     `yaml:"description"`
	StatusDigits int        `yaml:"status_digits"`
	BellBit      int        `yaml:"bell_bit"`
	OfflineWord  int64      `yaml:"offline_word"`
	Zones        []ZoneBits `yaml:"zones"`

	byZone [domain.ZonesPerDevice]ZoneBits
}

var (
	loadOnce sync.Once
	loadErr  error
	byName   map[string]*Layout
)

func loadEmbedded() {
	byName = make(map[string]*Layout)

	entries, err := layoutFS.ReadDir("layouts")
	if err != nil {
		loadErr = fmt.Errorf("failed to read embedded layouts: %w", err)
		return
	}

	for _, entry := range entries {
		data, err := layoutFS.ReadFile("layouts/" + entry.Name())
		if err != nil {
			loadErr = fmt.Errorf("failed to read layout %s: %w", entry.Name(), err)
			return
		}

		layout, err := parse(data)
		if err != nil {
			loadErr = fmt.Errorf("layout %s: %w", entry.Name(), err)
			return
		}

		byName[layout.Version] = layout
	}
}

func parse(data []byte) (*Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal zone map: %w", err)
	}

	if err := layout.validate(); err != nil {
		return nil, err
	}

	for _, zb := range layout.Zones {
		layout.byZone[zb.Zone-1] = zb
	}

	return &layout, nil
}

// Load returns the embedded zone map for the given protocol version.
func Load(version string) (*Layout, error) {
	loadOnce.Do(loadEmbedded)
	if loadErr != nil {
		return nil, loadErr
	}

	layout, ok := byName[strings.TrimSpace(version)]
	if !ok {
		return nil, fmt.Errorf("unknown protocol version %q (available: %s)",
			version, strings.Join(Available(), ", "))
	}

	log.Debug().
		Str("version", layout.Version).
		Int("status_digits", layout.StatusDigits).
		Msg("Zone map loaded")

	return layout, nil
}

// LoadFile reads a zone map from an external YAML file, overriding the
// embedded tables. Meant for panels whose revision is not shipped.
func LoadFile(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone map file: %w", err)
	}

	layout, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("zone map file %s: %w", path, err)
	}

	log.Info().
		Str("version", layout.Version).
		Str("file", path).
		Msg("Zone map loaded from file")

	return layout, nil
}

// Available lists the embedded protocol versions.
func Available() []string {
	loadOnce.Do(loadEmbedded)

	versions := make([]string, 0, len(byName))
	for version := range byName {
		versions = append(versions, version)
	}
	sort.Strings(versions)

	return versions
}

func (l *Layout) validate() error {
	if l.Version == "" {
		return fmt.Errorf("zone map has no version")
	}
	if l.StatusDigits < 4 || l.StatusDigits > 8 {
		return fmt.Errorf("status_digits %d out of range [4,8]", l.StatusDigits)
	}
	if len(l.Zones) != domain.ZonesPerDevice {
		return fmt.Errorf("zone map must define exactly %d zones, got %d",
			domain.ZonesPerDevice, len(l.Zones))
	}

	width := l.WordWidth()
	seenZones := make(map[int]bool)
	seenBits := make(map[int]bool)

	claim := func(bit int, what string, zone int) error {
		if bit == -1 {
			return nil
		}
		if bit < 0 || bit >= width {
			return fmt.Errorf("zone %d %s bit %d outside %d-bit word", zone, what, bit, width)
		}
		if seenBits[bit] {
			return fmt.Errorf("zone %d %s bit %d claimed twice", zone, what, bit)
		}
		seenBits[bit] = true
		return nil
	}

	for _, zb := range l.Zones {
		if zb.Zone < 1 || zb.Zone > domain.ZonesPerDevice {
			return fmt.Errorf("zone number %d out of range [1,%d]", zb.Zone, domain.ZonesPerDevice)
		}
		if seenZones[zb.Zone] {
			return fmt.Errorf("zone %d defined twice", zb.Zone)
		}
		seenZones[zb.Zone] = true

		if zb.AlarmBit == -1 {
			return fmt.Errorf("zone %d has no alarm bit", zb.Zone)
		}
		if zb.TroubleBit == -1 {
			return fmt.Errorf("zone %d has no trouble bit", zb.Zone)
		}
		if err := claim(zb.AlarmBit, "alarm", zb.Zone); err != nil {
			return err
		}
		if err := claim(zb.TroubleBit, "trouble", zb.Zone); err != nil {
			return err
		}
		if err := claim(zb.ActiveBit, "active", zb.Zone); err != nil {
			return err
		}
	}

	if l.BellBit != -1 {
		if l.BellBit < 0 || l.BellBit >= width {
			return fmt.Errorf("bell bit %d outside %d-bit word", l.BellBit, width)
		}
		if seenBits[l.BellBit] {
			return fmt.Errorf("bell bit %d claimed twice", l.BellBit)
		}
	}
	if l.OfflineWord != -1 && (l.OfflineWord < 0 || l.OfflineWord >= int64(1)<<width) {
		return fmt.Errorf("offline_word %#x does not fit a %d-bit word", l.OfflineWord, width)
	}

	return nil
}

// WordWidth returns the status word size in bits.
func (l *Layout) WordWidth() int {
	return l.StatusDigits * 4
}

// ZoneFlags extracts one zone's alarm/trouble/active flags from a status word.
func (l *Layout) ZoneFlags(word uint32, zoneInDevice int) (alarm, trouble, active bool) {
	zb := l.byZone[zoneInDevice-1]
	alarm = word&(1<<zb.AlarmBit) != 0
	trouble = word&(1<<zb.TroubleBit) != 0
	if zb.ActiveBit != -1 {
		active = word&(1<<zb.ActiveBit) != 0
	}
	return alarm, trouble, active
}

// BellActive reports whether the status word carries the bell circuit flag.
func (l *Layout) BellActive(word uint32) bool {
	if l.BellBit == -1 {
		return false
	}
	return word&(1<<l.BellBit) != 0
}

// IsOffline reports whether the status word is the layout's offline sentinel.
func (l *Layout) IsOffline(word uint32) bool {
	return l.OfflineWord != -1 && int64(word) == l.OfflineWord
}
