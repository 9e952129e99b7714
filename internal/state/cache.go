// Package state holds the mutable runtime state built from decoded
// telegrams: the zone cache, episode accumulators, the trouble off-delay,
// and the bell confirmation log. Types in this package are not safe for
// concurrent use; the engine serializes all access.
package state

import (
	"container/list"
	"sort"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/domain"
)

// DefaultCacheSize bounds the zone cache when no protocol limit applies.
const DefaultCacheSize = 1000

// ZoneCache is a bounded least-recently-updated cache of zone statuses
// keyed by absolute zone number. Updating a zone moves it to the front;
// when full, the stalest zone is evicted from the back.
type ZoneCache struct {
	maxEntries int
	order      *list.List
	items      map[int]*list.Element

	evictions int64
	expiries  int64
}

// NewZoneCache creates a zone cache holding at most maxEntries zones.
func NewZoneCache(maxEntries int) *ZoneCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	return &ZoneCache{
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[int]*list.Element),
	}
}

// Upsert stores or refreshes one zone status.
func (c *ZoneCache) Upsert(status domain.ZoneStatus) {
	if element, exists := c.items[status.Zone]; exists {
		element.Value = status
		c.order.MoveToFront(element)
		return
	}

	c.items[status.Zone] = c.order.PushFront(status)

	if c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.removeElement(oldest)
		c.evictions++
	}
}

// Get returns the cached status for an absolute zone number.
func (c *ZoneCache) Get(zone int) (domain.ZoneStatus, bool) {
	element, exists := c.items[zone]
	if !exists {
		return domain.ZoneStatus{}, false
	}
	return element.Value.(domain.ZoneStatus), true
}

// Len returns the number of cached zones.
func (c *ZoneCache) Len() int {
	return c.order.Len()
}

// All returns every cached zone status ordered by zone number.
func (c *ZoneCache) All() []domain.ZoneStatus {
	statuses := make([]domain.ZoneStatus, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		statuses = append(statuses, element.Value.(domain.ZoneStatus))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Zone < statuses[j].Zone })
	return statuses
}

// ByCondition returns the cached zones in the given condition, ordered by
// zone number.
func (c *ZoneCache) ByCondition(condition domain.ZoneCondition) []domain.ZoneStatus {
	var statuses []domain.ZoneStatus
	for element := c.order.Front(); element != nil; element = element.Next() {
		status := element.Value.(domain.ZoneStatus)
		if status.Condition == condition {
			statuses = append(statuses, status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Zone < statuses[j].Zone })
	return statuses
}

// CountByCondition tallies cached zones per condition.
func (c *ZoneCache) CountByCondition() map[domain.ZoneCondition]int {
	counts := make(map[domain.ZoneCondition]int)
	for element := c.order.Front(); element != nil; element = element.Next() {
		counts[element.Value.(domain.ZoneStatus).Condition]++
	}
	return counts
}

// ExpireOlderThan removes zones whose status has not been refreshed within
// maxAge. Returns the number of zones removed.
func (c *ZoneCache) ExpireOlderThan(maxAge time.Duration, now time.Time) int {
	removed := 0
	for element := c.order.Back(); element != nil; {
		prev := element.Prev()
		if now.Sub(element.Value.(domain.ZoneStatus).UpdatedAt) > maxAge {
			c.removeElement(element)
			c.expiries++
			removed++
		}
		element = prev
	}
	return removed
}

// DropBeyond removes zones numbered above maxZone, typically after the
// panel's device count shrank. Returns the number of zones removed.
func (c *ZoneCache) DropBeyond(maxZone int) int {
	removed := 0
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if element.Value.(domain.ZoneStatus).Zone > maxZone {
			c.removeElement(element)
			removed++
		}
		element = next
	}
	return removed
}

// Clear empties the cache.
func (c *ZoneCache) Clear() {
	c.order.Init()
	c.items = make(map[int]*list.Element)
}

// Evictions returns how many zones were pushed out by the size bound.
func (c *ZoneCache) Evictions() int64 { return c.evictions }

// Expiries returns how many zones aged out.
func (c *ZoneCache) Expiries() int64 { return c.expiries }

func (c *ZoneCache) removeElement(element *list.Element) {
	delete(c.items, element.Value.(domain.ZoneStatus).Zone)
	c.order.Remove(element)
}
