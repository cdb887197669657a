package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrDuplicateIdentity is returned when an item is added to a calendar
	// that already holds a live item with the same ID.
	ErrDuplicateIdentity = errors.New("duplicate item identity")

	// ErrUnsupportedComponent is returned when an item's kind is filtered out
	// by the calendar's SupportedComponents.
	ErrUnsupportedComponent = errors.New("unsupported calendar component")
)

// SupportedComponents is a bit-set of the component kinds a calendar accepts.
type SupportedComponents uint8

const (
	// ComponentTodo accepts tasks.
	ComponentTodo SupportedComponents = 1 << iota
	// ComponentEvent accepts events.
	ComponentEvent
)

// Accepts reports whether items of kind k may be stored.
func (s SupportedComponents) Accepts(k Kind) bool {
	switch k {
	case KindEvent:
		return s&ComponentEvent != 0
	default:
		return s&ComponentTodo != 0
	}
}

// String renders the set as e.g. "VTODO,VEVENT".
func (s SupportedComponents) String() string {
	var parts []string
	if s&ComponentTodo != 0 {
		parts = append(parts, "VTODO")
	}
	if s&ComponentEvent != 0 {
		parts = append(parts, "VEVENT")
	}
	return strings.Join(parts, ",")
}

// ParseSupportedComponents is the inverse of [SupportedComponents.String].
func ParseSupportedComponents(s string) (SupportedComponents, error) {
	var out SupportedComponents
	for _, part := range strings.Split(s, ",") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "VTODO":
			out |= ComponentTodo
		case "VEVENT":
			out |= ComponentEvent
		case "":
		default:
			return 0, fmt.Errorf("unknown component %q", part)
		}
	}
	return out, nil
}

// Calendar is a keyed set of items belonging to one logical list on one
// replica. Deleted items leave a tombstone so that DeletedSince can answer
// until the deletion has been propagated.
//
// A Calendar is not safe for concurrent use; the sync engine serialises
// access per pass.
type Calendar struct {
	url        string
	name       string
	components SupportedComponents

	items      map[ItemID]*Item
	tombstones map[ItemID]time.Time
}

// NewCalendar creates an empty calendar.
func NewCalendar(name, url string, components SupportedComponents) *Calendar {
	return &Calendar{
		url:        url,
		name:       name,
		components: components,
		items:      make(map[ItemID]*Item),
		tombstones: make(map[ItemID]time.Time),
	}
}

// URL is the stable key calendars are paired by.
func (c *Calendar) URL() string { return c.url }

// Name is the display name.
func (c *Calendar) Name() string { return c.name }

// SupportedComponents returns the component filter.
func (c *Calendar) SupportedComponents() SupportedComponents { return c.components }

// Len returns the number of live items.
func (c *Calendar) Len() int { return len(c.items) }

// Items returns the live items ordered by creation time, then ID.
func (c *Calendar) Items() []*Item {
	out := make([]*Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sortItems(out)
	return out
}

// Item returns the live item with the given ID, or nil. The returned pointer
// is owned by the calendar; mutate it through the Item setters.
func (c *Calendar) Item(id ItemID) *Item {
	return c.items[id]
}

// AddItem inserts item. Adding an ID that is tombstoned resurrects it.
func (c *Calendar) AddItem(item *Item) error {
	if !c.components.Accepts(item.Kind) {
		return fmt.Errorf("adding %s %q to %s: %w", item.Kind, item.ID, c.url, ErrUnsupportedComponent)
	}
	if _, ok := c.items[item.ID]; ok {
		return fmt.Errorf("adding %q to %s: %w", item.ID, c.url, ErrDuplicateIdentity)
	}
	delete(c.tombstones, item.ID)
	c.items[item.ID] = item
	return nil
}

// DeleteItem removes the item and records a tombstone stamped now.
// It reports whether an item was removed; deleting an absent ID is a no-op.
func (c *Calendar) DeleteItem(id ItemID) bool {
	return c.DeleteItemAt(id, time.Now())
}

// DeleteItemAt is DeleteItem with an explicit deletion time. The sync engine
// uses it to carry the originating replica's tombstone time across.
func (c *Calendar) DeleteItemAt(id ItemID, at time.Time) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	c.tombstones[id] = at.UTC()
	return true
}

// RemoveItem detaches and returns the item without leaving a tombstone,
// or nil if absent. Used to hand ownership to another calendar or to replace
// an item with another replica's version.
func (c *Calendar) RemoveItem(id ItemID) *Item {
	item, ok := c.items[id]
	if !ok {
		return nil
	}
	delete(c.items, id)
	return item
}

// ModifiedSince returns copies of the items modified strictly after since.
// A zero since means there is no checkpoint yet, and every item is returned.
func (c *Calendar) ModifiedSince(since time.Time) []*Item {
	var out []*Item
	for _, item := range c.items {
		if since.IsZero() || item.LastModified.After(since) {
			out = append(out, item.Clone())
		}
	}
	sortItems(out)
	return out
}

// DeletedSince returns the IDs tombstoned strictly after since, mapped to
// their deletion time.
func (c *Calendar) DeletedSince(since time.Time) map[ItemID]time.Time {
	out := make(map[ItemID]time.Time)
	for id, at := range c.tombstones {
		if at.After(since) {
			out[id] = at
		}
	}
	return out
}

// Tombstones returns a copy of every retained tombstone.
func (c *Calendar) Tombstones() map[ItemID]time.Time {
	out := make(map[ItemID]time.Time, len(c.tombstones))
	for id, at := range c.tombstones {
		out[id] = at
	}
	return out
}

// RestoreTombstone records a tombstone loaded from storage. It is ignored if
// the ID is live.
func (c *Calendar) RestoreTombstone(id ItemID, at time.Time) {
	if _, ok := c.items[id]; ok {
		return
	}
	c.tombstones[id] = at.UTC()
}

// PurgeTombstones drops tombstones recorded at or before upTo and returns
// how many were dropped.
func (c *Calendar) PurgeTombstones(upTo time.Time) int {
	n := 0
	for id, at := range c.tombstones {
		if !at.After(upTo) {
			delete(c.tombstones, id)
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the calendar.
func (c *Calendar) Clone() *Calendar {
	cp := NewCalendar(c.name, c.url, c.components)
	for id, item := range c.items {
		cp.items[id] = item.Clone()
	}
	for id, at := range c.tombstones {
		cp.tombstones[id] = at
	}
	return cp
}

func sortItems(items []*Item) {
	sort.Slice(items, func(a, b int) bool {
		if !items[a].Created.Equal(items[b].Created) {
			return items[a].Created.Before(items[b].Created)
		}
		return items[a].ID < items[b].ID
	})
}
