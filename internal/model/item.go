// Package model defines the records and collections exchanged between the
// sync engine and the replica adapters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority represents the priority level of a task.
// Values match the iCalendar PRIORITY property (RFC 5545 §3.8.1.9).
type Priority int

const (
	// PriorityNone indicates no priority is set.
	PriorityNone Priority = 0
	// PriorityHigh indicates high priority (iCalendar 1–4).
	PriorityHigh Priority = 1
	// PriorityMedium indicates medium priority (iCalendar 5).
	PriorityMedium Priority = 5
	// PriorityLow indicates low priority (iCalendar 6–9).
	PriorityLow Priority = 9
)

// String returns the human-readable label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	default:
		return "None"
	}
}

// NormalizePriority maps any iCalendar priority integer (0–9) to one of the
// four canonical levels. Values outside 0–9 are treated as None.
func NormalizePriority(raw int) Priority {
	switch {
	case raw >= 1 && raw <= 4:
		return PriorityHigh
	case raw == 5:
		return PriorityMedium
	case raw >= 6 && raw <= 9:
		return PriorityLow
	default:
		return PriorityNone
	}
}

// Kind is the calendar component an item is stored as.
type Kind int

const (
	// KindTask is a VTODO.
	KindTask Kind = iota
	// KindEvent is a VEVENT.
	KindEvent
)

// String returns the iCalendar component name.
func (k Kind) String() string {
	if k == KindEvent {
		return "VEVENT"
	}
	return "VTODO"
}

// ItemID identifies an item across every replica. It is assigned once, when
// the item is created, and never changes.
type ItemID string

// NewItemID returns a fresh random identifier.
func NewItemID() ItemID {
	return ItemID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id ItemID) String() string { return string(id) }

// Item is a single synchronised record. Fields may be set directly when an
// adapter rebuilds an item from storage; user-facing mutations must go
// through the Set* methods so that LastModified advances.
type Item struct {
	// ID is the replica-independent identity.
	ID ItemID

	// Kind selects between task and event semantics.
	Kind Kind

	// Name is the display title (iCalendar SUMMARY).
	Name string

	// Description is the free-form body text.
	Description string

	// Priority is the normalised priority level.
	Priority Priority

	// Created is when the item was first created on any replica.
	Created time.Time

	// Due is when the task is due. Nil means no due date.
	Due *time.Time

	// Completed is true when the task has been marked as done.
	Completed bool

	// LastModified is bumped by every mutation and drives change detection.
	LastModified time.Time
}

// NewTask creates a task with a fresh identity. Created and LastModified are
// both set to at, which lets callers build fixtures "as of" a past instant.
func NewTask(name string, at time.Time) *Item {
	at = at.UTC()
	return &Item{
		ID:           NewItemID(),
		Kind:         KindTask,
		Name:         name,
		Created:      at,
		LastModified: at,
	}
}

// SetName renames the item.
func (i *Item) SetName(name string) {
	i.Name = name
	i.touch()
}

// SetDescription replaces the body text.
func (i *Item) SetDescription(description string) {
	i.Description = description
	i.touch()
}

// SetCompleted marks the task done or not done.
func (i *Item) SetCompleted(completed bool) {
	i.Completed = completed
	i.touch()
}

// SetPriority changes the priority level.
func (i *Item) SetPriority(p Priority) {
	i.Priority = p
	i.touch()
}

// SetDue sets or clears (nil) the due date.
func (i *Item) SetDue(due *time.Time) {
	if due != nil {
		d := due.UTC()
		due = &d
	}
	i.Due = due
	i.touch()
}

// touch advances LastModified to now, or by one nanosecond when the wall
// clock has not moved past the previous value.
func (i *Item) touch() {
	now := time.Now().UTC()
	if !now.After(i.LastModified) {
		now = i.LastModified.Add(time.Nanosecond)
	}
	i.LastModified = now
}

// Clone returns a deep copy that shares no memory with i.
func (i *Item) Clone() *Item {
	cp := *i
	if i.Due != nil {
		d := *i.Due
		cp.Due = &d
	}
	return &cp
}

// ContentHash returns a deterministic SHA-256 hex digest of the fields a user
// can see: kind, name, description, due date, priority and completion.
// Timestamps are excluded so that two replicas holding the same content
// compare equal even if they observed it at different times.
func (i *Item) ContentHash() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d", i.Kind)
	h.Write([]byte("|"))
	h.Write([]byte(i.Name))
	h.Write([]byte("|"))
	h.Write([]byte(i.Description))
	h.Write([]byte("|"))
	if i.Due != nil {
		h.Write([]byte(i.Due.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%d", i.Priority)
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%t", i.Completed)
	return hex.EncodeToString(h.Sum(nil))
}

// --- Priority prefix encoding for stores without a priority field ----------

const (
	prefixHigh   = "[High] "
	prefixMedium = "[Medium] "
	prefixLow    = "[Low] "
)

// EncodePriorityPrefix prepends the priority tag to a description string for
// replicas (e.g. Home Assistant) that have no native priority field.
func EncodePriorityPrefix(p Priority, description string) string {
	switch p {
	case PriorityHigh:
		return prefixHigh + description
	case PriorityMedium:
		return prefixMedium + description
	case PriorityLow:
		return prefixLow + description
	default:
		return description
	}
}

// DecodePriorityPrefix strips the priority tag from a description and
// returns the priority and the clean description text.
func DecodePriorityPrefix(description string) (Priority, string) {
	switch {
	case strings.HasPrefix(description, prefixHigh):
		return PriorityHigh, strings.TrimPrefix(description, prefixHigh)
	case strings.HasPrefix(description, prefixMedium):
		return PriorityMedium, strings.TrimPrefix(description, prefixMedium)
	case strings.HasPrefix(description, prefixLow):
		return PriorityLow, strings.TrimPrefix(description, prefixLow)
	default:
		return PriorityNone, description
	}
}
