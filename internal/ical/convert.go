// Package ical converts items to and from iCalendar documents (RFC 5545).
// A document holds one VTODO per task and one VEVENT per event.
package ical

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/njoerd114/taskmirror/internal/model"
)

const productID = "-//taskmirror//taskmirror//EN"

// Property names are spelled out to avoid depending on constant variants
// across library versions.
const (
	propPriority     ical.ComponentProperty = "PRIORITY"
	propStatus       ical.ComponentProperty = "STATUS"
	propCreated      ical.ComponentProperty = "CREATED"
	propLastModified ical.ComponentProperty = "LAST-MODIFIED"
	propDtStamp      ical.ComponentProperty = "DTSTAMP"
	propDtStart      ical.ComponentProperty = "DTSTART"
	propDue          ical.ComponentProperty = "DUE"
	propCompleted    ical.ComponentProperty = "COMPLETED"

	// propModifiedNano keeps the sub-second part of LAST-MODIFIED, which
	// RFC 5545 date-times cannot carry.
	propModifiedNano ical.ComponentProperty = "X-TASKMIRROR-MODIFIED"
)

const (
	layoutUTC   = "20060102T150405Z"
	layoutLocal = "20060102T150405"
	layoutDate  = "20060102"
)

// ErrMissingUID is reported for components that carry no UID.
var ErrMissingUID = errors.New("missing UID")

// component is the property surface shared by VTODO and VEVENT.
type component interface {
	GetProperty(ical.ComponentProperty) *ical.IANAProperty
	SetProperty(ical.ComponentProperty, string, ...ical.PropertyParameter)
}

// Encode renders items as one VCALENDAR document.
func Encode(items ...*model.Item) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)

	for _, item := range items {
		if item.Kind == model.KindEvent {
			ev := &ical.VEvent{}
			setCommon(ev, item)
			if item.Due != nil {
				ev.SetProperty(propDtStart, formatTime(*item.Due))
			}
			cal.Components = append(cal.Components, ev)
			continue
		}

		todo := &ical.VTodo{}
		setCommon(todo, item)
		if item.Due != nil {
			todo.SetProperty(propDue, formatTime(*item.Due))
		}
		if item.Completed {
			todo.SetProperty(propStatus, "COMPLETED")
			todo.SetProperty(propCompleted, formatTime(item.LastModified))
		} else {
			todo.SetProperty(propStatus, "NEEDS-ACTION")
		}
		cal.Components = append(cal.Components, todo)
	}
	return cal.Serialize()
}

func setCommon(c component, item *model.Item) {
	c.SetProperty(ical.ComponentPropertyUniqueId, string(item.ID))
	c.SetProperty(propDtStamp, formatTime(item.LastModified))
	c.SetProperty(ical.ComponentPropertySummary, item.Name)
	if item.Description != "" {
		c.SetProperty(ical.ComponentPropertyDescription, item.Description)
	}
	if item.Priority != model.PriorityNone {
		c.SetProperty(propPriority, strconv.Itoa(int(item.Priority)))
	}
	if !item.Created.IsZero() {
		c.SetProperty(propCreated, formatTime(item.Created))
	}
	if !item.LastModified.IsZero() {
		c.SetProperty(propLastModified, formatTime(item.LastModified))
		c.SetProperty(propModifiedNano, item.LastModified.UTC().Format(time.RFC3339Nano))
	}
}

// Decode parses every VTODO and VEVENT in r. Components that cannot be
// decoded are logged and skipped.
func Decode(r io.Reader, logger *slog.Logger) ([]*model.Item, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parsing calendar: %w", err)
	}

	var items []*model.Item
	for _, comp := range cal.Components {
		var (
			item *model.Item
			err  error
		)
		switch c := comp.(type) {
		case *ical.VTodo:
			item, err = decodeTodo(c)
		case *ical.VEvent:
			item, err = decodeEvent(c)
		default:
			continue
		}
		if err != nil {
			logger.Error("skipping calendar component", "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeTodo(c *ical.VTodo) (*model.Item, error) {
	item, err := decodeCommon(c)
	if err != nil {
		return nil, err
	}
	item.Kind = model.KindTask

	if p := c.GetProperty(propDue); p != nil {
		due, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("item %s: DUE: %w", item.ID, err)
		}
		item.Due = &due
	}
	if p := c.GetProperty(propStatus); p != nil && strings.EqualFold(p.Value, "COMPLETED") {
		item.Completed = true
	}
	if c.GetProperty(propCompleted) != nil {
		item.Completed = true
	}
	return item, nil
}

func decodeEvent(c *ical.VEvent) (*model.Item, error) {
	item, err := decodeCommon(c)
	if err != nil {
		return nil, err
	}
	item.Kind = model.KindEvent

	if p := c.GetProperty(propDtStart); p != nil {
		start, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("item %s: DTSTART: %w", item.ID, err)
		}
		item.Due = &start
	}
	return item, nil
}

func decodeCommon(c component) (*model.Item, error) {
	uid := c.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return nil, ErrMissingUID
	}
	item := &model.Item{ID: model.ItemID(uid.Value)}

	if p := c.GetProperty(ical.ComponentPropertySummary); p != nil {
		item.Name = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyDescription); p != nil {
		item.Description = p.Value
	}
	if p := c.GetProperty(propPriority); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			item.Priority = model.NormalizePriority(n)
		}
	}

	var err error
	if item.Created, err = optionalTime(c, propCreated); err != nil {
		return nil, fmt.Errorf("item %s: CREATED: %w", item.ID, err)
	}
	if item.LastModified, err = optionalTime(c, propLastModified); err != nil {
		return nil, fmt.Errorf("item %s: LAST-MODIFIED: %w", item.ID, err)
	}
	if p := c.GetProperty(propModifiedNano); p != nil {
		if t, err := time.Parse(time.RFC3339Nano, p.Value); err == nil {
			item.LastModified = t.UTC()
		}
	}
	if item.LastModified.IsZero() {
		if item.LastModified, err = optionalTime(c, propDtStamp); err != nil {
			return nil, fmt.Errorf("item %s: DTSTAMP: %w", item.ID, err)
		}
	}
	if item.Created.IsZero() {
		item.Created = item.LastModified
	}
	return item, nil
}

func optionalTime(c component, prop ical.ComponentProperty) (time.Time, error) {
	p := c.GetProperty(prop)
	if p == nil {
		return time.Time{}, nil
	}
	return parseTime(p)
}

// parseTime handles UTC, floating (with or without TZID) and all-day values.
// Floating times without a resolvable TZID are read as UTC.
func parseTime(p *ical.IANAProperty) (time.Time, error) {
	v := strings.TrimSpace(p.Value)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse(layoutUTC, v)
	case strings.Contains(v, "T"):
		loc := time.UTC
		if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
			if l, err := time.LoadLocation(tz[0]); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation(layoutLocal, v, loc)
		return t.UTC(), err
	default:
		return time.Parse(layoutDate, v)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(layoutUTC)
}
