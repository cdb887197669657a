package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// --- In-memory source --------------------------------------------------------

// memSource is an in-memory replica. Calendars hands out copies and Commit
// stores copies, so a test only sees mutations the Provider committed.
type memSource struct {
	mu        sync.Mutex
	cals      map[string]*model.Calendar
	lastSync  time.Time
	listErr   error
	commitErr map[string]error
	commits   map[string]int

	// onList runs at the start of every Calendars call, outside the lock.
	onList func()
}

func newMemSource(cals ...*model.Calendar) *memSource {
	m := &memSource{
		cals:      make(map[string]*model.Calendar),
		commitErr: make(map[string]error),
		commits:   make(map[string]int),
	}
	for _, cal := range cals {
		m.cals[cal.URL()] = cal.Clone()
	}
	return m
}

func (m *memSource) Calendars(_ context.Context) ([]*model.Calendar, error) {
	if m.onList != nil {
		m.onList()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*model.Calendar, 0, len(m.cals))
	for _, cal := range m.cals {
		out = append(out, cal.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL() < out[j].URL() })
	return out, nil
}

func (m *memSource) Calendar(_ context.Context, url string) (*model.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cal, ok := m.cals[url]
	if !ok {
		return nil, nil
	}
	return cal.Clone(), nil
}

func (m *memSource) Commit(_ context.Context, cal *model.Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.commitErr[cal.URL()]; err != nil {
		return err
	}
	m.cals[cal.URL()] = cal.Clone()
	m.commits[cal.URL()]++
	return nil
}

func (m *memSource) LastSync(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync, nil
}

func (m *memSource) SetLastSync(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = t
	return nil
}

// cal returns the stored calendar itself, for test-side edits and asserts.
func (m *memSource) cal(url string) *model.Calendar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cals[url]
}

func (m *memSource) commitCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[url]
}

// --- Capability wrappers -----------------------------------------------------

type creatingSource struct {
	*memSource
}

func (c creatingSource) CreateCalendar(_ context.Context, name, url string, components model.SupportedComponents) (*model.Calendar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cals[url]; ok {
		return nil, fmt.Errorf("calendar %s already exists", url)
	}
	cal := model.NewCalendar(name, url, components)
	c.cals[url] = cal.Clone()
	return cal, nil
}

type refreshingSource struct {
	*memSource
	refreshed []time.Time
	err       error
}

func (r *refreshingSource) Refresh(_ context.Context, asOf time.Time) error {
	r.refreshed = append(r.refreshed, asOf)
	return r.err
}

// checkpointingSource keeps a checkpoint per calendar on top of the global
// one.
type checkpointingSource struct {
	*memSource
	calSync map[string]time.Time
}

func newCheckpointingSource(cals ...*model.Calendar) *checkpointingSource {
	return &checkpointingSource{memSource: newMemSource(cals...), calSync: make(map[string]time.Time)}
}

func (c *checkpointingSource) CalendarSync(_ context.Context, url string) (time.Time, error) {
	return c.calendarSync(url), nil
}

func (c *checkpointingSource) SetCalendarSync(_ context.Context, url string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calSync[url] = t
	return nil
}

func (c *checkpointingSource) calendarSync(url string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calSync[url]
}

// partialSource reports some of its calendars as unreadable.
type partialSource struct {
	*memSource
	down map[string]error
}

func (p *partialSource) Unavailable() map[string]error { return p.down }
