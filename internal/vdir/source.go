// Package vdir is a remote replica stored as a directory tree: one
// sub-directory per calendar holding a calendar.yaml metadata file and one
// .ics file per item. The layout is compatible with vdirsyncer-managed
// storage, so the tree can itself be synced to a CalDAV server.
package vdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/taskmirror/internal/ical"
	"github.com/njoerd114/taskmirror/internal/model"
)

const (
	metaFile = "calendar.yaml"
	itemExt  = ".ics"
)

// meta is the on-disk form of calendar.yaml. Items is the snapshot of the
// last committed or refreshed state, used to detect edits and deletions made
// to the .ics files by other programs.
type meta struct {
	Name       string               `yaml:"name"`
	URL        string               `yaml:"url"`
	Components string               `yaml:"components"`
	Tombstones map[string]time.Time `yaml:"tombstones,omitempty"`
	Items      map[string]seen      `yaml:"items,omitempty"`
}

// seen is what the snapshot remembers of one item.
type seen struct {
	Hash     string    `yaml:"hash"`
	Modified time.Time `yaml:"modified"`
}

// Source is a directory-backed replica. It implements the sync package's
// Source, Committer, CalendarCreator and Refresher interfaces.
type Source struct {
	root string
	log  *slog.Logger

	mu sync.Mutex
}

// New returns a Source rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Source, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vdir root %q: %w", dir, err)
	}
	return &Source{root: dir, log: logger}, nil
}

// Calendars loads every calendar directory under the root. Directories
// without a calendar.yaml are ignored.
func (s *Source) Calendars(ctx context.Context) ([]*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := s.calendarDirs()
	if err != nil {
		return nil, err
	}
	cals := make([]*model.Calendar, 0, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cal, err := s.load(dir)
		if err != nil {
			return nil, err
		}
		cals = append(cals, cal)
	}
	return cals, nil
}

// Calendar loads the calendar with the given URL, or returns (nil, nil).
func (s *Source) Calendar(_ context.Context, calURL string) (*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.findDir(calURL)
	if err != nil || dir == "" {
		return nil, err
	}
	return s.load(dir)
}

// CreateCalendar creates an empty calendar directory.
func (s *Source) CreateCalendar(_ context.Context, name, calURL string, components model.SupportedComponents) (*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findDir(calURL)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, fmt.Errorf("calendar %s already exists in %s", calURL, existing)
	}

	dir := filepath.Join(s.root, dirName(calURL))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating calendar directory: %w", err)
	}
	cal := model.NewCalendar(name, calURL, components)
	if err := writeMeta(dir, metaOf(cal)); err != nil {
		return nil, err
	}
	s.log.Info("created calendar", "calendar", calURL, "dir", dir)
	return cal, nil
}

// Commit writes cal to disk: metadata, one file per live item, and removal
// of files for items that are no longer live. Unchanged files are not
// rewritten.
func (s *Source) Commit(_ context.Context, cal *model.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.findDir(cal.URL())
	if err != nil {
		return err
	}
	if dir == "" {
		dir = filepath.Join(s.root, dirName(cal.URL()))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating calendar directory: %w", err)
		}
	}

	live := make(map[string]bool, cal.Len())
	for _, item := range cal.Items() {
		name := fileName(item.ID)
		live[name] = true

		data := []byte(ical.Encode(item))
		path := filepath.Join(dir, name)
		if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
			continue
		}
		if err := writeAtomic(path, data); err != nil {
			return fmt.Errorf("writing item %q: %w", item.Name, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), itemExt) || live[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale item %s: %w", e.Name(), err)
		}
		s.log.Debug("removed item file", "calendar", cal.URL(), "file", e.Name())
	}

	return writeMeta(dir, metaOf(cal))
}

// Refresh compares every calendar directory with the snapshot recorded by
// the last Commit or Refresh. Files that disappeared are tombstoned at asOf.
// Files whose content changed, and files the snapshot does not know, are
// stamped as modified at asOf unless they carry a later LAST-MODIFIED.
// Unreadable files are left alone.
func (s *Source) Refresh(ctx context.Context, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, err := s.calendarDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.refreshDir(dir, asOf.UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) refreshDir(dir string, asOf time.Time) error {
	m, err := readMeta(dir)
	if err != nil {
		return err
	}
	items, unreadable, err := s.scan(dir, m.URL)
	if err != nil {
		return err
	}

	dirty := false
	present := make(map[string]bool, len(items))
	for _, item := range items {
		id := string(item.ID)
		present[id] = true
		hash := item.ContentHash()
		if prev, ok := m.Items[id]; ok && prev.Hash == hash {
			continue
		}
		modified := item.LastModified
		if !modified.After(asOf) {
			modified = asOf
		}
		if m.Items == nil {
			m.Items = make(map[string]seen)
		}
		m.Items[id] = seen{Hash: hash, Modified: modified}
		dirty = true
		s.log.Debug("item changed outside taskmirror", "calendar", m.URL, "item_id", id)
	}

	for id := range m.Items {
		if present[id] || unreadable[model.ItemID(id)] {
			continue
		}
		delete(m.Items, id)
		if m.Tombstones == nil {
			m.Tombstones = make(map[string]time.Time)
		}
		if _, ok := m.Tombstones[id]; !ok {
			m.Tombstones[id] = asOf
		}
		dirty = true
		s.log.Info("item file removed outside taskmirror", "calendar", m.URL, "item_id", id)
	}

	if !dirty {
		return nil
	}
	return writeMeta(dir, m)
}

// --- helpers -----------------------------------------------------------------

func (s *Source) calendarDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing vdir root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// findDir returns the directory holding the calendar with the given URL, or
// "" if none does.
func (s *Source) findDir(calURL string) (string, error) {
	dirs, err := s.calendarDirs()
	if err != nil {
		return "", err
	}
	for _, dir := range dirs {
		m, err := readMeta(dir)
		if err != nil {
			return "", err
		}
		if m.URL == calURL {
			return dir, nil
		}
	}
	return "", nil
}

func (s *Source) load(dir string) (*model.Calendar, error) {
	m, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	components, err := model.ParseSupportedComponents(m.Components)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	cal := model.NewCalendar(m.Name, m.URL, components)

	items, _, err := s.scan(dir, m.URL)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		// A stamp recorded by Refresh wins while the content is unchanged.
		if prev, ok := m.Items[string(item.ID)]; ok && prev.Hash == item.ContentHash() && prev.Modified.After(item.LastModified) {
			item.LastModified = prev.Modified
		}
		if err := cal.AddItem(item); err != nil {
			return nil, fmt.Errorf("loading %s: %w", fileName(item.ID), err)
		}
	}

	for id, at := range m.Tombstones {
		cal.RestoreTombstone(model.ItemID(id), at)
	}
	return cal, nil
}

// scan decodes every .ics file in dir. Files that cannot be decoded are
// logged and reported by the identity their name encodes.
func (s *Source) scan(dir, calURL string) ([]*model.Item, map[model.ItemID]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var items []*model.Item
	unreadable := make(map[model.ItemID]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), itemExt) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", e.Name(), err)
		}
		decoded, err := ical.Decode(f, s.log)
		_ = f.Close()
		if err != nil {
			s.log.Error("skipping unreadable item file", "calendar", calURL, "file", e.Name(), "error", err)
			if id, uerr := url.PathUnescape(strings.TrimSuffix(e.Name(), itemExt)); uerr == nil {
				unreadable[model.ItemID(id)] = true
			}
			continue
		}
		items = append(items, decoded...)
	}
	return items, unreadable, nil
}

func readMeta(dir string) (meta, error) {
	var m meta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, fmt.Errorf("reading calendar metadata: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing %s: %w", filepath.Join(dir, metaFile), err)
	}
	if m.URL == "" {
		return m, fmt.Errorf("%s: url is required", filepath.Join(dir, metaFile))
	}
	if m.Components == "" {
		m.Components = model.ComponentTodo.String()
	}
	return m, nil
}

// metaOf builds the metadata of cal, with a snapshot of its live items.
func metaOf(cal *model.Calendar) meta {
	m := meta{
		Name:       cal.Name(),
		URL:        cal.URL(),
		Components: cal.SupportedComponents().String(),
	}
	if tombs := cal.Tombstones(); len(tombs) > 0 {
		m.Tombstones = make(map[string]time.Time, len(tombs))
		for id, at := range tombs {
			m.Tombstones[string(id)] = at
		}
	}
	if cal.Len() > 0 {
		m.Items = make(map[string]seen, cal.Len())
		for _, item := range cal.Items() {
			m.Items[string(item.ID)] = seen{Hash: item.ContentHash(), Modified: item.LastModified}
		}
	}
	return m
}

func writeMeta(dir string, m meta) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding calendar metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, metaFile), data); err != nil {
		return fmt.Errorf("writing calendar metadata: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temporary file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileName(id model.ItemID) string {
	return url.PathEscape(string(id)) + itemExt
}

// dirName derives a directory name from a calendar URL.
func dirName(calURL string) string {
	var b strings.Builder
	for _, r := range calURL {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_.")
}
