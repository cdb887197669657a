package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// calendarPrefix marks calendar URLs that name an HA todo entity.
const calendarPrefix = "ha:"

// echoWindow is how long after a push state_changed events are taken to be
// HA reporting our own writes back.
const echoWindow = 3 * time.Second

// CalendarURL returns the calendar URL for a todo entity.
func CalendarURL(entityID string) string { return calendarPrefix + entityID }

func entityOf(calURL string) (string, error) {
	id, ok := strings.CutPrefix(calURL, calendarPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("calendar %q is not a Home Assistant todo list", calURL)
	}
	return id, nil
}

// Shadow persists the last known contents of every HA list together with the
// HA UID to item ID aliases. Implemented by [cache.Store]; it must not be the
// same database as the local replica.
type Shadow interface {
	Calendar(ctx context.Context, url string) (*model.Calendar, error)
	Commit(ctx context.Context, cal *model.Calendar) error
	Aliases(ctx context.Context, calendarURL string) (map[string]model.ItemID, error)
	SetAliases(ctx context.Context, calendarURL string, aliases map[string]model.ItemID) error
}

// Source presents HA todo lists as calendars. HA keeps neither modification
// times nor deletion records, so Source derives both: [Source.Refresh] diffs
// the live lists against the shadow and stamps what changed.
type Source struct {
	adapter *Adapter
	shadow  Shadow
	filter  map[string]struct{}
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	entities []Entity
	failed   map[string]error // by calendar URL, from the last Refresh
	pushed   time.Time
}

// NewSource creates a Source. When entityIDs is empty every todo entity HA
// reports is synced.
func NewSource(adapter *Adapter, shadow Shadow, entityIDs []string, logger *slog.Logger) *Source {
	filter := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		filter[id] = struct{}{}
	}
	return &Source{adapter: adapter, shadow: shadow, filter: filter, log: logger, now: time.Now}
}

// discover lists the todo entities to sync and remembers them.
func (s *Source) discover(ctx context.Context) ([]Entity, error) {
	all, err := s.adapter.ListEntities(ctx)
	if err != nil {
		return nil, err
	}

	var entities []Entity
	found := make(map[string]bool, len(all))
	for _, e := range all {
		found[e.EntityID] = true
		if _, ok := s.filter[e.EntityID]; ok || len(s.filter) == 0 {
			entities = append(entities, e)
		}
	}
	for id := range s.filter {
		if !found[id] {
			s.log.Warn("configured todo entity not found in Home Assistant", "entity_id", id)
		}
	}

	s.mu.Lock()
	s.entities = entities
	s.mu.Unlock()
	return entities, nil
}

func (s *Source) known(ctx context.Context) ([]Entity, error) {
	s.mu.Lock()
	entities := s.entities
	s.mu.Unlock()
	if entities != nil {
		return entities, nil
	}
	return s.discover(ctx)
}

func (s *Source) loadShadow(ctx context.Context, e Entity) (*model.Calendar, error) {
	cal, err := s.shadow.Calendar(ctx, CalendarURL(e.EntityID))
	if err != nil {
		return nil, fmt.Errorf("loading shadow of %s: %w", e.EntityID, err)
	}
	if cal == nil {
		name := e.FriendlyName
		if name == "" {
			name = e.EntityID
		}
		cal = model.NewCalendar(name, CalendarURL(e.EntityID), model.ComponentTodo)
	}
	return cal, nil
}

// Refresh reads every tracked list from HA and folds the differences into
// the shadow. Items that appeared or changed are stamped asOf; items that
// vanished get a tombstone at asOf.
//
// A list that cannot be read is skipped and reported by [Source.Unavailable]
// until a later Refresh reads it. Refresh fails only when no list could be
// read at all.
func (s *Source) Refresh(ctx context.Context, asOf time.Time) error {
	entities, err := s.discover(ctx)
	if err != nil {
		return err
	}

	failed := make(map[string]error)
	var errs []error
	for _, e := range entities {
		err := s.refreshEntity(ctx, e, asOf)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.log.Error("reading HA list failed, skipping it this pass", "entity_id", e.EntityID, "error", err)
		failed[CalendarURL(e.EntityID)] = err
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.failed = failed
	s.mu.Unlock()

	if len(entities) > 0 && len(errs) == len(entities) {
		return errors.Join(errs...)
	}
	return nil
}

// Unavailable returns the lists the last Refresh could not read, keyed by
// calendar URL.
func (s *Source) Unavailable() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.failed))
	for url, err := range s.failed {
		out[url] = err
	}
	return out
}

func (s *Source) isFailed(calURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[calURL]
	return ok
}

func (s *Source) refreshEntity(ctx context.Context, e Entity, asOf time.Time) error {
	url := CalendarURL(e.EntityID)
	live, err := s.adapter.GetItems(ctx, e.EntityID)
	if err != nil {
		return err
	}
	prev, err := s.loadShadow(ctx, e)
	if err != nil {
		return err
	}
	aliases, err := s.shadow.Aliases(ctx, url)
	if err != nil {
		return fmt.Errorf("loading aliases of %s: %w", e.EntityID, err)
	}

	next := model.NewCalendar(prev.Name(), url, prev.SupportedComponents())
	for id, at := range prev.Tombstones() {
		next.RestoreTombstone(id, at)
	}

	nextAliases := make(map[string]model.ItemID, len(live))
	var added, changed int
	for _, ti := range live {
		id, ok := aliases[ti.UID]
		old := prev.Item(id)

		var item *model.Item
		switch {
		case !ok || old == nil:
			if !ok {
				id = model.NewItemID()
			}
			item = new(model.Item)
			*item = ti.Item
			item.ID = id
			item.Created = asOf.UTC()
			item.LastModified = asOf.UTC()
			added++
		case sameInHA(old, &ti.Item):
			item = old.Clone()
		default:
			item = old.Clone()
			item.Name = ti.Item.Name
			item.Description = ti.Item.Description
			item.Priority = ti.Item.Priority
			item.Completed = ti.Item.Completed
			item.Due = ti.Item.Due
			item.LastModified = asOf.UTC()
			changed++
		}

		if err := next.AddItem(item); err != nil {
			s.log.Warn("skipping HA item", "entity_id", e.EntityID, "uid", ti.UID, "error", err)
			continue
		}
		nextAliases[ti.UID] = id
	}

	var removed int
	for _, old := range prev.Items() {
		if next.Item(old.ID) == nil {
			next.RestoreTombstone(old.ID, asOf)
			removed++
		}
	}

	if added+changed+removed > 0 {
		s.log.Debug("HA list changed",
			"entity_id", e.EntityID, "added", added, "changed", changed, "removed", removed)
	}

	if err := s.shadow.Commit(ctx, next); err != nil {
		return fmt.Errorf("saving shadow of %s: %w", e.EntityID, err)
	}
	if err := s.shadow.SetAliases(ctx, url, nextAliases); err != nil {
		return fmt.Errorf("saving aliases of %s: %w", e.EntityID, err)
	}
	return nil
}

// Calendars returns the shadow of every tracked list the last Refresh could
// read.
func (s *Source) Calendars(ctx context.Context) ([]*model.Calendar, error) {
	entities, err := s.known(ctx)
	if err != nil {
		return nil, err
	}
	cals := make([]*model.Calendar, 0, len(entities))
	for _, e := range entities {
		if s.isFailed(CalendarURL(e.EntityID)) {
			continue
		}
		cal, err := s.loadShadow(ctx, e)
		if err != nil {
			return nil, err
		}
		cals = append(cals, cal)
	}
	return cals, nil
}

// Calendar returns the shadow of one tracked list, or (nil, nil).
func (s *Source) Calendar(ctx context.Context, calURL string) (*model.Calendar, error) {
	entities, err := s.known(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if CalendarURL(e.EntityID) == calURL && !s.isFailed(calURL) {
			return s.loadShadow(ctx, e)
		}
	}
	return nil, nil
}

// Commit pushes the difference between cal and the shadow to HA, then makes
// cal the new shadow. When a call fails midway the shadow records the calls
// that succeeded, so the next Refresh does not mistake them for HA edits.
func (s *Source) Commit(ctx context.Context, cal *model.Calendar) error {
	entityID, err := entityOf(cal.URL())
	if err != nil {
		return err
	}
	prev, err := s.shadow.Calendar(ctx, cal.URL())
	if err != nil {
		return fmt.Errorf("loading shadow of %s: %w", entityID, err)
	}
	if prev == nil {
		prev = model.NewCalendar(cal.Name(), cal.URL(), cal.SupportedComponents())
	}
	aliases, err := s.shadow.Aliases(ctx, cal.URL())
	if err != nil {
		return fmt.Errorf("loading aliases of %s: %w", entityID, err)
	}
	uids := make(map[model.ItemID]string, len(aliases))
	for uid, id := range aliases {
		uids[id] = uid
	}

	working := prev.Clone()
	s.markPushed()
	pushErr := s.push(ctx, entityID, cal, prev, working, aliases, uids)
	s.markPushed()

	final := cal
	if pushErr != nil {
		final = working
	}
	if err := s.shadow.Commit(ctx, final); err != nil {
		return errors.Join(pushErr, fmt.Errorf("saving shadow of %s: %w", entityID, err))
	}
	if err := s.shadow.SetAliases(ctx, cal.URL(), aliases); err != nil {
		return errors.Join(pushErr, fmt.Errorf("saving aliases of %s: %w", entityID, err))
	}
	return pushErr
}

// push applies removals, updates and additions in that order, mirroring each
// successful call into working and aliases.
func (s *Source) push(ctx context.Context, entityID string, want, prev, working *model.Calendar,
	aliases map[string]model.ItemID, uids map[model.ItemID]string,
) error {
	for _, old := range prev.Items() {
		if want.Item(old.ID) != nil {
			continue
		}
		if uid, ok := uids[old.ID]; ok {
			if err := s.adapter.RemoveItem(ctx, entityID, uid); err != nil {
				return err
			}
			delete(aliases, uid)
		}
		working.RemoveItem(old.ID)
		if at, ok := want.Tombstones()[old.ID]; ok {
			working.RestoreTombstone(old.ID, at)
		}
	}

	var pending []*model.Item
	for _, item := range want.Items() {
		old := prev.Item(item.ID)
		uid, known := uids[item.ID]
		switch {
		case old == nil:
			if err := s.adapter.AddItem(ctx, entityID, item); err != nil {
				return err
			}
			pending = append(pending, item)
		case !known:
			s.log.Warn("no HA UID for item, skipping update", "entity_id", entityID, "item", item.Name)
		case !sameInHA(old, item):
			if err := s.adapter.UpdateItem(ctx, entityID, uid, item); err != nil {
				return err
			}
		}
		working.RemoveItem(item.ID)
		_ = working.AddItem(item.Clone()) //nolint:errcheck // ID was just removed and cal accepted the kind
	}

	if len(pending) == 0 {
		return nil
	}
	return s.learnUIDs(ctx, entityID, pending, aliases)
}

// learnUIDs matches freshly added items to the UIDs HA assigned them. HA's
// add_item does not return the UID, so the list is re-read and unaliased
// entries are matched by title.
func (s *Source) learnUIDs(ctx context.Context, entityID string, pending []*model.Item, aliases map[string]model.ItemID) error {
	live, err := s.adapter.GetItems(ctx, entityID)
	if err != nil {
		return err
	}
	for _, ti := range live {
		if _, ok := aliases[ti.UID]; ok {
			continue
		}
		for i, item := range pending {
			if item.Name == ti.Item.Name {
				aliases[ti.UID] = item.ID
				pending = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}
	for _, item := range pending {
		s.log.Warn("could not find HA UID for added item", "entity_id", entityID, "item", item.Name)
	}
	return nil
}

// Watch subscribes to state changes of the tracked lists and calls notify for
// each. It blocks until ctx is cancelled or the connection fails for good.
func (s *Source) Watch(ctx context.Context, notify func()) error {
	entities, err := s.known(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.EntityID)
	}

	if err := s.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to HA WebSocket: %w", err)
	}
	defer func() { _ = s.adapter.Close() }()

	return s.adapter.SubscribeChanges(ctx, ids, func(entityID string) {
		if s.isEcho(s.now()) {
			s.log.Debug("ignoring state change caused by our own push", "entity_id", entityID)
			return
		}
		notify()
	})
}

func (s *Source) markPushed() {
	s.mu.Lock()
	s.pushed = s.now()
	s.mu.Unlock()
}

// isEcho reports whether a change seen at t falls within echoWindow of the
// last push.
func (s *Source) isEcho(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pushed.IsZero() && t.Sub(s.pushed) < echoWindow
}
