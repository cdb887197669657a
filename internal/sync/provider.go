package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces time.Now as the source of pass start times.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithCreateMissing makes the Provider create a local calendar for every
// remote calendar that has no local counterpart, provided the local source
// implements [CalendarCreator]. The new calendar is seeded with the remote
// items in the same pass.
func WithCreateMissing(enabled bool) Option {
	return func(p *Provider) { p.createMissing = enabled }
}

// Provider reconciles a remote source with a local source. The remote side
// always wins conflicts. It owns the two sources, never their items: moving
// an item across replicas inserts a clone.
//
// Provider is safe for concurrent use, but only one pass runs at a time.
type Provider struct {
	remote Source
	local  LocalSource
	log    *slog.Logger

	now           func() time.Time
	createMissing bool

	mu sync.Mutex
}

// NewProvider creates a Provider for the given replicas.
func NewProvider(remote Source, local LocalSource, logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		remote: remote,
		local:  local,
		log:    logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Remote returns the authoritative source.
func (p *Provider) Remote() Source { return p.remote }

// Local returns the cache source.
func (p *Provider) Local() LocalSource { return p.local }

// LastSync returns the checkpoint recorded by the last successful pass.
func (p *Provider) LastSync(ctx context.Context) (time.Time, error) {
	return p.local.LastSync(ctx)
}

// Pairing lists both replicas and matches their calendars without syncing.
func (p *Provider) Pairing(ctx context.Context) (Pairing, error) {
	remote, err := p.remote.Calendars(ctx)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: listing remote calendars: %w", ErrSourceUnreachable, err)
	}
	local, err := p.local.Calendars(ctx)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: listing local calendars: %w", ErrSourceUnreachable, err)
	}
	return PairCalendars(remote, local), nil
}

// Sync runs one reconciliation pass.
//
// The returned error is non-nil only when the pass could not run at all:
// another pass is in progress, a source is unreachable, the checkpoint could
// not be read or written, or ctx was cancelled. Per-calendar problems are
// recorded as anomalies in the report and keep the checkpoint where it was.
func (p *Provider) Sync(ctx context.Context) (*Report, error) {
	if !p.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer p.mu.Unlock()

	started := p.now().UTC()
	last, err := p.local.LastSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	report := &Report{Started: started, Checkpoint: last}

	p.log.Debug("starting sync pass", "last_sync", last, "started", started)

	if err := refresh(ctx, p.remote, started); err != nil {
		return report, fmt.Errorf("%w: refreshing remote: %w", ErrSourceUnreachable, err)
	}
	if err := refresh(ctx, p.local, started); err != nil {
		return report, fmt.Errorf("%w: refreshing local: %w", ErrSourceUnreachable, err)
	}

	pairing, err := p.Pairing(ctx)
	if err != nil {
		return report, err
	}

	healthy := true
	fail := func(a Anomaly) {
		healthy = false
		report.Anomalies = append(report.Anomalies, a)
		p.log.Error("calendar sync failed", "calendar", a.CalendarURL, "kind", a.Kind, "error", a.Err)
	}

	unavailable := unavailableCalendars(p.remote, p.local)
	for _, url := range sortedKeys(unavailable) {
		fail(Anomaly{CalendarURL: url, Kind: AnomalyAdapterFailure, Err: unavailable[url]})
	}
	pairing = pairing.without(unavailable)

	// A local source without per-calendar checkpoints cannot catch an
	// unpaired calendar up later, so the global checkpoint has to stay.
	checkpoints, perCalendar := p.local.(CalendarCheckpointer)
	unpaired := func(url string) {
		report.Anomalies = append(report.Anomalies, Anomaly{CalendarURL: url, Kind: AnomalyNotPaired, Err: ErrCollectionNotPaired})
		if !perCalendar {
			healthy = false
		}
	}

	for _, cal := range pairing.RemoteOnly {
		unpaired(cal.URL())
		if !p.createMissing {
			p.log.Warn("remote calendar has no local counterpart", "calendar", cal.URL())
			continue
		}
		if err := p.seed(ctx, cal, report); err != nil {
			fail(Anomaly{CalendarURL: cal.URL(), Kind: classify(err), Err: err})
			continue
		}
		if _, created := p.local.(CalendarCreator); created && perCalendar {
			if err := checkpoints.SetCalendarSync(ctx, cal.URL(), started); err != nil {
				fail(Anomaly{CalendarURL: cal.URL(), Kind: AnomalyAdapterFailure, Err: err})
			}
		}
	}
	for _, cal := range pairing.LocalOnly {
		unpaired(cal.URL())
		p.log.Warn("local calendar has no remote counterpart", "calendar", cal.URL())
	}

	remoteCals := make([]*model.Calendar, 0, len(pairing.Pairs))
	localCals := make([]*model.Calendar, 0, len(pairing.Pairs))
	for _, pair := range pairing.Pairs {
		remoteCals = append(remoteCals, pair.Remote)
		localCals = append(localCals, pair.Local)
	}
	remoteDups := duplicateIdentities(remoteCals)
	localDups := duplicateIdentities(localCals)

	for _, pair := range pairing.Pairs {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sync pass interrupted: %w", err)
		}

		url := pair.Remote.URL()
		if id, ok := remoteDups[url]; ok {
			fail(Anomaly{CalendarURL: url, ID: id, Kind: AnomalyDuplicateIdentity, Err: fmt.Errorf("remote item in several calendars: %w", model.ErrDuplicateIdentity)})
			continue
		}
		if id, ok := localDups[url]; ok {
			fail(Anomaly{CalendarURL: url, ID: id, Kind: AnomalyDuplicateIdentity, Err: fmt.Errorf("local item in several calendars: %w", model.ErrDuplicateIdentity)})
			continue
		}

		since := last
		if perCalendar {
			if since, err = checkpoints.CalendarSync(ctx, url); err != nil {
				fail(Anomaly{CalendarURL: url, Kind: AnomalyAdapterFailure, Err: fmt.Errorf("reading checkpoint of %s: %w", url, err)})
				continue
			}
		}

		if err := p.syncPair(ctx, pair, since, report); err != nil {
			var ae *AnomalyError
			if errors.As(err, &ae) {
				fail(ae.Anomaly)
			} else {
				fail(Anomaly{CalendarURL: url, Kind: classify(err), Err: err})
			}
			continue
		}

		if perCalendar {
			if err := checkpoints.SetCalendarSync(ctx, url, later(since, started)); err != nil {
				fail(Anomaly{CalendarURL: url, Kind: AnomalyAdapterFailure, Err: fmt.Errorf("saving checkpoint of %s: %w", url, err)})
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync pass interrupted: %w", err)
	}

	if !healthy {
		p.log.Warn("checkpoint not advanced", "last_sync", last, "anomalies", len(report.Anomalies))
		return report, nil
	}

	next := later(last, started)
	if err := p.local.SetLastSync(ctx, next); err != nil {
		return report, fmt.Errorf("saving checkpoint: %w", err)
	}
	report.Checkpoint = next
	report.CheckpointAdvanced = true

	p.log.Info("sync pass complete",
		"pulled", report.Count(ActionPulled),
		"pushed", report.Count(ActionPushed),
		"deleted_locally", report.Count(ActionDeletedLocally),
		"deleted_remotely", report.Count(ActionDeletedRemotely),
		"conflicts", len(report.Conflicts),
		"anomalies", len(report.Anomalies),
	)
	return report, nil
}

// seed creates the local counterpart of a remote-only calendar and fills it
// with copies of every remote item.
func (p *Provider) seed(ctx context.Context, remote *model.Calendar, report *Report) error {
	creator, ok := p.local.(CalendarCreator)
	if !ok {
		p.log.Warn("local source cannot create calendars", "calendar", remote.URL())
		return nil
	}

	local, err := creator.CreateCalendar(ctx, remote.Name(), remote.URL(), remote.SupportedComponents())
	if err != nil {
		return fmt.Errorf("creating local calendar %s: %w", remote.URL(), err)
	}
	p.log.Info("created local calendar", "calendar", remote.URL(), "name", remote.Name())

	var pulled []Change
	for _, item := range remote.Items() {
		if err := local.AddItem(item.Clone()); err != nil {
			return &AnomalyError{Anomaly{CalendarURL: remote.URL(), ID: item.ID, Kind: classify(err), Err: err}}
		}
		pulled = append(pulled, Change{CalendarURL: remote.URL(), ID: item.ID, Name: item.Name, Action: ActionPulled})
	}
	if err := commit(ctx, p.local, local); err != nil {
		return fmt.Errorf("committing local calendar %s: %w", remote.URL(), err)
	}
	report.Changes = append(report.Changes, pulled...)
	return nil
}

// deletion is an identity to tombstone with the originating replica's
// deletion time.
type deletion struct {
	id model.ItemID
	at time.Time
}

// plan is the set of mutations computed for one side of a pair.
type plan struct {
	deletes []deletion
	copies  []*model.Item
}

func (pl *plan) empty() bool { return len(pl.deletes) == 0 && len(pl.copies) == 0 }

// syncPair reconciles one calendar pair against the checkpoint since.
func (p *Provider) syncPair(ctx context.Context, pair Pair, since time.Time, report *Report) error {
	remote, local := pair.Remote, pair.Local
	url := remote.URL()

	var purged int
	if !since.IsZero() {
		purged = remote.PurgeTombstones(since) + local.PurgeTombstones(since)
	}

	modR := indexItems(remote.ModifiedSince(since))
	modL := indexItems(local.ModifiedSince(since))
	delR := map[model.ItemID]time.Time{}
	delL := map[model.ItemID]time.Time{}
	if !since.IsZero() {
		delR = remote.DeletedSince(since)
		delL = local.DeletedSince(since)
	}

	var toLocal, toRemote plan
	var conflicts []Conflict
	var changes []Change
	change := func(id model.ItemID, name string, a Action) {
		changes = append(changes, Change{CalendarURL: url, ID: id, Name: name, Action: a})
	}

	for _, id := range unionIDs(modR, modL, delR, delL) {
		r, rMod := modR[id]
		l, lMod := modL[id]
		rDelAt, rDel := delR[id]
		lDelAt, lDel := delL[id]

		switch {
		case rMod && lMod:
			if r.ContentHash() == l.ContentHash() {
				continue
			}
			conflicts = append(conflicts, Conflict{CalendarURL: url, ID: id, Local: l, Remote: r, Resolution: ResolutionRemoteWins})
			toLocal.copies = append(toLocal.copies, r)
			change(id, r.Name, ActionPulled)
		case rMod && lDel:
			conflicts = append(conflicts, Conflict{CalendarURL: url, ID: id, Remote: r, Resolution: ResolutionResurrected})
			toLocal.copies = append(toLocal.copies, r)
			change(id, r.Name, ActionPulled)
		case rDel && lMod:
			conflicts = append(conflicts, Conflict{CalendarURL: url, ID: id, Local: l, Resolution: ResolutionDeletedLocally})
			toLocal.deletes = append(toLocal.deletes, deletion{id: id, at: rDelAt})
			change(id, l.Name, ActionDeletedLocally)
		case rMod:
			toLocal.copies = append(toLocal.copies, r)
			change(id, r.Name, ActionPulled)
		case lMod:
			toRemote.copies = append(toRemote.copies, l)
			change(id, l.Name, ActionPushed)
		case rDel && lDel:
			// Deleted on both sides; nothing to propagate.
		case rDel:
			if existing := local.Item(id); existing != nil {
				toLocal.deletes = append(toLocal.deletes, deletion{id: id, at: rDelAt})
				change(id, existing.Name, ActionDeletedLocally)
			}
		case lDel:
			if existing := remote.Item(id); existing != nil {
				toRemote.deletes = append(toRemote.deletes, deletion{id: id, at: lDelAt})
				change(id, existing.Name, ActionDeletedRemotely)
			}
		}
	}

	for _, c := range conflicts {
		p.log.Warn("conflict resolved in favour of remote",
			"calendar", url, "item_id", c.ID, "resolution", c.Resolution)
	}

	if err := applyPlan(local, toLocal); err != nil {
		return err
	}
	if purged > 0 || !toLocal.empty() {
		if err := commit(ctx, p.local, local); err != nil {
			return fmt.Errorf("committing local calendar %s: %w", url, err)
		}
	}

	if err := applyPlan(remote, toRemote); err != nil {
		return err
	}
	if purged > 0 || !toRemote.empty() {
		if err := commit(ctx, p.remote, remote); err != nil {
			return fmt.Errorf("committing remote calendar %s: %w", url, err)
		}
	}

	report.Conflicts = append(report.Conflicts, conflicts...)
	report.Changes = append(report.Changes, changes...)

	p.log.Debug("calendar reconciled",
		"calendar", url, "to_local", len(toLocal.copies)+len(toLocal.deletes),
		"to_remote", len(toRemote.copies)+len(toRemote.deletes), "purged", purged)
	return nil
}

// applyPlan applies deletions, then copies, to cal.
func applyPlan(cal *model.Calendar, pl plan) error {
	for _, d := range pl.deletes {
		cal.DeleteItemAt(d.id, d.at)
	}
	for _, item := range pl.copies {
		cal.RemoveItem(item.ID)
		if err := cal.AddItem(item.Clone()); err != nil {
			return &AnomalyError{Anomaly{CalendarURL: cal.URL(), ID: item.ID, Kind: classify(err), Err: err}}
		}
	}
	return nil
}

// unavailableCalendars merges what the sources report as unreadable after
// their refresh.
func unavailableCalendars(sources ...Source) map[string]error {
	out := make(map[string]error)
	for _, src := range sources {
		ps, ok := src.(PartialSource)
		if !ok {
			continue
		}
		for url, err := range ps.Unavailable() {
			out[url] = err
		}
	}
	return out
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func refresh(ctx context.Context, src Source, asOf time.Time) error {
	if r, ok := src.(Refresher); ok {
		return r.Refresh(ctx, asOf)
	}
	return nil
}

func commit(ctx context.Context, src Source, cal *model.Calendar) error {
	if c, ok := src.(Committer); ok {
		return c.Commit(ctx, cal)
	}
	return nil
}

func classify(err error) AnomalyKind {
	switch {
	case errors.Is(err, model.ErrDuplicateIdentity):
		return AnomalyDuplicateIdentity
	case errors.Is(err, model.ErrUnsupportedComponent):
		return AnomalyUnsupported
	default:
		return AnomalyAdapterFailure
	}
}

func indexItems(items []*model.Item) map[model.ItemID]*model.Item {
	out := make(map[model.ItemID]*model.Item, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

// unionIDs returns every identity in the four change sets, sorted.
func unionIDs(modR, modL map[model.ItemID]*model.Item, delR, delL map[model.ItemID]time.Time) []model.ItemID {
	seen := make(map[model.ItemID]bool, len(modR)+len(modL)+len(delR)+len(delL))
	for id := range modR {
		seen[id] = true
	}
	for id := range modL {
		seen[id] = true
	}
	for id := range delR {
		seen[id] = true
	}
	for id := range delL {
		seen[id] = true
	}
	ids := make([]model.ItemID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
