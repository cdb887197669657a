// Package sync implements the two-replica reconciliation engine for
// taskmirror. A [Provider] pairs the calendars of a remote (authoritative)
// source with those of a local cache, computes a three-way diff of each pair
// against the last successful sync, resolves conflicts in favour of the
// remote, applies the result to both sides and advances the checkpoint.
//
// The package contains two main components:
//
//   - [Provider] runs one reconciliation pass and returns a [Report].
//   - [Engine] runs passes on a schedule and on change notifications, with
//     tracing and metrics around each pass.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// Source is a replica the Provider can reconcile. Implementations may hit
// the network or disk on every call.
// Implemented by [cache.Store], [vdir.Source] and [homeassistant.Source].
type Source interface {
	// Calendars returns every calendar the replica holds. The returned
	// calendars are mutable; the Provider edits them in place and then
	// hands them to Commit if the source is a [Committer].
	Calendars(ctx context.Context) ([]*model.Calendar, error)

	// Calendar returns the calendar with the given URL, or (nil, nil).
	Calendar(ctx context.Context, url string) (*model.Calendar, error)
}

// Checkpointer holds the time of the last successful sync. Only the local
// replica implements it.
type Checkpointer interface {
	// LastSync returns the checkpoint, or the zero time before the first
	// successful sync.
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
}

// LocalSource is the replica acting as sync state holder.
type LocalSource interface {
	Source
	Checkpointer
}

// Committer is implemented by sources that must persist a calendar after
// the Provider has mutated it.
type Committer interface {
	Commit(ctx context.Context, cal *model.Calendar) error
}

// CalendarCreator is implemented by sources that can create an empty
// calendar on request.
type CalendarCreator interface {
	CreateCalendar(ctx context.Context, name, url string, components model.SupportedComponents) (*model.Calendar, error)
}

// Refresher is implemented by sources whose change tracking is derived from
// snapshots rather than native timestamps. The Provider calls Refresh with
// the pass start time before listing the source, so that changes detected
// during the pass are stamped no later than the checkpoint it may record.
type Refresher interface {
	Refresh(ctx context.Context, asOf time.Time) error
}

// CalendarCheckpointer is implemented by local sources that also keep a
// checkpoint per calendar. Each pair is then reconciled against its own last
// sync, so a calendar that drops out of a pass catches up on everything it
// missed once it is paired again. Without it, an unpaired calendar keeps the
// global checkpoint where it was.
type CalendarCheckpointer interface {
	// CalendarSync returns the checkpoint of one calendar, or the zero time
	// if the calendar has never been synced.
	CalendarSync(ctx context.Context, url string) (time.Time, error)
	SetCalendarSync(ctx context.Context, url string, t time.Time) error
}

// PartialSource is implemented by sources that can lose single calendars
// while the others stay readable. Unavailable reports the calendars the last
// Refresh could not read, keyed by URL. The Provider skips them and records
// an adapter failure for each.
type PartialSource interface {
	Unavailable() map[string]error
}
