package sync

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// Sentinel errors for the failure classes of a pass.
var (
	// ErrSourceUnreachable means a replica could not list its calendars.
	// The whole pass is aborted and the checkpoint is left untouched.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrCollectionNotPaired means a calendar exists on one replica only.
	ErrCollectionNotPaired = errors.New("calendar not paired")

	// ErrSyncInProgress is returned when Sync is called while another pass
	// is running on the same Provider.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Resolution says how a conflict was settled. The remote always wins; the
// value records what that meant for the local replica.
type Resolution string

const (
	// ResolutionRemoteWins: both sides edited; the remote version replaced
	// the local one.
	ResolutionRemoteWins Resolution = "remote-wins"
	// ResolutionResurrected: deleted locally but edited remotely; the item
	// was restored locally with the remote content.
	ResolutionResurrected Resolution = "resurrected"
	// ResolutionDeletedLocally: edited locally but deleted remotely; the
	// local edit was discarded along with the item.
	ResolutionDeletedLocally Resolution = "deleted-locally"
)

// Conflict records one identity both replicas touched since the checkpoint.
type Conflict struct {
	CalendarURL string
	ID          model.ItemID
	// Local and Remote are snapshots of each side's version; nil when that
	// side had deleted the item.
	Local      *model.Item
	Remote     *model.Item
	Resolution Resolution
}

// Action is the mutation applied for one identity.
type Action string

const (
	ActionPulled          Action = "pulled"
	ActionPushed          Action = "pushed"
	ActionDeletedLocally  Action = "deleted-locally"
	ActionDeletedRemotely Action = "deleted-remotely"
)

// Change records one applied mutation.
type Change struct {
	CalendarURL string
	ID          model.ItemID
	Name        string
	Action      Action
}

// AnomalyKind classifies a non-conflict problem recorded during a pass.
type AnomalyKind string

const (
	AnomalyNotPaired         AnomalyKind = "not-paired"
	AnomalyDuplicateIdentity AnomalyKind = "duplicate-identity"
	AnomalyUnsupported       AnomalyKind = "unsupported-component"
	AnomalyAdapterFailure    AnomalyKind = "adapter-failure"
)

// Anomaly is a problem that did not abort the whole pass.
type Anomaly struct {
	CalendarURL string
	// ID is set when the anomaly concerns a single item.
	ID   model.ItemID
	Kind AnomalyKind
	Err  error
}

// AnomalyError wraps an anomaly so callers can match it with errors.Is
// against [ErrCollectionNotPaired] or [model.ErrDuplicateIdentity].
type AnomalyError struct {
	Anomaly
}

func (e *AnomalyError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: calendar %s item %s: %v", e.Kind, e.CalendarURL, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: calendar %s: %v", e.Kind, e.CalendarURL, e.Err)
}

func (e *AnomalyError) Unwrap() error { return e.Err }

// Report is the outcome of one pass. A pass that returns a nil error can
// still carry conflicts and anomalies; callers must inspect it.
type Report struct {
	// Started is the pass start time, the candidate checkpoint.
	Started time.Time
	// Checkpoint is the checkpoint in force after the pass.
	Checkpoint time.Time
	// CheckpointAdvanced is false when an anomaly blocked the checkpoint.
	CheckpointAdvanced bool

	Conflicts []Conflict
	Changes   []Change
	Anomalies []Anomaly
}

// Count returns the number of changes with the given action.
func (r *Report) Count(a Action) int {
	n := 0
	for _, c := range r.Changes {
		if c.Action == a {
			n++
		}
	}
	return n
}

// Err joins every anomaly into one error, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		errs = append(errs, &AnomalyError{Anomaly: a})
	}
	return errors.Join(errs...)
}

// WriteTo prints a human-readable summary.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(format string, args ...any) error {
		m, err := fmt.Fprintf(w, format, args...)
		n += int64(m)
		return err
	}

	if err := write("pulled %d, pushed %d, deleted %d locally, %d remotely, %d conflicts, %d anomalies\n",
		r.Count(ActionPulled), r.Count(ActionPushed),
		r.Count(ActionDeletedLocally), r.Count(ActionDeletedRemotely),
		len(r.Conflicts), len(r.Anomalies)); err != nil {
		return n, err
	}
	for _, c := range r.Conflicts {
		local, remote := "<deleted>", "<deleted>"
		if c.Local != nil {
			local = c.Local.Name
		}
		if c.Remote != nil {
			remote = c.Remote.Name
		}
		if err := write("  conflict %s: local %q, remote %q -> %s\n", c.ID, local, remote, c.Resolution); err != nil {
			return n, err
		}
	}
	for _, a := range r.Anomalies {
		if err := write("  %v\n", &AnomalyError{Anomaly: a}); err != nil {
			return n, err
		}
	}
	if r.CheckpointAdvanced {
		err := write("checkpoint: %s\n", r.Checkpoint.Format(time.RFC3339))
		return n, err
	}
	err := write("checkpoint not advanced (still %s)\n", formatCheckpoint(r.Checkpoint))
	return n, err
}

func formatCheckpoint(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
