package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

const testURL = "http://todo.list/cal"

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func day(d int) time.Time {
	return time.Date(2000, 1, d, 0, 0, 0, 0, time.UTC)
}

// names returns "name" or "name ✓" for every item, sorted.
func names(cal *model.Calendar) []string {
	var out []string
	for _, item := range cal.Items() {
		n := item.Name
		if item.Completed {
			n += " ✓"
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func assertNames(t *testing.T, side string, cal *model.Calendar, want []string) {
	t.Helper()
	sort.Strings(want)
	got := names(cal)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("%s items =\n  %q\nwant\n  %q", side, got, want)
	}
}

func mustSync(t *testing.T, p *Provider) *Report {
	t.Helper()
	report, err := p.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return report
}

// newPairedSources returns a remote and local replica that both hold cal,
// with the local checkpoint set to lastSync.
func newPairedSources(cal *model.Calendar, lastSync time.Time) (*memSource, *memSource) {
	remote := newMemSource(cal)
	local := newMemSource(cal)
	local.lastSync = lastSync
	return remote, local
}

// ---------------------------------------------------------------------------
// Acceptance scenario
//
// At the last sync both replicas held A..M. Since then:
//   remote: A,    C, D,  E', F',  G✓, H , I',      K, L, M, N
//   local:  A, B,    D', E,  F'', G , H✓, I✓, J✓, K, L, M,    O
// Expected on both sides afterwards:
//           A,       D', E', F',  G✓, H✓, I',      K, L, M, N, O
// ---------------------------------------------------------------------------

func TestSync_Scenario(t *testing.T) {
	tasks := make(map[string]*model.Item)
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	for i, letter := range strings.Split("ABCDEFGHIJKL", "") {
		tasks[letter] = model.NewTask("task "+letter, day(i+1))
	}
	tasks["M"] = model.NewTask("task M", day(12))
	for _, task := range tasks {
		if err := cal.AddItem(task); err != nil {
			t.Fatal(err)
		}
	}
	lastSync := tasks["M"].LastModified
	remote, local := newPairedSources(cal, lastSync)

	id := func(letter string) model.ItemID { return tasks[letter].ID }

	srv := remote.cal(testURL)
	srv.DeleteItem(id("B"))
	srv.Item(id("E")).SetName("E has been remotely renamed")
	srv.Item(id("F")).SetName("F renamed in the server")
	srv.Item(id("G")).SetCompleted(true)
	srv.Item(id("I")).SetName("I renamed in the server")
	srv.DeleteItem(id("J"))
	if err := srv.AddItem(model.NewTask("task N (new from server)", time.Now())); err != nil {
		t.Fatal(err)
	}

	loc := local.cal(testURL)
	loc.DeleteItem(id("C"))
	loc.Item(id("D")).SetName("D has been locally renamed")
	loc.Item(id("F")).SetName("F renamed locally as well!")
	loc.Item(id("H")).SetCompleted(true)
	loc.Item(id("I")).SetCompleted(true)
	loc.Item(id("J")).SetCompleted(true)
	if err := loc.AddItem(model.NewTask("task O (new from local)", time.Now())); err != nil {
		t.Fatal(err)
	}

	report := mustSync(t, NewProvider(remote, local, testLogger))

	want := []string{
		"task A",
		"D has been locally renamed",
		"E has been remotely renamed",
		"F renamed in the server",
		"task G ✓",
		"task H ✓",
		"I renamed in the server",
		"task K", "task L", "task M",
		"task N (new from server)",
		"task O (new from local)",
	}
	assertNames(t, "remote", remote.cal(testURL), want)
	assertNames(t, "local", local.cal(testURL), want)

	counts := map[Action]int{
		ActionPulled:          5, // E, F, G, I, N
		ActionPushed:          3, // D, H, O
		ActionDeletedLocally:  2, // B, J
		ActionDeletedRemotely: 1, // C
	}
	for action, want := range counts {
		if got := report.Count(action); got != want {
			t.Errorf("Count(%s) = %d, want %d", action, got, want)
		}
	}

	resolutions := make(map[model.ItemID]Resolution)
	for _, c := range report.Conflicts {
		resolutions[c.ID] = c.Resolution
	}
	wantResolutions := map[model.ItemID]Resolution{
		id("F"): ResolutionRemoteWins,
		id("I"): ResolutionRemoteWins,
		id("J"): ResolutionDeletedLocally,
	}
	if len(resolutions) != len(wantResolutions) {
		t.Errorf("conflicts = %v, want %v", resolutions, wantResolutions)
	}
	for cid, want := range wantResolutions {
		if resolutions[cid] != want {
			t.Errorf("resolution for %s = %q, want %q", cid, resolutions[cid], want)
		}
	}

	if !report.CheckpointAdvanced {
		t.Error("checkpoint not advanced after a clean pass")
	}
	if !local.lastSync.Equal(report.Started) {
		t.Errorf("checkpoint = %v, want pass start %v", local.lastSync, report.Started)
	}
	if len(report.Anomalies) != 0 {
		t.Errorf("anomalies = %v, want none", report.Anomalies)
	}
}

// ---------------------------------------------------------------------------
// Testable properties
// ---------------------------------------------------------------------------

func TestSync_Idempotent(t *testing.T) {
	a := model.NewTask("task A", day(1))
	b := model.NewTask("task B", day(2))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	_ = cal.AddItem(b)
	remote, local := newPairedSources(cal, day(3))

	remote.cal(testURL).Item(a.ID).SetName("A remote")
	local.cal(testURL).DeleteItem(b.ID)
	_ = local.cal(testURL).AddItem(model.NewTask("task C", time.Now()))

	p := NewProvider(remote, local, testLogger)
	mustSync(t, p)
	afterFirst := names(local.cal(testURL))

	second := mustSync(t, p)
	if len(second.Changes) != 0 || len(second.Conflicts) != 0 {
		t.Errorf("second pass changes = %v, conflicts = %v; want none", second.Changes, second.Conflicts)
	}
	assertNames(t, "local", local.cal(testURL), afterFirst)
	assertNames(t, "remote", remote.cal(testURL), afterFirst)
	if n := len(local.cal(testURL).Tombstones()); n != 0 {
		t.Errorf("local tombstones after second pass = %d, want 0 (purged)", n)
	}
	if n := len(remote.cal(testURL).Tombstones()); n != 0 {
		t.Errorf("remote tombstones after second pass = %d, want 0 (purged)", n)
	}
}

func TestSync_RemoteWinsRegardlessOfTimestamps(t *testing.T) {
	a := model.NewTask("task A", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))

	remote.cal(testURL).Item(a.ID).SetName("remote edit")
	// The local edit is strictly newer.
	local.cal(testURL).Item(a.ID).SetName("local edit")

	report := mustSync(t, NewProvider(remote, local, testLogger))

	assertNames(t, "local", local.cal(testURL), []string{"remote edit"})
	assertNames(t, "remote", remote.cal(testURL), []string{"remote edit"})
	if len(report.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(report.Conflicts))
	}
	c := report.Conflicts[0]
	if c.Local == nil || c.Local.Name != "local edit" || c.Remote == nil || c.Remote.Name != "remote edit" {
		t.Errorf("conflict versions = %+v / %+v, want local edit / remote edit", c.Local, c.Remote)
	}
}

func TestSync_ResurrectsLocallyDeletedItem(t *testing.T) {
	a := model.NewTask("task A", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))

	local.cal(testURL).DeleteItem(a.ID)
	remote.cal(testURL).Item(a.ID).SetCompleted(true)

	report := mustSync(t, NewProvider(remote, local, testLogger))

	assertNames(t, "local", local.cal(testURL), []string{"task A ✓"})
	if len(report.Conflicts) != 1 || report.Conflicts[0].Resolution != ResolutionResurrected {
		t.Errorf("conflicts = %+v, want one resurrected", report.Conflicts)
	}
	if len(local.cal(testURL).Tombstones()) != 0 {
		t.Error("resurrected item still tombstoned locally")
	}
}

func TestSync_DeletionPropagatesOnce(t *testing.T) {
	a := model.NewTask("task A", day(1))
	b := model.NewTask("task B", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	_ = cal.AddItem(b)
	remote, local := newPairedSources(cal, day(2))

	local.cal(testURL).DeleteItem(a.ID)
	remote.cal(testURL).DeleteItem(b.ID)

	p := NewProvider(remote, local, testLogger)
	report := mustSync(t, p)
	if report.Count(ActionDeletedRemotely) != 1 || report.Count(ActionDeletedLocally) != 1 {
		t.Fatalf("changes = %+v, want one deletion each way", report.Changes)
	}
	if remote.cal(testURL).Item(a.ID) != nil || local.cal(testURL).Item(b.ID) != nil {
		t.Fatal("deletion not propagated")
	}

	// The propagated tombstone carries the original deletion time, so it
	// is not picked up again as a fresh local deletion.
	srcAt := local.cal(testURL).Tombstones()[a.ID]
	if got := remote.cal(testURL).Tombstones()[a.ID]; !got.Equal(srcAt) {
		t.Errorf("remote tombstone = %v, want source time %v", got, srcAt)
	}

	second := mustSync(t, p)
	if len(second.Changes) != 0 {
		t.Errorf("second pass changes = %+v, want none", second.Changes)
	}
}

func TestSync_DisjointEditsAreKept(t *testing.T) {
	a := model.NewTask("task A", day(1))
	b := model.NewTask("task B", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	_ = cal.AddItem(b)
	remote, local := newPairedSources(cal, day(2))

	remote.cal(testURL).Item(a.ID).SetName("A from remote")
	local.cal(testURL).Item(b.ID).SetName("B from local")
	_ = remote.cal(testURL).AddItem(model.NewTask("remote new", time.Now()))
	_ = local.cal(testURL).AddItem(model.NewTask("local new", time.Now()))

	report := mustSync(t, NewProvider(remote, local, testLogger))

	want := []string{"A from remote", "B from local", "remote new", "local new"}
	assertNames(t, "remote", remote.cal(testURL), want)
	assertNames(t, "local", local.cal(testURL), want)
	if len(report.Conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none", report.Conflicts)
	}
}

func TestSync_EqualContentIsNotAConflict(t *testing.T) {
	a := model.NewTask("task A", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))

	remote.cal(testURL).Item(a.ID).SetCompleted(true)
	local.cal(testURL).Item(a.ID).SetCompleted(true)

	report := mustSync(t, NewProvider(remote, local, testLogger))
	if len(report.Conflicts) != 0 || len(report.Changes) != 0 {
		t.Errorf("conflicts = %+v, changes = %+v; want none", report.Conflicts, report.Changes)
	}
}

func TestSync_FirstRunMergesEverything(t *testing.T) {
	remoteCal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	localCal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = remoteCal.AddItem(model.NewTask("remote only", day(1)))
	_ = localCal.AddItem(model.NewTask("local only", day(1)))
	gone := model.NewTask("deleted before first sync", day(1))
	_ = localCal.AddItem(gone)
	localCal.DeleteItemAt(gone.ID, day(2))

	remote := newMemSource(remoteCal)
	local := newMemSource(localCal)

	report := mustSync(t, NewProvider(remote, local, testLogger))

	want := []string{"remote only", "local only"}
	assertNames(t, "remote", remote.cal(testURL), want)
	assertNames(t, "local", local.cal(testURL), want)
	if report.Count(ActionDeletedRemotely) != 0 {
		t.Error("tombstones must be ignored when there is no checkpoint")
	}
}

// ---------------------------------------------------------------------------
// Checkpoint
// ---------------------------------------------------------------------------

func TestSync_CheckpointIsPassStart(t *testing.T) {
	start := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	remote, local := newPairedSources(cal, day(1))

	report := mustSync(t, NewProvider(remote, local, testLogger, WithClock(func() time.Time { return start })))
	if !local.lastSync.Equal(start) || !report.Checkpoint.Equal(start) {
		t.Errorf("checkpoint = %v (report %v), want %v", local.lastSync, report.Checkpoint, start)
	}
}

func TestSync_CheckpointNeverMovesBackwards(t *testing.T) {
	future := time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	remote, local := newPairedSources(cal, future)

	mustSync(t, NewProvider(remote, local, testLogger))
	if !local.lastSync.Equal(future) {
		t.Errorf("checkpoint = %v, want it kept at %v", local.lastSync, future)
	}
}

func TestSync_CommitFailureKeepsCheckpoint(t *testing.T) {
	a := model.NewTask("task A", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))
	local.cal(testURL).Item(a.ID).SetName("pushed")
	remote.commitErr[testURL] = errors.New("disk full")

	report := mustSync(t, NewProvider(remote, local, testLogger))

	if report.CheckpointAdvanced {
		t.Error("checkpoint advanced despite a failed commit")
	}
	if !local.lastSync.Equal(day(2)) {
		t.Errorf("checkpoint = %v, want %v", local.lastSync, day(2))
	}
	if len(report.Anomalies) != 1 || report.Anomalies[0].Kind != AnomalyAdapterFailure {
		t.Fatalf("anomalies = %+v, want one adapter failure", report.Anomalies)
	}

	// Once the remote recovers, the next pass pushes the edit.
	delete(remote.commitErr, testURL)
	mustSync(t, NewProvider(remote, local, testLogger))
	assertNames(t, "remote", remote.cal(testURL), []string{"pushed"})
}

func TestSync_SourceUnreachable(t *testing.T) {
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	remote, local := newPairedSources(cal, day(1))
	remote.listErr = errors.New("connection refused")

	_, err := NewProvider(remote, local, testLogger).Sync(context.Background())
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
	if !local.lastSync.Equal(day(1)) {
		t.Errorf("checkpoint = %v, want unchanged", local.lastSync)
	}
}

func TestSync_RefreshFailureIsUnreachable(t *testing.T) {
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	mem, local := newPairedSources(cal, day(1))
	remote := &refreshingSource{memSource: mem, err: errors.New("timeout")}

	_, err := NewProvider(remote, local, testLogger).Sync(context.Background())
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
}

func TestSync_RefreshUsesPassStart(t *testing.T) {
	start := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	mem, local := newPairedSources(cal, day(1))
	remote := &refreshingSource{memSource: mem}

	mustSync(t, NewProvider(remote, local, testLogger, WithClock(func() time.Time { return start })))
	if len(remote.refreshed) != 1 || !remote.refreshed[0].Equal(start) {
		t.Errorf("Refresh calls = %v, want one at %v", remote.refreshed, start)
	}
}

// ---------------------------------------------------------------------------
// Pairing anomalies
// ---------------------------------------------------------------------------

func TestSync_UnpairedCalendarIsReported(t *testing.T) {
	shared := model.NewCalendar("shared", testURL, model.ComponentTodo)
	extra := model.NewCalendar("remote only", "http://todo.list/extra", model.ComponentTodo)
	_ = extra.AddItem(model.NewTask("orphan", day(1)))

	remote := newMemSource(shared, extra)
	local := newMemSource(shared)

	report := mustSync(t, NewProvider(remote, local, testLogger))

	if !errors.Is(report.Err(), ErrCollectionNotPaired) {
		t.Errorf("report.Err() = %v, want ErrCollectionNotPaired", report.Err())
	}
	if local.cal("http://todo.list/extra") != nil {
		t.Error("local calendar created without WithCreateMissing")
	}
	if report.CheckpointAdvanced {
		t.Error("checkpoint advanced past an unpaired calendar without per-calendar checkpoints")
	}
}

func TestSync_UnpairedCalendarWithCalendarCheckpoints(t *testing.T) {
	shared := model.NewCalendar("shared", testURL, model.ComponentTodo)
	extra := model.NewCalendar("remote only", "http://todo.list/extra", model.ComponentTodo)

	remote := newMemSource(shared, extra)
	local := newCheckpointingSource(shared)

	report := mustSync(t, NewProvider(remote, local, testLogger))

	if !errors.Is(report.Err(), ErrCollectionNotPaired) {
		t.Errorf("report.Err() = %v, want ErrCollectionNotPaired", report.Err())
	}
	if !report.CheckpointAdvanced {
		t.Error("checkpoint blocked although the unpaired calendar has its own")
	}
	if got := local.calendarSync(testURL); !got.Equal(report.Started) {
		t.Errorf("checkpoint of %s = %v, want %v", testURL, got, report.Started)
	}
	if got := local.calendarSync("http://todo.list/extra"); !got.IsZero() {
		t.Errorf("unpaired calendar got checkpoint %v", got)
	}
}

// hideFor removes the remote calendar for the duration of one pass and puts
// it back afterwards.
func hideFor(t *testing.T, remote *memSource, url string, pass func()) {
	t.Helper()
	remote.mu.Lock()
	hidden := remote.cals[url]
	delete(remote.cals, url)
	remote.mu.Unlock()

	pass()

	remote.mu.Lock()
	remote.cals[url] = hidden
	remote.mu.Unlock()
}

// passClock hands out pass start times an hour apart, all after now, so
// that edits made by the test predate every pass.
func passClock() func() time.Time {
	next := time.Now().UTC()
	return func() time.Time {
		next = next.Add(time.Hour)
		return next
	}
}

func TestSync_HiddenCalendarKeepsLocalEdits(t *testing.T) {
	a := model.NewTask("orig", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))
	local.cal(testURL).Item(a.ID).SetName("local edit")

	p := NewProvider(remote, local, testLogger, WithClock(passClock()))

	hideFor(t, remote, testURL, func() {
		report := mustSync(t, p)
		if report.CheckpointAdvanced {
			t.Error("checkpoint advanced while the calendar was hidden")
		}
	})

	report := mustSync(t, p)
	if !report.CheckpointAdvanced {
		t.Errorf("checkpoint not advanced once paired again: %v", report.Err())
	}
	assertNames(t, "remote", remote.cal(testURL), []string{"local edit"})
}

func TestSync_HiddenCalendarCatchesUpFromItsCheckpoint(t *testing.T) {
	a := model.NewTask("orig", day(1))
	b := model.NewTask("doomed", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	_ = cal.AddItem(b)

	remote := newMemSource(cal)
	local := newCheckpointingSource(cal)
	local.lastSync = day(2)
	local.calSync[testURL] = day(2)

	local.cal(testURL).Item(a.ID).SetName("local edit")
	local.cal(testURL).DeleteItem(b.ID)

	p := NewProvider(remote, local, testLogger, WithClock(passClock()))

	hideFor(t, remote, testURL, func() {
		report := mustSync(t, p)
		if !report.CheckpointAdvanced {
			t.Error("global checkpoint blocked by an unpaired calendar")
		}
		if got := local.calendarSync(testURL); !got.Equal(day(2)) {
			t.Errorf("checkpoint of hidden calendar = %v, want it kept at %v", got, day(2))
		}
	})

	report := mustSync(t, p)
	assertNames(t, "remote", remote.cal(testURL), []string{"local edit"})
	if got := local.calendarSync(testURL); !got.Equal(report.Started) {
		t.Errorf("checkpoint of %s = %v, want %v", testURL, got, report.Started)
	}
}

func TestSync_UnavailableCalendarIsAdapterFailure(t *testing.T) {
	downURL := "http://todo.list/down"
	a := model.NewTask("task A", day(1))
	b := model.NewTask("task B", day(1))
	up := model.NewCalendar("up", testURL, model.ComponentTodo)
	down := model.NewCalendar("down", downURL, model.ComponentTodo)
	_ = up.AddItem(a)
	_ = down.AddItem(b)

	mem := newMemSource(up, down)
	remote := &partialSource{memSource: mem, down: map[string]error{downURL: errors.New("entity unavailable")}}
	local := newMemSource(up, down)
	local.lastSync = day(2)

	mem.cal(testURL).Item(a.ID).SetName("A from remote")
	local.cal(downURL).Item(b.ID).SetName("B from local")

	report := mustSync(t, NewProvider(remote, local, testLogger))

	if len(report.Anomalies) != 1 {
		t.Fatalf("anomalies = %+v, want one", report.Anomalies)
	}
	if got := report.Anomalies[0]; got.CalendarURL != downURL || got.Kind != AnomalyAdapterFailure {
		t.Errorf("anomaly = %+v, want adapter failure on %s", got, downURL)
	}
	if report.CheckpointAdvanced {
		t.Error("checkpoint advanced despite an unavailable calendar")
	}
	assertNames(t, "local", local.cal(testURL), []string{"A from remote"})
	assertNames(t, "remote", mem.cal(downURL), []string{"task B"})
}

func TestSync_CreateMissingSeedsLocalCalendar(t *testing.T) {
	extraURL := "http://todo.list/extra"
	extra := model.NewCalendar("remote only", extraURL, model.ComponentTodo)
	_ = extra.AddItem(model.NewTask("one", day(1)))
	_ = extra.AddItem(model.NewTask("two", day(2)))

	remote := newMemSource(extra)
	mem := newMemSource()
	local := creatingSource{mem}

	report := mustSync(t, NewProvider(remote, local, testLogger, WithCreateMissing(true)))

	created := mem.cal(extraURL)
	if created == nil {
		t.Fatal("local calendar was not created")
	}
	assertNames(t, "local", created, []string{"one", "two"})
	if report.Count(ActionPulled) != 2 {
		t.Errorf("pulled = %d, want 2", report.Count(ActionPulled))
	}
	if !errors.Is(report.Err(), ErrCollectionNotPaired) {
		t.Errorf("report.Err() = %v, want the not-paired anomaly still reported", report.Err())
	}

	second := mustSync(t, NewProvider(remote, local, testLogger, WithCreateMissing(true)))
	if len(second.Anomalies) != 0 || len(second.Changes) != 0 {
		t.Errorf("second pass anomalies = %+v, changes = %+v; want none", second.Anomalies, second.Changes)
	}
}

func TestSync_DuplicateIdentityAcrossCalendars(t *testing.T) {
	a := model.NewTask("task A", day(1))
	first := model.NewCalendar("first", "http://todo.list/1", model.ComponentTodo)
	second := model.NewCalendar("second", "http://todo.list/2", model.ComponentTodo)
	_ = first.AddItem(a)
	_ = second.AddItem(a.Clone())

	remote := newMemSource(first, second)
	local := newMemSource(first, second)

	report := mustSync(t, NewProvider(remote, local, testLogger))

	if !errors.Is(report.Err(), model.ErrDuplicateIdentity) {
		t.Errorf("report.Err() = %v, want ErrDuplicateIdentity", report.Err())
	}
	if report.CheckpointAdvanced {
		t.Error("checkpoint advanced despite a duplicate identity")
	}
}

// ---------------------------------------------------------------------------
// Concurrency and cancellation
// ---------------------------------------------------------------------------

func TestSync_ConcurrentPassRejected(t *testing.T) {
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	remote, local := newPairedSources(cal, day(1))

	entered := make(chan struct{})
	release := make(chan struct{})
	remote.onList = func() {
		close(entered)
		<-release
	}

	p := NewProvider(remote, local, testLogger)
	done := make(chan error, 1)
	go func() {
		_, err := p.Sync(context.Background())
		done <- err
	}()

	<-entered
	remote.onList = nil
	if _, err := p.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Sync err = %v, want ErrSyncInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Sync: %v", err)
	}
}

func TestSync_CancelledKeepsCheckpoint(t *testing.T) {
	a := model.NewTask("task A", day(1))
	cal := model.NewCalendar("a list", testURL, model.ComponentTodo)
	_ = cal.AddItem(a)
	remote, local := newPairedSources(cal, day(2))
	remote.cal(testURL).Item(a.ID).SetName("renamed")

	ctx, cancel := context.WithCancel(context.Background())
	local.onList = cancel

	_, err := NewProvider(remote, local, testLogger).Sync(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !local.lastSync.Equal(day(2)) {
		t.Errorf("checkpoint = %v, want unchanged", local.lastSync)
	}
	assertNames(t, "local", local.cal(testURL), []string{"task A"})
}
