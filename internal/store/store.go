// Package store implements the Store Facade: the single entry point a UI
// drives. It holds the authoritative in-memory snapshot of every
// calendar's tasks, and every mutator follows the same four-step shape —
// update the snapshot, append a journal record, wake the sync loop, return
// without waiting on the network — rather than wrapping each operation in
// a context-bearing method that returns immediately over HTTP: the facade
// owns a local snapshot first and treats the network as something a
// separate phase reconciles later.
package store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/caldav"
	"github.com/cfait/cfait/internal/config"
	"github.com/cfait/cfait/internal/ical"
	"github.com/cfait/cfait/internal/logging"
	"github.com/cfait/cfait/internal/query"
	"github.com/cfait/cfait/internal/smartinput"
	"github.com/cfait/cfait/internal/storage"
	cfsync "github.com/cfait/cfait/internal/sync"
	"github.com/cfait/cfait/internal/task"
)

// SyncOutcome is the result of a Sync call, including the "already
// syncing" case: a second concurrent caller observes this instead of
// blocking.
type SyncOutcome struct {
	AlreadySyncing bool
	Notices        []cfsync.Notice
	Err            error
}

// TagCount is one row of GetAllTags's result: a tag (or the synthetic
// "Uncategorized" bucket) and how many non-done tasks carry it.
type TagCount struct {
	Tag         string
	ActiveCount int
}

// UncategorizedTag is the synthetic bucket for tasks that carry no tags
const UncategorizedTag = "Uncategorized"

// Facade is the single entry point driving the in-memory snapshot, the
// on-disk cache/journal, and the synchronizer. All mutators are safe for
// concurrent use; they serialize through mu, since the facade is the only
// mutator of the snapshot — enforced here with a mutex rather than a
// single goroutine, since a mutex is the simpler fit for a shared resource
// guarded by many callers.
type Facade struct {
	cfg          *config.Config
	store        *storage.Store
	synchronizer *cfsync.Synchronizer

	mu              sync.Mutex
	tasksByCalendar map[string]map[string]*task.Task // calendarHref -> uid -> task
	calendars       []task.Calendar

	syncing atomic.Bool
	wake    chan struct{}
}

// New builds a Facade. client may be nil when only the Local calendar is
// in use (no remote account configured).
func New(cfg *config.Config, client *caldav.Client, st *storage.Store) *Facade {
	var synchronizer *cfsync.Synchronizer
	if client != nil {
		synchronizer = cfsync.New(client, st)
	}
	return &Facade{
		cfg:          cfg,
		store:        st,
		synchronizer: synchronizer,
		wake:         make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a value (buffered one deep, sent
// without blocking) after each mutation, so a caller can run a sync sooner
// than its next tick. Nothing in this module selects on it; the daemon
// syncs on its interval only.
func (f *Facade) Wake() <-chan struct{} { return f.wake }

func (f *Facade) signalWake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// LoadFromCache populates the in-memory snapshot from the on-disk cache,
// instantly and without any network access.
func (f *Facade) LoadFromCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadFromCacheLocked()
}

func (f *Facade) loadFromCacheLocked() error {
	meta, err := f.store.LoadMeta()
	if err != nil {
		return err
	}

	calendars := []task.Calendar{task.NewLocalCalendar()}
	for href, cm := range meta.Calendars {
		calendars = append(calendars, task.Calendar{
			Href:        href,
			DisplayName: cm.DisplayName,
			Color:       cm.Color,
			CTag:        cm.CTag,
			Disabled:    cm.Disabled || f.cfg.IsCalendarDisabled(href),
			Visible:     true,
		})
	}

	byCal := make(map[string]map[string]*task.Task, len(calendars))
	pending := f.pendingUIDSet()
	for _, cal := range calendars {
		tasks, err := f.store.LoadCalendarTasks(cal.Href)
		if err != nil {
			return err
		}
		byUID := make(map[string]*task.Task, len(tasks))
		for _, t := range tasks {
			t.Dirty = pending[calUIDKey(cal.Href, t.UID)]
			byUID[t.UID] = t
		}
		byCal[cal.Href] = byUID
	}

	f.calendars = calendars
	f.tasksByCalendar = byCal
	return nil
}

func calUIDKey(calHref, uid string) string { return calHref + "\x00" + uid }

func (f *Facade) pendingUIDSet() map[string]bool {
	out := map[string]bool{}
	for _, rec := range f.store.Pending() {
		out[calUIDKey(rec.CalendarHref, rec.UID)] = true
	}
	return out
}

// Sync runs the synchronizer. A concurrent call while one is already in
// flight returns immediately with AlreadySyncing set rather than blocking
// or queuing.
func (f *Facade) Sync(ctx context.Context) SyncOutcome {
	if f.synchronizer == nil {
		return SyncOutcome{}
	}
	if !f.syncing.CompareAndSwap(false, true) {
		return SyncOutcome{AlreadySyncing: true}
	}
	defer f.syncing.Store(false)

	result := f.synchronizer.Run(ctx, f.snapshotCalendars())
	if err := f.LoadFromCache(); err != nil {
		logging.Get().Error().Err(err).Msg("store: reloading snapshot after sync failed")
	}
	return SyncOutcome{Notices: result.Notices, Err: result.Err}
}

func (f *Facade) snapshotCalendars() []task.Calendar {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]task.Calendar, len(f.calendars))
	copy(out, f.calendars)
	return out
}

// --- lookup helpers ---------------------------------------------------------

// findLocked returns the task with uid and its calendar href, searching
// every calendar. Callers must hold f.mu.
func (f *Facade) findLocked(uid string) (*task.Task, string, bool) {
	for calHref, tasks := range f.tasksByCalendar {
		if t, ok := tasks[uid]; ok {
			return t, calHref, true
		}
	}
	return nil, "", false
}

// resolverLocked builds a task.Resolver over the full cross-calendar
// snapshot, for Depth/Blocked/BlockedByNames. Callers must hold f.mu.
func (f *Facade) resolverLocked() task.Resolver {
	return func(uid string) (*task.Task, bool) {
		t, _, ok := f.findLocked(uid)
		return t, ok
	}
}

func (f *Facade) defaultCalendarHref() string {
	if f.cfg.DefaultCalendar == "" {
		return task.LocalHref
	}
	for _, cal := range f.calendars {
		if cal.Href == f.cfg.DefaultCalendar || strings.EqualFold(cal.DisplayName, f.cfg.DefaultCalendar) {
			return cal.Href
		}
	}
	return task.LocalHref
}

// --- mutators ---------------------------------------------------------------
//
// Every mutator below follows the same four steps: mutate the snapshot,
// append a journal record (carrying Base — the pre-edit cached body — so a
// later 412 can 3-way merge against it), wake the sync loop, and return
// without touching the network.

// AddTaskSmart parses text with the smart-input grammar and creates a new
// task, assigned to targetCalHref if non-empty and known, else the
// configured default calendar, else Local.
func (f *Facade) AddTaskSmart(text, targetCalHref string) (*task.Task, error) {
	now := time.Now().UTC()
	r, err := smartinput.Parse(text, now, f.cfg.ExpandTags)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.Summary) == "" {
		return nil, apperrors.InvalidInput("task text must contain a summary")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	calHref := targetCalHref
	if calHref == "" {
		calHref = f.defaultCalendarHref()
	} else if _, ok := f.tasksByCalendar[calHref]; !ok {
		return nil, apperrors.NotFound("unknown calendar %q", calHref)
	}

	t := &task.Task{
		UID:          uuid.NewString(),
		Summary:      r.Summary,
		Status:       task.StatusNeedsAction,
		Priority:     r.Priority,
		Due:          r.Due,
		Start:        r.Start,
		Duration:     r.Duration,
		RRule:        r.RRule,
		Tags:         r.Tags,
		CalendarHref: calHref,
		Created:      now,
		LastModified: now,
		DTStamp:      now,
	}

	if err := f.persistCreateLocked(calHref, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTaskSmart re-parses text and overwrites the smart-input-derived
// fields (summary, priority, due, start, duration, recurrence, tags) of an
// existing task, leaving description, status, and links untouched.
func (f *Facade) UpdateTaskSmart(uid, text string) error {
	now := time.Now().UTC()
	r, err := smartinput.Parse(text, now, f.cfg.ExpandTags)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t, calHref, ok := f.findLocked(uid)
	if !ok {
		return apperrors.NotFound("unknown task %q", uid)
	}
	base := f.baseBodyLocked(calHref, t)

	t.Summary = r.Summary
	t.Priority = r.Priority
	t.Due = r.Due
	t.Start = r.Start
	t.Duration = r.Duration
	t.RRule = r.RRule
	t.Tags = r.Tags
	t.LastModified = now

	return f.persistUpdateLocked(calHref, t, base)
}

// UpdateTaskDescription replaces a task's description only.
func (f *Facade) UpdateTaskDescription(uid, desc string) error {
	return f.mutate(uid, func(t *task.Task) {
		t.Description = desc
	})
}

// ToggleTask flips a task between its done and active state: NeedsAction
// (or InProcess) becomes Completed with a completion timestamp; any done
// state becomes NeedsAction with the timestamp cleared.
func (f *Facade) ToggleTask(uid string) error {
	return f.mutate(uid, func(t *task.Task) {
		if t.IsDone() {
			t.Status = task.StatusNeedsAction
			t.Completed = nil
			return
		}
		now := time.Now().UTC()
		t.Status = task.StatusCompleted
		t.Completed = &now
	})
}

// SetStatus sets a task's status directly, covering the set_status_*
// family — Go's typed Status enum makes one setter parameterized by status
// more idiomatic than one function per status value.
func (f *Facade) SetStatus(uid string, status task.Status) error {
	return f.mutate(uid, func(t *task.Task) {
		t.Status = status
		if status == task.StatusCompleted {
			now := time.Now().UTC()
			t.Completed = &now
		} else {
			t.Completed = nil
		}
	})
}

// ChangePriority adjusts a task's priority by delta, clamped to 1-9
// (0 stays reserved for "unset" and is never assigned by this mutator).
func (f *Facade) ChangePriority(uid string, delta int) error {
	return f.mutate(uid, func(t *task.Task) {
		p := t.EffectivePriority() + delta
		switch {
		case p < 1:
			p = 1
		case p > 9:
			p = 9
		}
		t.Priority = p
	})
}

// Block adds byUID as a dependency blocking uid (RELATED-TO;RELTYPE=DEPENDS-ON).
func (f *Facade) Block(uid, byUID string) error {
	return f.mutate(uid, func(t *task.Task) {
		for _, existing := range t.DependsOn {
			if existing == byUID {
				return
			}
		}
		t.DependsOn = append(t.DependsOn, byUID)
	})
}

// SetChildOf sets uid's parent link. An empty parentUID clears it.
func (f *Facade) SetChildOf(uid, parentUID string) error {
	return f.mutate(uid, func(t *task.Task) {
		t.ParentUID = parentUID
	})
}

// mutate is the shared single-field-edit path used by the simpler
// mutators: look up the task, snapshot its pre-edit body as the journal
// base, apply edit, persist.
func (f *Facade) mutate(uid string, edit func(t *task.Task)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, calHref, ok := f.findLocked(uid)
	if !ok {
		return apperrors.NotFound("unknown task %q", uid)
	}
	base := f.baseBodyLocked(calHref, t)
	edit(t)
	t.LastModified = time.Now().UTC()
	return f.persistUpdateLocked(calHref, t, base)
}

// DeleteTask removes a task from its calendar, journaling a Delete.
func (f *Facade) DeleteTask(uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, calHref, ok := f.findLocked(uid)
	if !ok {
		return apperrors.NotFound("unknown task %q", uid)
	}

	base := f.baseBodyLocked(calHref, t)
	if err := f.store.DeleteTask(calHref, uid); err != nil {
		return apperrors.CacheIO(err)
	}
	if _, err := f.store.Append(storage.Record{
		Kind: storage.KindDelete, CalendarHref: calHref, UID: uid, ETag: t.ETag,
		Base: base,
	}); err != nil {
		return apperrors.CacheIO(err)
	}
	delete(f.tasksByCalendar[calHref], uid)
	f.signalWake()
	return nil
}

// MoveTask relocates a task to dstHref. The journal records this as a
// create-at-destination followed by a delete-at-source — the synchronizer
// needs no dedicated move operation: flushing those two records in append
// order is exactly the observable effect of a move, since journal ops
// flush in append order.
func (f *Facade) MoveTask(uid, dstHref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, srcHref, ok := f.findLocked(uid)
	if !ok {
		return apperrors.NotFound("unknown task %q", uid)
	}
	if srcHref == dstHref {
		return nil
	}
	if _, ok := f.tasksByCalendar[dstHref]; !ok {
		return apperrors.NotFound("unknown calendar %q", dstHref)
	}

	oldETag, oldHref := t.ETag, t.Href
	moved := *t
	moved.CalendarHref = dstHref
	moved.Href = ""
	moved.ETag = ""
	moved.LastModified = time.Now().UTC()

	if err := f.store.WriteTask(&moved); err != nil {
		return apperrors.CacheIO(err)
	}
	if _, err := f.store.Append(storage.Record{
		Kind: storage.KindPut, CalendarHref: dstHref, UID: uid, Body: ical.Emit(&moved),
	}); err != nil {
		return apperrors.CacheIO(err)
	}

	if err := f.store.DeleteTask(srcHref, uid); err != nil {
		return apperrors.CacheIO(err)
	}
	if oldHref != "" {
		if _, err := f.store.Append(storage.Record{
			Kind: storage.KindDelete, CalendarHref: srcHref, UID: uid, ETag: oldETag,
		}); err != nil {
			return apperrors.CacheIO(err)
		}
	}

	delete(f.tasksByCalendar[srcHref], uid)
	if f.tasksByCalendar[dstHref] == nil {
		f.tasksByCalendar[dstHref] = map[string]*task.Task{}
	}
	f.tasksByCalendar[dstHref][uid] = &moved
	f.signalWake()
	return nil
}

// persistCreateLocked writes a brand-new task to the cache and journals it
// as a create (empty ETag, no base).
func (f *Facade) persistCreateLocked(calHref string, t *task.Task) error {
	if err := f.store.WriteTask(t); err != nil {
		return apperrors.CacheIO(err)
	}
	if _, err := f.store.Append(storage.Record{
		Kind: storage.KindPut, CalendarHref: calHref, UID: t.UID, Body: ical.Emit(t),
	}); err != nil {
		return apperrors.CacheIO(err)
	}
	if f.tasksByCalendar[calHref] == nil {
		f.tasksByCalendar[calHref] = map[string]*task.Task{}
	}
	f.tasksByCalendar[calHref][t.UID] = t
	f.signalWake()
	return nil
}

// persistUpdateLocked writes an edited task and journals it as a Put
// carrying base (the pre-edit cached body) so a 412 during flush can
// 3-way merge instead of blindly overwriting.
func (f *Facade) persistUpdateLocked(calHref string, t *task.Task, base string) error {
	if err := f.store.WriteTask(t); err != nil {
		return apperrors.CacheIO(err)
	}
	if _, err := f.store.Append(storage.Record{
		Kind: storage.KindPut, CalendarHref: calHref, UID: t.UID,
		Body: ical.Emit(t), ETag: t.ETag, Base: base,
	}); err != nil {
		return apperrors.CacheIO(err)
	}
	f.signalWake()
	return nil
}

// baseBodyLocked returns t's currently cached body (as of its ETag) to
// record as the journal's merge base, before an in-memory edit mutates it.
func (f *Facade) baseBodyLocked(calHref string, t *task.Task) string {
	cached, err := f.store.ReadTask(calHref, t.UID)
	if err != nil {
		return ""
	}
	return ical.Emit(cached)
}

// --- views -------------------------------------------------------------

// GetViewTasks returns every task matching the sidebar tag filter and
// search query, sorted by the package's total order.
func (f *Facade) GetViewTasks(tagFilter []string, tagMode, searchQuery string) ([]*task.Task, error) {
	now := time.Now().UTC()
	q, err := query.Parse(searchQuery, now)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*task.Task
	for calHref, tasks := range f.tasksByCalendar {
		cal := f.calendarLocked(calHref)
		if cal != nil && (cal.Disabled || !cal.Visible) {
			continue
		}
		for _, t := range tasks {
			if !query.MatchSidebarTags(t, tagFilter, tagMode) {
				continue
			}
			if !query.Matches(t, q) {
				continue
			}
			out = append(out, t)
		}
	}
	query.Sort(out, f.cfg.SortCutoffMonths, now)
	return out, nil
}

func (f *Facade) calendarLocked(href string) *task.Calendar {
	for i := range f.calendars {
		if f.calendars[i].Href == href {
			return &f.calendars[i]
		}
	}
	return nil
}

// GetAllTags aggregates tags across every calendar with their active
// (non-done) task counts, including the synthetic Uncategorized bucket for
// tasks carrying no tags.
func (f *Facade) GetAllTags() []TagCount {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := map[string]int{}
	for _, tasks := range f.tasksByCalendar {
		for _, t := range tasks {
			if t.IsDone() {
				continue
			}
			if len(t.Tags) == 0 {
				counts[UncategorizedTag]++
				continue
			}
			for _, tag := range t.Tags {
				counts[tag]++
			}
		}
	}

	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, ActiveCount: n})
	}
	return out
}

// Calendars returns the current calendar snapshot.
func (f *Facade) Calendars() []task.Calendar {
	return f.snapshotCalendars()
}

// TaskByUID returns a single task and whether it was found, resolving
// PARENT/DEPENDS-ON-derived fields via the cross-calendar resolver.
func (f *Facade) TaskByUID(uid string) (t *task.Task, depth int, blocked bool, blockedByNames []string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, _, ok = f.findLocked(uid)
	if !ok {
		return nil, 0, false, nil, false
	}
	resolve := f.resolverLocked()
	depth, _ = t.Depth(resolve)
	blocked = t.Blocked(resolve)
	blockedByNames = t.BlockedByNames(resolve)
	return t, depth, blocked, blockedByNames, true
}
