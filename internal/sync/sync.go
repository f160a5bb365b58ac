// Package sync implements the bounded-concurrency, two-phase synchronizer:
// flushing the local journal against the CalDAV server, then pulling each
// calendar's delta into the cache, with a 3-way merge on 412 conflicts.
// The bounded fan-out uses the errgroup.WithContext+SetLimit pattern,
// applied at two levels — calendars in parallel, then resources-per-
// calendar multiget batches in parallel within each calendar.
package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/caldav"
	"github.com/cfait/cfait/internal/ical"
	"github.com/cfait/cfait/internal/logging"
	"github.com/cfait/cfait/internal/storage"
	"github.com/cfait/cfait/internal/task"
)

const (
	outerConcurrency  = 4 // calendars in parallel
	innerConcurrency  = 4 // multiget batches in parallel within a calendar
	multiGetBatchSize = 25
	defaultSoftDeadline = 120 * time.Second
)

// Notice is a user-visible, non-fatal event raised during a sync run —
// a conflict copy or a skipped unparseable resource — these raise a
// user-visible notice but sync continues.
type Notice struct {
	Kind         string // "conflict" or "skipped_resource"
	CalendarHref string
	UID          string
	Message      string
}

// Result summarizes one Run.
type Result struct {
	Notices []Notice
	Err     error // set when a phase aborted (transport/auth/cancellation)
}

// Synchronizer drives phase A (journal flush) and phase B (pull) against
// one CalDAV account and its local cache.
type Synchronizer struct {
	client       *caldav.Client
	store        *storage.Store
	softDeadline time.Duration
}

// New builds a Synchronizer over client and store, using the package's
// default 120s soft deadline.
func New(client *caldav.Client, store *storage.Store) *Synchronizer {
	return &Synchronizer{client: client, store: store, softDeadline: defaultSoftDeadline}
}

// Run executes phase A then phase B. ctx is wrapped with the soft
// deadline; cancellation (caller or deadline) is checked between HTTP
// operations and between calendar batches, leaving the cache consistent
// at every interruption point.
func (s *Synchronizer) Run(ctx context.Context, calendars []task.Calendar) Result {
	ctx, cancel := context.WithTimeout(ctx, s.softDeadline)
	defer cancel()

	var notices []Notice
	notices = append(notices, s.flushJournal(ctx)...)

	if err := ctx.Err(); err != nil {
		return Result{Notices: notices, Err: apperrors.Cancelled()}
	}

	pullNotices, err := s.pull(ctx, calendars)
	notices = append(notices, pullNotices...)
	return Result{Notices: notices, Err: err}
}

// --- Phase A: journal flush ------------------------------------------------

func (s *Synchronizer) flushJournal(ctx context.Context) []Notice {
	var notices []Notice
	for _, rec := range s.store.Pending() {
		if err := ctx.Err(); err != nil {
			break
		}
		switch rec.Kind {
		case storage.KindPut:
			notices = append(notices, s.flushPut(ctx, rec)...)
		case storage.KindDelete:
			s.flushDelete(ctx, rec)
		}
	}
	return notices
}

func resourceHref(calendarHref, uid string) string {
	return strings.TrimSuffix(calendarHref, "/") + "/" + uid + ".ics"
}

func (s *Synchronizer) flushPut(ctx context.Context, rec storage.Record) []Notice {
	t, err := s.store.ReadTask(rec.CalendarHref, rec.UID)
	if err != nil {
		logging.Get().Warn().Err(err).Str("uid", rec.UID).Msg("journal flush: cached task missing, dropping pending put")
		s.store.Resolve(rec.CalendarHref, rec.UID)
		return nil
	}
	href := t.Href
	if href == "" {
		href = resourceHref(rec.CalendarHref, rec.UID)
	}

	etag, putErr := s.client.Put(ctx, href, rec.Body, rec.ETag)
	switch {
	case putErr == nil:
		t.Href = href
		t.ETag = etag
		if err := s.store.WriteTask(t); err != nil {
			logging.Get().Error().Err(err).Msg("journal flush: failed to record assigned etag")
		}
		s.store.Resolve(rec.CalendarHref, rec.UID)
		return nil

	case apperrors.IsKind(putErr, apperrors.KindPreconditionFailed) && rec.ETag == "":
		// Create collision: someone already created this UID server-side.
		// Treated as an update against the currently-known ETag (re-GET
		// first): a single retry, not a full 3-way merge, since there is no
		// locally-known base to merge against.
		_, freshETag, getErr := s.client.Get(ctx, href)
		if getErr != nil {
			logging.Get().Error().Err(getErr).Str("uid", rec.UID).Msg("journal flush: re-GET after create collision failed")
			return nil
		}
		if newETag, err := s.client.Put(ctx, href, rec.Body, freshETag); err == nil {
			t.Href = href
			t.ETag = newETag
			_ = s.store.WriteTask(t)
			s.store.Resolve(rec.CalendarHref, rec.UID)
		} else {
			logging.Get().Error().Err(err).Str("uid", rec.UID).Msg("journal flush: update-after-collision put failed")
		}
		return nil

	case apperrors.IsKind(putErr, apperrors.KindPreconditionFailed):
		return s.resolveConflict(ctx, rec, t, href, 0)

	default:
		logging.Get().Error().Err(putErr).Str("uid", rec.UID).Msg("journal flush: put failed, leaving entry pending")
		return nil
	}
}

// resolveConflict implements the 3-way merge on 412. depth bounds
// recursion to a single extra retry before escalating.
func (s *Synchronizer) resolveConflict(ctx context.Context, rec storage.Record, local *task.Task, href string, depth int) []Notice {
	remoteBody, remoteETag, err := s.client.Get(ctx, href)
	if err != nil {
		logging.Get().Error().Err(err).Str("uid", rec.UID).Msg("conflict resolution: re-GET failed, leaving entry pending")
		return nil
	}
	remote, err := ical.Parse(remoteBody)
	if err != nil {
		logging.Get().Warn().Err(err).Str("uid", rec.UID).Msg("conflict resolution: remote body unparseable, deferring to remote as-is")
		return nil
	}
	remote.UID = local.UID
	remote.CalendarHref = rec.CalendarHref
	remote.Href = href
	remote.ETag = remoteETag

	base := remote // no recorded base: fall back to remote, which degrades to "remote wins" rather than a real merge
	if rec.Base != "" {
		if b, err := ical.Parse(rec.Base); err == nil {
			base = b
		}
	}

	merged, conflict := threeWayMerge(base, local, remote)
	merged.UID = local.UID
	merged.CalendarHref = rec.CalendarHref
	merged.Href = href

	var notices []Notice
	if conflict {
		cp := conflictCopy(remote)
		if err := s.store.WriteTask(cp); err != nil {
			logging.Get().Error().Err(err).Msg("conflict resolution: failed to cache conflict copy")
		} else if _, err := s.store.Append(storage.Record{
			Kind: storage.KindPut, CalendarHref: rec.CalendarHref, UID: cp.UID, Body: ical.Emit(cp),
		}); err != nil {
			logging.Get().Error().Err(err).Msg("conflict resolution: failed to queue conflict copy")
		}
		notices = append(notices, Notice{
			Kind: "conflict", CalendarHref: rec.CalendarHref, UID: rec.UID,
			Message: fmt.Sprintf("merge conflict on %q: kept your version, filed the server's as a copy", local.Summary),
		})
	}

	body := ical.Emit(merged)
	etag, err := s.client.Put(ctx, href, body, remoteETag)
	switch {
	case err == nil:
		merged.ETag = etag
		if err := s.store.WriteTask(merged); err != nil {
			logging.Get().Error().Err(err).Msg("conflict resolution: failed to cache merged task")
		}
		s.store.Resolve(rec.CalendarHref, rec.UID)
	case apperrors.IsKind(err, apperrors.KindPreconditionFailed) && depth < 1:
		return append(notices, s.resolveConflict(ctx, rec, merged, href, depth+1)...)
	default:
		logging.Get().Error().Err(err).Str("uid", rec.UID).Msg("conflict resolution: retry put failed, escalating to precondition-failed")
	}
	return notices
}

func conflictCopy(remote *task.Task) *task.Task {
	cp := *remote
	cp.UID = uuid.NewString()
	cp.Href = ""
	cp.ETag = ""
	cp.Summary = "[conflict] " + remote.Summary
	return &cp
}

func (s *Synchronizer) flushDelete(ctx context.Context, rec storage.Record) {
	href := resourceHref(rec.CalendarHref, rec.UID)
	if t, err := s.store.ReadTask(rec.CalendarHref, rec.UID); err == nil && t.Href != "" {
		href = t.Href
	}

	err := s.client.Delete(ctx, href, rec.ETag)
	switch {
	case err == nil:
		_ = s.store.DeleteTask(rec.CalendarHref, rec.UID)
		s.store.Resolve(rec.CalendarHref, rec.UID)

	case apperrors.IsKind(err, apperrors.KindPreconditionFailed):
		remoteBody, remoteETag, getErr := s.client.Get(ctx, href)
		if getErr != nil {
			logging.Get().Error().Err(getErr).Str("uid", rec.UID).Msg("delete flush: re-GET after 412 failed, leaving entry pending")
			return
		}
		if remote, parseErr := ical.Parse(remoteBody); parseErr == nil && rec.Base != "" {
			if base, baseErr := ical.Parse(rec.Base); baseErr == nil && remote.LastModified.After(base.LastModified) {
				// Remote changed materially since our base: the delete no
				// longer reflects the author's intent, so keep the server
				// copy rather than discard someone else's edit.
				logging.Get().Warn().Str("uid", rec.UID).Msg("delete flush: remote changed since base, abandoning local delete")
				s.store.Resolve(rec.CalendarHref, rec.UID)
				return
			}
		}
		if retryErr := s.client.Delete(ctx, href, remoteETag); retryErr == nil {
			_ = s.store.DeleteTask(rec.CalendarHref, rec.UID)
			s.store.Resolve(rec.CalendarHref, rec.UID)
		} else {
			logging.Get().Error().Err(retryErr).Str("uid", rec.UID).Msg("delete flush: retry with fresh etag failed")
		}

	default:
		logging.Get().Error().Err(err).Str("uid", rec.UID).Msg("delete flush: delete failed, leaving entry pending")
	}
}

// --- Phase B: pull ----------------------------------------------------------

func (s *Synchronizer) pull(ctx context.Context, calendars []task.Calendar) ([]Notice, error) {
	var mu sync.Mutex
	var notices []Notice

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(outerConcurrency)

	for _, cal := range calendars {
		cal := cal
		if cal.Disabled || cal.IsLocal {
			continue
		}
		g.Go(func() error {
			ns, err := s.pullCalendar(gctx, cal)
			mu.Lock()
			notices = append(notices, ns...)
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return notices, err
}

func (s *Synchronizer) pullCalendar(ctx context.Context, cal task.Calendar) ([]Notice, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled()
	}

	meta, err := s.store.LoadMeta()
	if err != nil {
		return nil, err
	}
	calMeta := meta.Calendars[cal.Href]

	pendingUIDs := map[string]bool{}
	hasPending := false
	for _, rec := range s.store.Pending() {
		if rec.CalendarHref == cal.Href {
			hasPending = true
			pendingUIDs[rec.UID] = true
		}
	}

	ctag, err := s.client.FetchCTag(ctx, cal.Href)
	if err != nil {
		return nil, err
	}
	if ctag == calMeta.CTag && !hasPending {
		return nil, nil // unchanged since the last pull and nothing pending
	}

	refs, err := s.client.ListResources(ctx, cal.Href)
	if err != nil {
		return nil, err
	}

	cached, err := s.store.LoadCalendarTasks(cal.Href)
	if err != nil {
		return nil, err
	}
	cachedByHref := map[string]*task.Task{}
	for _, t := range cached {
		if t.Href != "" {
			cachedByHref[t.Href] = t
		}
	}

	var toFetch []string
	remoteHrefSet := map[string]bool{}
	for _, ref := range refs {
		remoteHrefSet[ref.Href] = true
		if existing, ok := cachedByHref[ref.Href]; !ok || existing.ETag != ref.ETag {
			toFetch = append(toFetch, ref.Href)
		}
	}

	var notices []Notice
	if len(toFetch) > 0 {
		fetched, err := s.boundedMultiGet(ctx, cal.Href, toFetch)
		if err != nil {
			return notices, err
		}
		for _, raw := range fetched {
			t, parseErr := ical.Parse(raw.Body)
			if parseErr != nil {
				logging.Get().Warn().Err(parseErr).Str("href", raw.Href).Msg("pull: skipping unparseable resource")
				notices = append(notices, Notice{
					Kind: "skipped_resource", CalendarHref: cal.Href,
					Message: fmt.Sprintf("skipped unreadable resource %s: %v", raw.Href, parseErr),
				})
				continue
			}
			if pendingUIDs[t.UID] {
				// A pull never clobbers a UID with an unresolved local op.
				continue
			}
			t.CalendarHref = cal.Href
			t.Href = raw.Href
			t.ETag = raw.ETag
			if err := s.store.WriteTask(t); err != nil {
				return notices, err
			}
		}
	}

	for _, t := range cached {
		if t.Href == "" || remoteHrefSet[t.Href] || pendingUIDs[t.UID] {
			continue
		}
		_ = s.store.DeleteTask(cal.Href, t.UID)
	}

	calMeta.CTag = ctag
	calMeta.DisplayName = cal.DisplayName
	calMeta.Disabled = cal.Disabled
	calMeta.LastSync = timeNow()
	meta.Calendars[cal.Href] = calMeta
	if err := s.store.SaveMeta(meta); err != nil {
		return notices, err
	}

	return notices, nil
}

// timeNow exists so tests can be written without freezing package-level
// time; production callers get time.Now().
var timeNow = func() time.Time { return time.Now().UTC() }

func (s *Synchronizer) boundedMultiGet(ctx context.Context, calendarHref string, hrefs []string) ([]caldav.RawResource, error) {
	var batches [][]string
	for i := 0; i < len(hrefs); i += multiGetBatchSize {
		end := i + multiGetBatchSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		batches = append(batches, hrefs[i:end])
	}

	var mu sync.Mutex
	var out []caldav.RawResource
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(innerConcurrency)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			res, err := s.client.MultiGet(gctx, calendarHref, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, res...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
