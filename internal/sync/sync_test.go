package sync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cfait/cfait/internal/caldav"
	"github.com/cfait/cfait/internal/storage"
	"github.com/cfait/cfait/internal/task"
)

func vtodo(uid, summary, description string) string {
	return fmt.Sprintf("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VTODO\r\nUID:%s\r\nSUMMARY:%s\r\nDESCRIPTION:%s\r\nSTATUS:NEEDS-ACTION\r\nEND:VTODO\r\nEND:VCALENDAR\r\n", uid, summary, description)
}

// newHarness starts a mock CalDAV server and returns a Synchronizer wired
// to it, the calendar href the tests should use (baseURL, pointing at the
// mock server itself so requests actually land on handler), the
// underlying Store, and a cleanup func.
func newHarness(t *testing.T, handler http.HandlerFunc) (synchronizer *Synchronizer, st *storage.Store, calHref string, closeFn func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	calHref = srv.URL + "/cal/"
	client := caldav.New(caldav.Config{URL: calHref, Username: "alice", Password: "secret"}, nil)
	s, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	return New(client, s), s, calHref, func() { srv.Close(); _ = s.Close() }
}

// routedHandler lets each test register per-method handlers keyed by HTTP
// method, mirroring how a real CalDAV server dispatches PROPFIND/REPORT/
// PUT/DELETE/GET against the same collection URL.
type routedHandler struct {
	mu  sync.Mutex
	fns map[string]http.HandlerFunc
}

func newRouted() *routedHandler {
	return &routedHandler{fns: map[string]http.HandlerFunc{}}
}

func (r *routedHandler) on(method string, fn http.HandlerFunc) *routedHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[method] = fn
	return r
}

func (r *routedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	fn, ok := r.fns[req.Method]
	r.mu.Unlock()
	if ok {
		fn(w, req)
		return
	}
	w.WriteHeader(http.StatusNotImplemented)
}

func TestFlushPutCreateAssignsETag(t *testing.T) {
	routed := newRouted().on("PUT", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "*" {
			t.Errorf("If-None-Match = %q, want *", r.Header.Get("If-None-Match"))
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusCreated)
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	tsk := &task.Task{UID: "a", Summary: "Buy milk", CalendarHref: calHref}
	if err := st.WriteTask(tsk); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}
	if _, err := st.Append(storage.Record{Kind: storage.KindPut, CalendarHref: calHref, UID: "a", Body: vtodo("a", "Buy milk", "")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	s.flushJournal(context.Background())

	if pending := st.Pending(); len(pending) != 0 {
		t.Errorf("Pending() after flush = %v, want empty", pending)
	}
	got, err := st.ReadTask(calHref, "a")
	if err != nil {
		t.Fatalf("ReadTask() error = %v", err)
	}
	if got.ETag != `"v1"` {
		t.Errorf("ETag = %q, want v1", got.ETag)
	}
}

func TestFlushDeleteTreats404AsResolved(t *testing.T) {
	routed := newRouted().on("DELETE", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	if _, err := st.Append(storage.Record{Kind: storage.KindDelete, CalendarHref: calHref, UID: "gone", ETag: `"x"`}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	s.flushJournal(context.Background())

	if pending := st.Pending(); len(pending) != 0 {
		t.Errorf("Pending() = %v, want empty", pending)
	}
}

func TestFlushPutPreconditionFailedNonConflictingFieldsMerge(t *testing.T) {
	remoteBody := vtodo("a", "Buy milk", "from the corner store")
	var putCount int
	routed := newRouted()
	routed.on("PUT", func(w http.ResponseWriter, r *http.Request) {
		putCount++
		if putCount == 1 {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusNoContent)
	})
	routed.on("GET", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"remote-etag"`)
		_, _ = w.Write([]byte(remoteBody))
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	href := calHref + "a.ics"
	base := vtodo("a", "Buy milk", "")
	local := &task.Task{UID: "a", Summary: "Buy milk and eggs", CalendarHref: calHref, Href: href, ETag: `"old"`}
	if err := st.WriteTask(local); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}
	if _, err := st.Append(storage.Record{
		Kind: storage.KindPut, CalendarHref: calHref, UID: "a",
		Body: vtodo("a", "Buy milk and eggs", ""), ETag: `"old"`, Base: base,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	s.flushJournal(context.Background())

	if pending := st.Pending(); len(pending) != 0 {
		t.Errorf("Pending() = %v, want empty (no real conflict, should resolve)", pending)
	}
	got, err := st.ReadTask(calHref, "a")
	if err != nil {
		t.Fatalf("ReadTask() error = %v", err)
	}
	if got.Summary != "Buy milk and eggs" {
		t.Errorf("Summary = %q, want local edit to survive (only local changed it)", got.Summary)
	}
	if got.Description != "from the corner store" {
		t.Errorf("Description = %q, want remote edit to survive (only remote changed it)", got.Description)
	}
}

func TestFlushPutRealConflictQueuesConflictCopy(t *testing.T) {
	remoteBody := vtodo("a", "Buy bread", "")
	var putCount int
	routed := newRouted()
	routed.on("PUT", func(w http.ResponseWriter, r *http.Request) {
		putCount++
		if putCount == 1 {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", `"merged"`)
		w.WriteHeader(http.StatusNoContent)
	})
	routed.on("GET", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"remote-etag"`)
		_, _ = w.Write([]byte(remoteBody))
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	href := calHref + "a.ics"
	base := vtodo("a", "Buy milk", "")
	local := &task.Task{UID: "a", Summary: "Buy milk and eggs", CalendarHref: calHref, Href: href, ETag: `"old"`}
	if err := st.WriteTask(local); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}
	if _, err := st.Append(storage.Record{
		Kind: storage.KindPut, CalendarHref: calHref, UID: "a",
		Body: vtodo("a", "Buy milk and eggs", ""), ETag: `"old"`, Base: base,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	notices := s.flushJournal(context.Background())

	var conflictNotice *Notice
	for i := range notices {
		if notices[i].Kind == "conflict" {
			conflictNotice = &notices[i]
		}
	}
	if conflictNotice == nil {
		t.Fatalf("notices = %v, want a conflict notice", notices)
	}

	pending := st.Pending()
	if len(pending) != 1 {
		t.Fatalf("Pending() after conflict = %v, want exactly one queued conflict-copy put", pending)
	}
	if pending[0].UID == "a" {
		t.Errorf("conflict copy reused original UID %q, want a freshly minted one", pending[0].UID)
	}
	if !strings.Contains(pending[0].Body, "Buy bread") {
		t.Errorf("conflict copy body = %q, want it to carry the remote version", pending[0].Body)
	}
}

func TestPullSkipsCalendarWhenCTagUnchanged(t *testing.T) {
	routed := newRouted()
	var reportCalled bool
	routed.on("PROPFIND", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
<d:response><d:href>/cal/</d:href><d:propstat><d:prop><cs:getctag>same-ctag</cs:getctag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
</d:multistatus>`))
	})
	routed.on("REPORT", func(w http.ResponseWriter, r *http.Request) {
		reportCalled = true
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`))
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	meta, err := st.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	meta.Calendars[calHref] = storage.CalendarMeta{CTag: "same-ctag"}
	if err := st.SaveMeta(meta); err != nil {
		t.Fatalf("SaveMeta() error = %v", err)
	}

	notices, err := s.pull(context.Background(), []task.Calendar{{Href: calHref, DisplayName: "Tasks"}})
	if err != nil {
		t.Fatalf("pull() error = %v", err)
	}
	if len(notices) != 0 {
		t.Errorf("notices = %v, want none", notices)
	}
	if reportCalled {
		t.Error("REPORT was called despite unchanged CTag and no pending ops")
	}
}

func TestPullFetchesNewResourceAndEvictsRemoved(t *testing.T) {
	routed := newRouted()
	routed.on("PROPFIND", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
<d:response><d:href>/cal/</d:href><d:propstat><d:prop><cs:getctag>new-ctag</cs:getctag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
</d:multistatus>`))
	})
	routed.on("REPORT", func(w http.ResponseWriter, r *http.Request) {
		body := string(mustReadBody(r))
		if strings.Contains(body, "calendar-multiget") {
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
<d:response><d:href>/cal/new.ics</d:href><d:propstat><d:prop><d:getetag>"e1"</d:getetag><cal:calendar-data>` + xmlSafe(vtodo("new-uid", "New task", "")) + `</cal:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
</d:multistatus>`))
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"><d:response><d:href>/cal/new.ics</d:href><d:propstat><d:prop><d:getetag>"e1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response></d:multistatus>`))
	})
	s, st, calHref, closeFn := newHarness(t, routed.ServeHTTP)
	defer closeFn()

	stale := &task.Task{UID: "stale-uid", Summary: "Stale", CalendarHref: calHref, Href: calHref + "stale.ics", ETag: `"old"`}
	if err := st.WriteTask(stale); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}

	notices, err := s.pull(context.Background(), []task.Calendar{{Href: calHref, DisplayName: "Tasks"}})
	if err != nil {
		t.Fatalf("pull() error = %v", err)
	}
	if len(notices) != 0 {
		t.Errorf("notices = %v, want none", notices)
	}

	tasks, err := st.LoadCalendarTasks(calHref)
	if err != nil {
		t.Fatalf("LoadCalendarTasks() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].UID != "new-uid" {
		t.Errorf("tasks = %v, want exactly [new-uid] (stale evicted, new fetched)", tasks)
	}
}

func mustReadBody(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}

func xmlSafe(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
