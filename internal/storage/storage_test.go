package storage

import (
	"path/filepath"
	"testing"

	"github.com/cfait/cfait/internal/task"
)

func mustOpen(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestOpenSecondProcessFailsWithLockBusy(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	defer func() { _ = s1.Close() }()

	_, err = Open(dir)
	if err == nil {
		t.Fatal("second Open() succeeded, want lock busy")
	}
}

func TestWriteReadDeleteTaskRoundTrip(t *testing.T) {
	s, _ := mustOpen(t)

	tsk := &task.Task{UID: "uid-1", Summary: "Buy milk", CalendarHref: "https://dav.example.com/cal/"}
	if err := s.WriteTask(tsk); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}

	got, err := s.ReadTask(tsk.CalendarHref, tsk.UID)
	if err != nil {
		t.Fatalf("ReadTask() error = %v", err)
	}
	if got.Summary != "Buy milk" {
		t.Errorf("Summary = %q", got.Summary)
	}

	if err := s.DeleteTask(tsk.CalendarHref, tsk.UID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := s.ReadTask(tsk.CalendarHref, tsk.UID); err == nil {
		t.Fatal("ReadTask() after delete: expected error")
	}

	// Deleting an already-absent task is not an error.
	if err := s.DeleteTask(tsk.CalendarHref, tsk.UID); err != nil {
		t.Errorf("DeleteTask() on missing file: %v", err)
	}
}

func TestLocalCalendarUsesLocalDir(t *testing.T) {
	s, dir := mustOpen(t)

	tsk := &task.Task{UID: "local-1", Summary: "Water plants", CalendarHref: task.LocalHref}
	if err := s.WriteTask(tsk); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}

	want := filepath.Join(dir, "local", "local-1.ics")
	if _, err := s.ReadTask(task.LocalHref, "local-1"); err != nil {
		t.Fatalf("ReadTask() error = %v", err)
	}
	if s.calendarDir(task.LocalHref) != filepath.Join(dir, "local") {
		t.Errorf("calendarDir = %s, want %s", s.calendarDir(task.LocalHref), filepath.Dir(want))
	}
}

func TestLoadCalendarTasksSkipsUnparseable(t *testing.T) {
	s, dir := mustOpen(t)
	href := "https://dav.example.com/cal/"

	good := &task.Task{UID: "good", Summary: "Good task", CalendarHref: href}
	if err := s.WriteTask(good); err != nil {
		t.Fatalf("WriteTask() error = %v", err)
	}

	// Plant a corrupt file alongside it.
	if err := atomicWrite(filepath.Join(s.calendarDir(href), "bad.ics"), []byte("not a vcalendar")); err != nil {
		t.Fatalf("atomicWrite() error = %v", err)
	}
	_ = dir

	tasks, err := s.LoadCalendarTasks(href)
	if err != nil {
		t.Fatalf("LoadCalendarTasks() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].UID != "good" {
		t.Errorf("tasks = %v, want exactly [good]", tasks)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s, _ := mustOpen(t)

	m, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	m.Calendars["https://dav.example.com/cal/"] = CalendarMeta{DisplayName: "Tasks", CTag: "ctag-1"}
	if err := s.SaveMeta(m); err != nil {
		t.Fatalf("SaveMeta() error = %v", err)
	}

	reloaded, err := s.LoadMeta()
	if err != nil {
		t.Fatalf("LoadMeta() reload error = %v", err)
	}
	if reloaded.Calendars["https://dav.example.com/cal/"].DisplayName != "Tasks" {
		t.Errorf("meta = %+v", reloaded.Calendars)
	}
}

func TestJournalAppendAndPendingOrder(t *testing.T) {
	s, _ := mustOpen(t)

	r1, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "a", Body: "v1"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if r1.Seq != 0 {
		t.Errorf("first record Seq = %d, want 0", r1.Seq)
	}

	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "b", Body: "v1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// A second Put on "a" supersedes the first; order reflects first
	// occurrence, but the stored record is the latest body.
	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "a", Body: "v2"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("Pending() = %v, want 2 entries", pending)
	}
	if pending[0].UID != "a" || pending[0].Body != "v2" {
		t.Errorf("pending[0] = %+v, want UID=a Body=v2 (supersede keeps position, updates body)", pending[0])
	}
	if pending[1].UID != "b" {
		t.Errorf("pending[1] = %+v, want UID=b", pending[1])
	}
}

func TestJournalResolveRemovesFromPending(t *testing.T) {
	s, _ := mustOpen(t)
	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Resolve("cal", "a")
	if pending := s.Pending(); len(pending) != 0 {
		t.Errorf("Pending() after Resolve = %v, want empty", pending)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "a", Body: "v1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(Record{Kind: KindDelete, CalendarHref: "cal", UID: "b"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	pending := reopened.Pending()
	if len(pending) != 2 {
		t.Fatalf("Pending() after reopen = %v, want 2 entries", pending)
	}
}

func TestCompactDropsResolvedEntries(t *testing.T) {
	s, dir := mustOpen(t)
	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(Record{Kind: KindPut, CalendarHref: "cal", UID: "b"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	s.Resolve("cal", "a")
	if err := s.Compact(); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	_ = dir
	reopened, err := Open(s.dataDir)
	// Reopening while s still holds the lock must fail; close first.
	if err == nil {
		_ = reopened.Close()
		t.Fatal("expected lock busy before closing original store")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened2, err := Open(s.dataDir)
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	defer func() { _ = reopened2.Close() }()
	pending := reopened2.Pending()
	if len(pending) != 1 || pending[0].UID != "b" {
		t.Errorf("pending after compact = %v, want exactly [b]", pending)
	}
}
