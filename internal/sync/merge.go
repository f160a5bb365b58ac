package sync

import (
	"strings"
	"time"

	"github.com/cfait/cfait/internal/ical"
	"github.com/cfait/cfait/internal/task"
)

// threeWayMerge implements the per-property semantic merge. base is
// the cache body as of the ETag the in-flight edit was built against; local
// is the outgoing edit; remote is the current server body (re-fetched on
// 412). It returns the merged task and whether a real conflict (both sides
// changed the same field to different values) was found.
func threeWayMerge(base, local, remote *task.Task) (*task.Task, bool) {
	merged := *local
	var conflict bool
	note := func(c bool) { conflict = conflict || c }

	var c bool
	merged.Summary, c = pick(base.Summary, local.Summary, remote.Summary)
	note(c)
	merged.Description, c = pick(base.Description, local.Description, remote.Description)
	note(c)
	merged.Status, c = pick(base.Status, local.Status, remote.Status)
	note(c)
	merged.Priority, c = pick(base.Priority, local.Priority, remote.Priority)
	note(c)
	merged.PercentComplete, c = pick(base.PercentComplete, local.PercentComplete, remote.PercentComplete)
	note(c)
	merged.RRule, c = pick(base.RRule, local.RRule, remote.RRule)
	note(c)
	merged.ParentUID, c = pick(base.ParentUID, local.ParentUID, remote.ParentUID)
	note(c)

	merged.Due, c = pickDate(base.Due, local.Due, remote.Due)
	note(c)
	merged.Start, c = pickDate(base.Start, local.Start, remote.Start)
	note(c)
	merged.Duration, c = pickDuration(base.Duration, local.Duration, remote.Duration)
	note(c)
	merged.Completed, c = pickTime(base.Completed, local.Completed, remote.Completed)
	note(c)

	// EXDATE, RELATED-TO (DEPENDS-ON), and CATEGORIES always merge as a set
	// union regardless of base, rather than a conflict-detecting field (the
	// codec's own merge helpers implement the union itself; see internal/ical).
	merged.ExDates = ical.MergeExDates(local.ExDates, remote.ExDates)
	merged.DependsOn = unionStrings(local.DependsOn, remote.DependsOn)
	merged.Tags = ical.MergeTags(local.Tags, remote.Tags)

	merged.Preserved = mergePreserved(local.Preserved, remote.Preserved)

	return &merged, conflict
}

func pick[T comparable](base, local, remote T) (T, bool) {
	localChanged := local != base
	remoteChanged := remote != base
	switch {
	case localChanged:
		return local, remoteChanged && local != remote
	case remoteChanged:
		return remote, false
	default:
		return base, false
	}
}

func dateEqual(a, b *task.DateValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Time.Equal(b.Time) && a.AllDay == b.AllDay && a.UTC == b.UTC && a.TZID == b.TZID
}

func pickDate(base, local, remote *task.DateValue) (*task.DateValue, bool) {
	lc := !dateEqual(local, base)
	rc := !dateEqual(remote, base)
	switch {
	case lc:
		return local, rc && !dateEqual(local, remote)
	case rc:
		return remote, false
	default:
		return base, false
	}
}

func durationEqual(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func pickDuration(base, local, remote *time.Duration) (*time.Duration, bool) {
	lc := !durationEqual(local, base)
	rc := !durationEqual(remote, base)
	switch {
	case lc:
		return local, rc && !durationEqual(local, remote)
	case rc:
		return remote, false
	default:
		return base, false
	}
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func pickTime(base, local, remote *time.Time) (*time.Time, bool) {
	lc := !timeEqual(local, base)
	rc := !timeEqual(remote, base)
	switch {
	case lc:
		return local, rc && !timeEqual(local, remote)
	case rc:
		return remote, false
	default:
		return base, false
	}
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// preservedKey identifies an unknown preserved line by its scope and
// property name (everything before the first ':' or ';'), so two edits to
// the same X-property are recognized as touching "the same line" even if
// their values differ.
func preservedKey(pl task.PreservedLine) string {
	if idx := strings.IndexAny(pl.Raw, ":;"); idx >= 0 {
		return pl.Scope + "|" + pl.Raw[:idx]
	}
	return pl.Scope + "|" + pl.Raw
}

// mergePreserved unions unknown preserved lines from local and remote by
// line-identity. When both sides carry a differing line for the same key,
// remote wins verbatim, rather than fighting other clients over unknown
// ground; the local variant is only logged, not retained on the
// task, since Task has no diagnostic side-channel to carry it in.
func mergePreserved(local, remote []task.PreservedLine) []task.PreservedLine {
	localByKey := map[string]task.PreservedLine{}
	for _, pl := range local {
		localByKey[preservedKey(pl)] = pl
	}
	remoteByKey := map[string]task.PreservedLine{}
	for _, pl := range remote {
		remoteByKey[preservedKey(pl)] = pl
	}

	var order []string
	seen := map[string]bool{}
	for _, pl := range local {
		k := preservedKey(pl)
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	for _, pl := range remote {
		k := preservedKey(pl)
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	out := make([]task.PreservedLine, 0, len(order))
	for _, k := range order {
		if rv, ok := remoteByKey[k]; ok {
			out = append(out, rv)
			continue
		}
		out = append(out, localByKey[k])
	}
	return out
}
