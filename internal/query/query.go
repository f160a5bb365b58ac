// Package query implements the search grammar and total sort order used to
// produce a task list view. A parsed query extracts a field value from a
// task and compares it against a typed filter value by operator, following
// a fixed, order-sensitive grammar rather than arbitrary field/operator/
// value triples.
package query

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/task"
)

// Op is a relational operator for priority/duration/due filters.
type Op string

const (
	OpLess    Op = "<"
	OpLessEq  Op = "<="
	OpGreater Op = ">"
	OpGreaterEq Op = ">="
	OpEqual   Op = "="
)

// RelFilter is one `!OP N`, `~OP X`, or `@OP X` relational term.
type RelFilter struct {
	Op    Op
	Int   int           // for priority
	Dur   time.Duration // for duration
	Due   *task.DateValue
}

// Query is a parsed search-box expression: every term is ANDed.
type Query struct {
	TextTerms []string // lowercased substrings, each required in summary or description
	Tags      []string // lowercased, each required
	Status    string   // "done", "ongoing", "active", or ""
	Priority  *RelFilter
	Duration  *RelFilter
	Due       *RelFilter
}

var relTermPattern = regexp.MustCompile(`^([!~@])(<=|>=|<|>|=)(.+)$`)

// Parse parses raw into a Query. now anchors relative due-date terms
// (today, Nd, Nw).
func Parse(raw string, now time.Time) (*Query, error) {
	q := &Query{}
	for _, term := range strings.Fields(raw) {
		switch {
		case strings.HasPrefix(term, "#"):
			tag := strings.ToLower(strings.TrimPrefix(term, "#"))
			if tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		case strings.HasPrefix(term, "is:"):
			q.Status = strings.ToLower(strings.TrimPrefix(term, "is:"))
		default:
			if m := relTermPattern.FindStringSubmatch(term); m != nil {
				filter, err := parseRelFilter(m[1], Op(m[2]), m[3], now)
				if err != nil {
					return nil, err
				}
				switch m[1] {
				case "!":
					q.Priority = filter
				case "~":
					q.Duration = filter
				case "@":
					q.Due = filter
				}
				continue
			}
			q.TextTerms = append(q.TextTerms, strings.ToLower(term))
		}
	}
	return q, nil
}

func parseRelFilter(marker string, op Op, value string, now time.Time) (*RelFilter, error) {
	switch op {
	case OpLess, OpLessEq, OpGreater, OpGreaterEq, OpEqual:
	default:
		return nil, apperrors.InvalidInput("unknown relational operator %q", op)
	}

	switch marker {
	case "!":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid priority filter value %q: %v", value, err)
		}
		return &RelFilter{Op: op, Int: n}, nil
	case "~":
		d, err := parseDurationLiteral(value)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid duration filter value %q: %v", value, err)
		}
		return &RelFilter{Op: op, Dur: d}, nil
	case "@":
		dv, err := parseDueLiteral(value, now)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid due filter value %q: %v", value, err)
		}
		return &RelFilter{Op: op, Due: dv}, nil
	default:
		return nil, apperrors.InvalidInput("unknown filter marker %q", marker)
	}
}

var durationLiteralPattern = regexp.MustCompile(`^(\d+)(m|min|h|d)$`)

func parseDurationLiteral(value string) (time.Duration, error) {
	m := durationLiteralPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, apperrors.InvalidInput("invalid duration literal %q", value)
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "m", "min":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, apperrors.InvalidInput("invalid duration unit %q", m[2])
	}
}

var dueOffsetPattern = regexp.MustCompile(`^(\d+)(d|w)$`)

func parseDueLiteral(value string, now time.Time) (*task.DateValue, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch value {
	case "today":
		return &task.DateValue{Time: day, AllDay: true}, nil
	}
	if m := dueOffsetPattern.FindStringSubmatch(value); m != nil {
		n, _ := strconv.Atoi(m[1])
		if m[2] == "w" {
			n *= 7
		}
		return &task.DateValue{Time: day.AddDate(0, 0, n), AllDay: true}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return &task.DateValue{Time: t, AllDay: true}, nil
	}
	return nil, apperrors.InvalidInput("unrecognized due literal %q", value)
}

// Matches reports whether t satisfies every term in q (AND semantics).
func Matches(t *task.Task, q *Query) bool {
	for _, term := range q.TextTerms {
		if !strings.Contains(strings.ToLower(t.Summary), term) &&
			!strings.Contains(strings.ToLower(t.Description), term) {
			return false
		}
	}
	for _, tag := range q.Tags {
		if !hasTag(t, tag) {
			return false
		}
	}
	if q.Status != "" && !matchesStatus(t, q.Status) {
		return false
	}
	if q.Priority != nil && !compareInt(t.EffectivePriority(), q.Priority.Op, q.Priority.Int) {
		return false
	}
	if q.Duration != nil {
		if t.Duration == nil {
			return false
		}
		if !compareDuration(*t.Duration, q.Duration.Op, q.Duration.Dur) {
			return false
		}
	}
	if q.Due != nil {
		if t.Due == nil {
			return false
		}
		if !compareDate(*t.Due, q.Due.Op, *q.Due.Due) {
			return false
		}
	}
	return true
}

func hasTag(t *task.Task, tag string) bool {
	for _, candidate := range t.Tags {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

func matchesStatus(t *task.Task, status string) bool {
	switch status {
	case "done":
		return t.IsDone()
	case "active":
		return !t.IsDone()
	case "ongoing":
		return t.Status == task.StatusInProcess
	default:
		return true
	}
}

// MatchSidebarTags applies the sidebar tag filter: with mode "AND" the task
// must carry every tag; with "OR" (or anything
// else) it must carry at least one. An empty tags list always matches.
func MatchSidebarTags(t *task.Task, tags []string, mode string) bool {
	if len(tags) == 0 {
		return true
	}
	if strings.EqualFold(mode, "AND") {
		for _, tag := range tags {
			if !hasTag(t, tag) {
				return false
			}
		}
		return true
	}
	for _, tag := range tags {
		if hasTag(t, tag) {
			return true
		}
	}
	return false
}

func compareInt(a int, op Op, b int) bool {
	switch op {
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	case OpEqual:
		return a == b
	default:
		return false
	}
}

func compareDuration(a time.Duration, op Op, b time.Duration) bool {
	switch op {
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	case OpEqual:
		return a == b
	default:
		return false
	}
}

func compareDate(a task.DateValue, op Op, b task.DateValue) bool {
	switch op {
	case OpLess:
		return a.Before(b)
	case OpLessEq:
		return a.Before(b) || sameDay(a, b)
	case OpGreater:
		return b.Before(a)
	case OpGreaterEq:
		return b.Before(a) || sameDay(a, b)
	case OpEqual:
		return sameDay(a, b)
	default:
		return false
	}
}

func sameDay(a, b task.DateValue) bool {
	return !a.Before(b) && !b.Before(a)
}

// Filter returns the subset of tasks matching q.
func Filter(tasks []*task.Task, q *Query) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if Matches(t, q) {
			out = append(out, t)
		}
	}
	return out
}

// Sort orders tasks by a total, stable order:
//  1. status bucket (InProcess < NeedsAction < done)
//  2. scheduled bucket (start-in-future pushed to the end)
//  3. due bucket (near/overdue first; beyond cutoffMonths or unset is "far",
//     ordered only by priority within that bucket)
//  4. priority ascending
//  5. summary lexicographic
//
// Ties are broken by UID so the order is total.
func Sort(tasks []*task.Task, cutoffMonths int, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return less(tasks[i], tasks[j], cutoffMonths, now)
	})
}

func less(a, b *task.Task, cutoffMonths int, now time.Time) bool {
	if sb1, sb2 := statusBucket(a), statusBucket(b); sb1 != sb2 {
		return sb1 < sb2
	}
	if sc1, sc2 := scheduledBucket(a, now), scheduledBucket(b, now); sc1 != sc2 {
		return sc1 < sc2
	}
	fb1, due1, far1 := dueBucket(a, cutoffMonths, now)
	fb2, due2, far2 := dueBucket(b, cutoffMonths, now)
	if fb1 != fb2 {
		return fb1 < fb2
	}
	if !far1 && !far2 && !due1.Equal(due2) {
		return due1.Before(due2)
	}
	if p1, p2 := a.EffectivePriority(), b.EffectivePriority(); p1 != p2 {
		return p1 < p2
	}
	if a.Summary != b.Summary {
		return a.Summary < b.Summary
	}
	return a.UID < b.UID
}

func statusBucket(t *task.Task) int {
	switch t.Status {
	case task.StatusInProcess:
		return 0
	case task.StatusNeedsAction:
		return 1
	default:
		return 2
	}
}

func scheduledBucket(t *task.Task, now time.Time) int {
	if t.Start == nil {
		return 0
	}
	if t.Start.Before(task.DateValue{Time: now}) {
		return 0
	}
	return 1
}

// dueBucket returns (farBucket, dueTime, isFar). farBucket is 0 for
// near/overdue tasks sorted by due time, 1 for tasks with no due date or a
// due date beyond cutoffMonths — sorted by priority alone.
func dueBucket(t *task.Task, cutoffMonths int, now time.Time) (int, time.Time, bool) {
	if t.Due == nil {
		return 1, time.Time{}, true
	}
	cutoff := now.AddDate(0, cutoffMonths, 0)
	if t.Due.Time.After(cutoff) {
		return 1, time.Time{}, true
	}
	return 0, t.Due.Time, false
}
