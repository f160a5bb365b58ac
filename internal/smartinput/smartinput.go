// Package smartinput converts a single free-text line into structured task
// fields: summary, priority, due/start, estimated duration, recurrence,
// and tags. Tokens are recognized only at word boundaries and stripped
// from the residual summary, which has its whitespace collapsed.
//
// This generalizes the markdown task-line parser's approach (regex
// extraction of `!N`, `@date`, `#tag` with the matched span stripped from
// the summary) to the larger token grammar here, with the stricter
// word-boundary requirement the grammar calls for: every pattern is
// anchored to a leading/trailing run of whitespace (or string edge) so
// "foo#bar" does not accidentally yield a #bar tag.
package smartinput

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/task"
)

// Result is the structured output of Parse.
type Result struct {
	Summary  string
	Priority int // 0 means unset
	Due      *task.DateValue
	Start    *task.DateValue
	Duration *time.Duration
	RRule    string
	Tags     []string
}

// TagExpander expands a tag through the config's alias table; pass
// config.Config.ExpandTags, or a func returning []string{tag} to disable
// expansion.
type TagExpander func(tag string) []string

var (
	priorityRe = boundary(`!([1-9])`)
	dueAtRe    = boundary(`@(today|tomorrow)`)
	dueNextRe  = boundary(`@next\s+(week|month|year)`)
	dueAbsRe   = boundary(`@(\d{4}-\d{2}-\d{2})`)
	dueRelRe   = boundary(`@(\d+)(d|w)`)
	dueFieldRe = boundary(`due:(\S+)`)
	startFieldRe = boundary(`start:(\S+)`)
	startHatRe   = boundary(`\^(\S+)`)
	durationRe   = boundary(`~(\d+)(min|h|d|m)`)
	recSimpleRe  = boundary(`rec:(daily|weekly|monthly|yearly)`)
	recEveryRe   = boundary(`rec:every\s+(\d+)\s+(day|days|week|weeks|month|months|year|years)`)
	atEveryRe    = boundary(`@every\s+(\d+)\s+(day|days|week|weeks|month|months|year|years)`)
	tagRe        = boundary(`#(\w+)`)
)

// boundary wraps body so it only matches a field-like token delimited by
// whitespace or the start/end of the string — RE2 has no lookaround, so the
// boundary characters are consumed and the caller must splice in a single
// separating space in their place.
func boundary(body string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\s)(?:` + body + `)(?:\s|$)`)
}

// extractOne removes the first match of re from s, returning the inner
// submatches (group 1, group 2, ...) and the residual string. found is
// false if re did not match.
func extractOne(s string, re *regexp.Regexp) (groups []string, rest string, found bool) {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil, s, false
	}
	// loc[0:2] is the whole match (including consumed boundary chars);
	// loc[2:] are the capture groups, offset pairs into s, -1 if unmatched.
	for i := 2; i < len(loc); i += 2 {
		if loc[i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, s[loc[i]:loc[i+1]])
	}
	rest = s[:loc[0]] + " " + s[loc[1]:]
	return groups, rest, true
}

// extractAll repeatedly removes matches of re (used for repeatable tokens
// like #tag), calling apply for each match's groups.
func extractAll(s string, re *regexp.Regexp, apply func(groups []string)) string {
	for {
		groups, rest, found := extractOne(s, re)
		if !found {
			return rest
		}
		apply(groups)
		s = rest
	}
}

// Parse extracts every recognized token from text, returning the residual
// summary and the structured fields. now anchors relative dates
// (today/tomorrow/next X/Nd/Nw); expand resolves a raw #tag through
// configured aliases (pass nil to disable expansion).
func Parse(text string, now time.Time, expand TagExpander) (Result, error) {
	if expand == nil {
		expand = func(tag string) []string { return []string{tag} }
	}
	var r Result
	s := text

	if groups, rest, ok := extractOne(s, priorityRe); ok {
		p, _ := strconv.Atoi(groups[0])
		r.Priority = p
		s = rest
	}

	// Due: try the most specific forms first so "@next week" isn't
	// swallowed by a looser pattern.
	dueSet := false
	if groups, rest, ok := extractOne(s, dueNextRe); ok {
		dv, err := relativeDue(now, "next-"+groups[0])
		if err != nil {
			return Result{}, err
		}
		r.Due = dv
		dueSet = true
		s = rest
	}
	if !dueSet {
		if groups, rest, ok := extractOne(s, dueAtRe); ok {
			dv, err := relativeDue(now, groups[0])
			if err != nil {
				return Result{}, err
			}
			r.Due = dv
			dueSet = true
			s = rest
		}
	}
	if !dueSet {
		if groups, rest, ok := extractOne(s, dueAbsRe); ok {
			dv, err := absoluteDue(groups[0])
			if err != nil {
				return Result{}, err
			}
			r.Due = dv
			dueSet = true
			s = rest
		}
	}
	if !dueSet {
		if groups, rest, ok := extractOne(s, dueRelRe); ok {
			dv, err := offsetDue(now, groups[0], groups[1])
			if err != nil {
				return Result{}, err
			}
			r.Due = dv
			dueSet = true
			s = rest
		}
	}
	if !dueSet {
		if groups, rest, ok := extractOne(s, dueFieldRe); ok {
			dv, err := parseDueExpr(now, groups[0])
			if err != nil {
				return Result{}, err
			}
			r.Due = dv
			s = rest
		}
	}

	if groups, rest, ok := extractOne(s, startFieldRe); ok {
		dv, err := parseDueExpr(now, groups[0])
		if err != nil {
			return Result{}, err
		}
		r.Start = dv
		s = rest
	} else if groups, rest, ok := extractOne(s, startHatRe); ok {
		dv, err := parseDueExpr(now, groups[0])
		if err != nil {
			return Result{}, err
		}
		r.Start = dv
		s = rest
	}

	if groups, rest, ok := extractOne(s, durationRe); ok {
		d, err := parseDurationToken(groups[0], groups[1])
		if err != nil {
			return Result{}, err
		}
		r.Duration = &d
		s = rest
	}

	if groups, rest, ok := extractOne(s, recEveryRe); ok {
		rule, err := everyRRule(groups[0], groups[1])
		if err != nil {
			return Result{}, err
		}
		r.RRule = rule
		s = rest
	} else if groups, rest, ok := extractOne(s, atEveryRe); ok {
		rule, err := everyRRule(groups[0], groups[1])
		if err != nil {
			return Result{}, err
		}
		r.RRule = rule
		s = rest
	} else if groups, rest, ok := extractOne(s, recSimpleRe); ok {
		r.RRule = "FREQ=" + strings.ToUpper(groups[0])
		if _, err := rrule.StrToRRule(r.RRule); err != nil {
			return Result{}, apperrors.InvalidInput("invalid recurrence %q: %v", r.RRule, err)
		}
		s = rest
	}

	s = extractAll(s, tagRe, func(groups []string) {
		r.Tags = append(r.Tags, expand(groups[0])...)
	})

	r.Summary = strings.Join(strings.Fields(s), " ")
	return r, nil
}

func relativeDue(now time.Time, keyword string) (*task.DateValue, error) {
	day := truncateDay(now)
	switch keyword {
	case "today":
		return &task.DateValue{Time: day, AllDay: true}, nil
	case "tomorrow":
		return &task.DateValue{Time: day.AddDate(0, 0, 1), AllDay: true}, nil
	case "next-week":
		return &task.DateValue{Time: day.AddDate(0, 0, 7), AllDay: true}, nil
	case "next-month":
		return &task.DateValue{Time: day.AddDate(0, 1, 0), AllDay: true}, nil
	case "next-year":
		return &task.DateValue{Time: day.AddDate(1, 0, 0), AllDay: true}, nil
	default:
		return nil, apperrors.InvalidInput("unrecognized relative date %q", keyword)
	}
}

func absoluteDue(value string) (*task.DateValue, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid date %q: %v", value, err)
	}
	return &task.DateValue{Time: t, AllDay: true}, nil
}

func offsetDue(now time.Time, n, unit string) (*task.DateValue, error) {
	count, err := strconv.Atoi(n)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid offset %q: %v", n, err)
	}
	day := truncateDay(now)
	switch unit {
	case "d":
		return &task.DateValue{Time: day.AddDate(0, 0, count), AllDay: true}, nil
	case "w":
		return &task.DateValue{Time: day.AddDate(0, 0, 7*count), AllDay: true}, nil
	default:
		return nil, apperrors.InvalidInput("invalid offset unit %q", unit)
	}
}

// parseDueExpr parses the value following due:/start:/^ — the same
// grammar as the @ tokens, without the leading @, except that the
// next-week/next-month/next-year forms take a hyphen instead of a space.
func parseDueExpr(now time.Time, value string) (*task.DateValue, error) {
	switch {
	case value == "today" || value == "tomorrow":
		return relativeDue(now, value)
	case strings.HasPrefix(value, "next-"):
		return relativeDue(now, value)
	case dateAbsPattern.MatchString(value):
		return absoluteDue(value)
	case dateOffsetPattern.MatchString(value):
		m := dateOffsetPattern.FindStringSubmatch(value)
		return offsetDue(now, m[1], m[2])
	default:
		return nil, apperrors.InvalidInput("unrecognized date expression %q", value)
	}
}

var dateAbsPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
var dateOffsetPattern = regexp.MustCompile(`^(\d+)(d|w)$`)

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDurationToken(n, unit string) (time.Duration, error) {
	count, err := strconv.Atoi(n)
	if err != nil {
		return 0, apperrors.InvalidInput("invalid duration %q: %v", n, err)
	}
	switch unit {
	case "m", "min":
		return time.Duration(count) * time.Minute, nil
	case "h":
		return time.Duration(count) * time.Hour, nil
	case "d":
		return time.Duration(count) * 24 * time.Hour, nil
	default:
		return 0, apperrors.InvalidInput("invalid duration unit %q", unit)
	}
}

func everyRRule(n, unit string) (string, error) {
	count, err := strconv.Atoi(n)
	if err != nil {
		return "", apperrors.InvalidInput("invalid recurrence interval %q: %v", n, err)
	}
	var freq string
	switch {
	case strings.HasPrefix(unit, "day"):
		freq = "DAILY"
	case strings.HasPrefix(unit, "week"):
		freq = "WEEKLY"
	case strings.HasPrefix(unit, "month"):
		freq = "MONTHLY"
	case strings.HasPrefix(unit, "year"):
		freq = "YEARLY"
	default:
		return "", apperrors.InvalidInput("invalid recurrence unit %q", unit)
	}
	value := fmt.Sprintf("FREQ=%s;INTERVAL=%d", freq, count)
	if _, err := rrule.StrToRRule(value); err != nil {
		return "", apperrors.InvalidInput("invalid recurrence %q: %v", value, err)
	}
	return value, nil
}

// Emit renders r back into canonical token form appended to its own
// summary. Parse(Emit(r), now, expand) reproduces the same structured
// fields, satisfying the parser's idempotency property.
func Emit(r Result) string {
	parts := []string{r.Summary}
	if r.Priority > 0 {
		parts = append(parts, fmt.Sprintf("!%d", r.Priority))
	}
	if r.Due != nil {
		parts = append(parts, "due:"+r.Due.Time.Format("2006-01-02"))
	}
	if r.Start != nil {
		parts = append(parts, "start:"+r.Start.Time.Format("2006-01-02"))
	}
	if r.Duration != nil {
		parts = append(parts, "~"+formatDurationToken(*r.Duration))
	}
	if r.RRule != "" {
		parts = append(parts, "rec:"+rruleToCanonical(r.RRule))
	}
	for _, tag := range r.Tags {
		parts = append(parts, "#"+tag)
	}
	return strings.Join(parts, " ")
}

func formatDurationToken(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
}

var rruleIntervalPattern = regexp.MustCompile(`FREQ=(\w+);INTERVAL=(\d+)`)

// rruleToCanonical renders an RRULE value back to the rec: token grammar
// so Emit's output re-parses to the same RRule string.
func rruleToCanonical(value string) string {
	if m := rruleIntervalPattern.FindStringSubmatch(value); m != nil {
		unit := map[string]string{"DAILY": "days", "WEEKLY": "weeks", "MONTHLY": "months", "YEARLY": "years"}[m[1]]
		return "every " + m[2] + " " + unit
	}
	return strings.ToLower(strings.TrimPrefix(value, "FREQ="))
}
