// Package ical implements the VTODO/VCALENDAR codec: it parses a
// VCALENDAR containing exactly one VTODO into a
// *task.Task and emits the same shape back, preserving every line it does
// not understand so a round trip through an unrelated client never loses
// data.
//
// The codec is hand-rolled rather than built on a general iCalendar
// library: the hardest requirements here — splicing raw RELATED-TO lines
// around the structured emit so multiples survive a library that would
// otherwise coalesce them, and keeping the exact DATE vs DATE-TIME/TZID
// form a value was read with — need line-level control a generic
// component model doesn't expose without a fork. The CalDAV client itself
// never parses VTODO bodies; it hands them to this codec as raw strings.
package ical

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/task"
)

const (
	dateForm     = "20060102"
	dateTimeForm = "20060102T150405"
	utcForm      = "20060102T150405Z"
)

// recognizedVTODOProps centralizes the set of VTODO properties the codec
// understands. Keeping this explicit and in one place means adding a new
// recognized field is a deliberate decision, not an accidental loss of
// preservation for lines that used to fall through to the unknown bag.
var recognizedVTODOProps = map[string]bool{
	"SUMMARY":          true,
	"DESCRIPTION":      true,
	"STATUS":           true,
	"PRIORITY":         true,
	"PERCENT-COMPLETE": true,
	"DUE":              true,
	"DTSTART":          true,
	"COMPLETED":        true,
	"DURATION":         true,
	"CATEGORIES":       true,
	"RRULE":            true,
	"EXDATE":           true,
	"RELATED-TO":       true,
	"UID":              true,
	"CREATED":          true,
	"LAST-MODIFIED":    true,
	"DTSTAMP":          true,
}

// Unfold joins RFC 5545 §3.1 folded continuation lines (CRLF or bare LF
// followed by a space or tab) back into logical lines. The decoder must
// call this before any property parsing.
func Unfold(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	phys := strings.Split(raw, "\n")

	logical := make([]string, 0, len(phys))
	for _, line := range phys {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(logical) > 0 {
			logical[len(logical)-1] += line[1:]
			continue
		}
		logical = append(logical, line)
	}
	return logical
}

// Fold wraps a logical line at 75 octets per RFC 5545 §3.1, inserting
// "\r\n " before each continuation chunk.
func Fold(line string) string {
	const maxOctets = 75
	if len(line) <= maxOctets {
		return line
	}

	var b strings.Builder
	start := 0
	chunk := maxOctets
	for start < len(line) {
		end := start + chunk
		if end > len(line) {
			end = len(line)
		}
		if start > 0 {
			b.WriteString("\r\n ")
		}
		b.WriteString(line[start:end])
		start = end
		chunk = maxOctets - 1 // continuation lines carry the leading space within their own 75 octets
	}
	return b.String()
}

// property is one parsed logical line split into its name, parameters, and
// value, with params keyed by upper-cased parameter name.
type property struct {
	name   string
	params map[string]string
	value  string
	raw    string
}

// parseProperty splits a logical line at the first colon not inside a
// quoted parameter value.
func parseProperty(line string) (property, error) {
	inQuotes := false
	colon := -1
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ':':
			if !inQuotes {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon < 0 {
		return property{}, fmt.Errorf("missing ':' in property line %q", line)
	}

	head := line[:colon]
	value := line[colon+1:]
	parts := strings.Split(head, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))

	params := map[string]string{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.ToUpper(strings.TrimSpace(kv[0]))] = strings.Trim(kv[1], `"`)
	}

	return property{name: name, params: params, value: value, raw: line}, nil
}

// block accumulates the raw lines of a nested component the codec does not
// own (VALARM, VTIMEZONE, VEVENT, ...), so it can be re-emitted verbatim.
type block struct {
	scope string // "vtodo", "calendar", or "vtimezone"
	lines []string
	depth int // stack depth right after the component's own BEGIN was pushed
}

// Parse decodes a VCALENDAR containing exactly one VTODO. It never panics
// on hostile input; malformed input yields an *apperrors.Error of kind
// InvalidFormat carrying the offending logical line number.
func Parse(raw string) (*task.Task, error) {
	lines := Unfold(raw)

	t := &task.Task{Status: task.StatusNeedsAction}
	var stack []string
	var active *block
	sawVTODO := false
	sawUID := false

	for i, line := range lines {
		lineNo := i + 1
		if line == "" {
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "BEGIN:"):
			name := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, line[:6])))
			if active != nil {
				active.lines = append(active.lines, line)
				stack = append(stack, name)
				continue
			}
			switch {
			case len(stack) == 0:
				if name != "VCALENDAR" {
					return nil, apperrors.InvalidFormat(lineNo, "expected BEGIN:VCALENDAR, got BEGIN:%s", name)
				}
			case len(stack) == 1 && name == "VTODO":
				if sawVTODO {
					return nil, apperrors.InvalidFormat(lineNo, "multiple VTODO components in one VCALENDAR")
				}
				sawVTODO = true
			default:
				scope := "calendar"
				if len(stack) == 1 && name == "VTIMEZONE" {
					scope = "vtimezone"
				} else if len(stack) >= 2 && stack[1] == "VTODO" {
					scope = "vtodo"
				}
				active = &block{scope: scope, lines: []string{line}, depth: len(stack) + 1}
			}
			stack = append(stack, name)

		case strings.HasPrefix(upper, "END:"):
			name := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, line[:4])))
			if len(stack) == 0 {
				return nil, apperrors.InvalidFormat(lineNo, "unmatched END:%s", name)
			}
			if active != nil {
				active.lines = append(active.lines, line)
				stack = stack[:len(stack)-1]
				if len(stack)+1 == active.depth {
					t.Preserved = append(t.Preserved, task.PreservedLine{
						Scope: active.scope,
						Raw:   strings.Join(active.lines, "\r\n"),
					})
					active = nil
				}
				continue
			}
			stack = stack[:len(stack)-1]

		default:
			if active != nil {
				active.lines = append(active.lines, line)
				continue
			}
			prop, err := parseProperty(line)
			if err != nil {
				return nil, apperrors.InvalidFormat(lineNo, "%s", err)
			}

			switch {
			case len(stack) == 1: // VCALENDAR-level
				if prop.name == "VERSION" || prop.name == "PRODID" || prop.name == "CALSCALE" {
					continue
				}
				t.Preserved = append(t.Preserved, task.PreservedLine{Scope: "calendar", Raw: line})
			case len(stack) == 2 && stack[1] == "VTODO":
				if prop.name == "UID" {
					sawUID = true
				}
				if err := applyProperty(t, prop, line); err != nil {
					return nil, apperrors.InvalidFormat(lineNo, "%s", err)
				}
			default:
				return nil, apperrors.InvalidFormat(lineNo, "unexpected property nesting for %s", prop.name)
			}
		}
	}

	if len(stack) != 0 {
		return nil, apperrors.InvalidFormat(len(lines), "unterminated component(s): %s", strings.Join(stack, ">"))
	}
	if !sawVTODO {
		return nil, apperrors.InvalidFormat(0, "no VTODO component found")
	}
	if !sawUID {
		return nil, apperrors.InvalidFormat(0, "VTODO missing UID")
	}

	return t, nil
}

// applyProperty folds one recognized (or not) VTODO property line into t.
func applyProperty(t *task.Task, prop property, raw string) error {
	if !recognizedVTODOProps[prop.name] {
		t.Preserved = append(t.Preserved, task.PreservedLine{Scope: "vtodo", Raw: raw})
		return nil
	}

	switch prop.name {
	case "UID":
		t.UID = unescapeText(prop.value)
	case "SUMMARY":
		t.Summary = unescapeText(prop.value)
	case "DESCRIPTION":
		t.Description = unescapeText(prop.value)
	case "STATUS":
		t.Status = parseStatus(prop.value)
	case "PRIORITY":
		if p, err := strconv.Atoi(strings.TrimSpace(prop.value)); err == nil {
			t.Priority = p
		}
	case "PERCENT-COMPLETE":
		if p, err := strconv.Atoi(strings.TrimSpace(prop.value)); err == nil {
			t.PercentComplete = p
		}
	case "DUE":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("DUE: %w", err)
		}
		t.Due = dv
	case "DTSTART":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("DTSTART: %w", err)
		}
		t.Start = dv
	case "COMPLETED":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("COMPLETED: %w", err)
		}
		ts := dv.Time
		t.Completed = &ts
	case "DURATION":
		d, err := parseISODuration(prop.value)
		if err != nil {
			return fmt.Errorf("DURATION: %w", err)
		}
		t.Duration = &d
	case "CATEGORIES":
		t.Tags = mergeTags(t.Tags, splitCategories(prop.value))
	case "RRULE":
		t.RRule = prop.value
	case "EXDATE":
		for _, v := range strings.Split(prop.value, ",") {
			dv, err := parseDateValue(strings.TrimSpace(v), prop.params)
			if err != nil {
				return fmt.Errorf("EXDATE: %w", err)
			}
			t.ExDates = mergeExDates(t.ExDates, *dv)
		}
	case "RELATED-TO":
		reltype := strings.ToUpper(prop.params["RELTYPE"])
		if reltype == "" {
			reltype = "PARENT"
		}
		value := unescapeText(prop.value)
		switch reltype {
		case "PARENT":
			if t.ParentUID == "" {
				t.ParentUID = value
			} else {
				// A second PARENT link has no home in the Task model (spec
				// §3: parent is singular); preserve it verbatim so the
				// round trip still carries it.
				t.Preserved = append(t.Preserved, task.PreservedLine{Scope: "vtodo", Raw: raw})
			}
		case "DEPENDS-ON":
			t.DependsOn = append(t.DependsOn, value)
		default:
			t.Preserved = append(t.Preserved, task.PreservedLine{Scope: "vtodo", Raw: raw})
		}
	case "CREATED":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("CREATED: %w", err)
		}
		t.Created = dv.Time
	case "LAST-MODIFIED":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("LAST-MODIFIED: %w", err)
		}
		t.LastModified = dv.Time
	case "DTSTAMP":
		dv, err := parseDateValue(prop.value, prop.params)
		if err != nil {
			return fmt.Errorf("DTSTAMP: %w", err)
		}
		t.DTStamp = dv.Time
	}
	return nil
}

func parseStatus(v string) task.Status {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "NEEDS-ACTION":
		return task.StatusNeedsAction
	case "IN-PROCESS":
		return task.StatusInProcess
	case "COMPLETED":
		return task.StatusCompleted
	case "CANCELLED":
		return task.StatusCancelled
	default:
		return task.StatusNeedsAction
	}
}

func parseDateValue(value string, params map[string]string) (*task.DateValue, error) {
	value = strings.TrimSpace(value)
	valueType := strings.ToUpper(params["VALUE"])
	tzid := params["TZID"]

	if valueType == "DATE" || (len(value) == 8 && !strings.Contains(value, "T")) {
		tm, err := time.Parse(dateForm, value)
		if err != nil {
			return nil, fmt.Errorf("invalid DATE value %q: %w", value, err)
		}
		return &task.DateValue{Time: tm, AllDay: true}, nil
	}

	if strings.HasSuffix(value, "Z") {
		tm, err := time.Parse(utcForm, value)
		if err != nil {
			return nil, fmt.Errorf("invalid UTC DATE-TIME value %q: %w", value, err)
		}
		return &task.DateValue{Time: tm, UTC: true}, nil
	}

	if tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = time.UTC
		}
		tm, err := time.ParseInLocation(dateTimeForm, value, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid TZID DATE-TIME value %q: %w", value, err)
		}
		return &task.DateValue{Time: tm, TZID: tzid}, nil
	}

	tm, err := time.Parse(dateTimeForm, value)
	if err != nil {
		return nil, fmt.Errorf("invalid floating DATE-TIME value %q: %w", value, err)
	}
	return &task.DateValue{Time: tm}, nil
}

func formatDateProperty(name string, d task.DateValue) string {
	switch {
	case d.AllDay:
		return fmt.Sprintf("%s;VALUE=DATE:%s", name, d.Time.Format(dateForm))
	case d.TZID != "":
		return fmt.Sprintf("%s;TZID=%s:%s", name, d.TZID, d.Time.Format(dateTimeForm))
	case d.UTC:
		return fmt.Sprintf("%s:%s", name, d.Time.UTC().Format(utcForm))
	default:
		return fmt.Sprintf("%s:%s", name, d.Time.Format(dateTimeForm))
	}
}

func dateValueKey(d task.DateValue) string {
	return fmt.Sprintf("%v|%t|%t|%s", d.Time, d.AllDay, d.UTC, d.TZID)
}

// mergeExDates adds d to set if no existing entry shares its key — a set
// union: additions to EXDATE are merged rather than replacing the set.
func mergeExDates(set []task.DateValue, d task.DateValue) []task.DateValue {
	key := dateValueKey(d)
	for _, e := range set {
		if dateValueKey(e) == key {
			return set
		}
	}
	return append(set, d)
}

// MergeExDates is the exported form used by the synchronizer's 3-way merge
// to union a task's local and remote EXDATE sets.
func MergeExDates(a, b []task.DateValue) []task.DateValue {
	out := append([]task.DateValue{}, a...)
	for _, d := range b {
		out = mergeExDates(out, d)
	}
	return out
}

func splitCategories(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		t := strings.TrimSpace(unescapeText(part))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func mergeTags(existing, incoming []string) []string {
	seen := map[string]bool{}
	out := append([]string{}, existing...)
	for _, e := range existing {
		seen[strings.ToLower(e)] = true
	}
	for _, tag := range incoming {
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	return out
}

// MergeTags is the exported set-union used by smart-input and the
// synchronizer's 3-way merge for CATEGORIES.
func MergeTags(existing, incoming []string) []string {
	return mergeTags(existing, incoming)
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

func parseISODuration(value string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", value)
	}
	days := atoiOr(m[2])
	hours := atoiOr(m[3])
	minutes := atoiOr(m[4])
	seconds := atoiOr(m[5])

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

func atoiOr(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

func formatISODuration(d time.Duration) string {
	if d < 0 {
		return "-" + formatISODuration(-d)
	}
	if d == 0 {
		return "PT0S"
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int(d / time.Second)

	var b strings.Builder
	b.WriteString("P")
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 {
		b.WriteString("T")
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 {
			fmt.Fprintf(&b, "%dS", seconds)
		}
	}
	return b.String()
}

var textEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)

func escapeText(s string) string { return textEscaper.Replace(s) }

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n', 'N':
				b.WriteByte('\n')
			case '\\':
				b.WriteByte('\\')
			case ';':
				b.WriteByte(';')
			case ',':
				b.WriteByte(',')
			default:
				b.WriteByte(s[i+1])
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Emit encodes t as a VCALENDAR containing one VTODO, folding lines at 75
// octets and splicing back in every preserved unknown/foreign line at its
// original scope.
func Emit(t *task.Task) string {
	var lines []string
	lines = append(lines, "BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//cfait//cfait//EN")

	for _, p := range t.Preserved {
		if p.Scope == "calendar" || p.Scope == "vtimezone" {
			lines = append(lines, strings.Split(p.Raw, "\r\n")...)
		}
	}

	lines = append(lines, "BEGIN:VTODO")
	lines = append(lines, "UID:"+escapeText(t.UID))

	dtstamp := t.DTStamp
	if dtstamp.IsZero() {
		dtstamp = time.Now().UTC()
	}
	lines = append(lines, "DTSTAMP:"+dtstamp.UTC().Format(utcForm))

	if t.Summary != "" {
		lines = append(lines, "SUMMARY:"+escapeText(t.Summary))
	}
	if t.Description != "" {
		lines = append(lines, "DESCRIPTION:"+escapeText(t.Description))
	}

	status := t.Status
	if status == "" {
		status = task.StatusNeedsAction
	}
	lines = append(lines, "STATUS:"+string(status))

	if t.Priority > 0 {
		lines = append(lines, fmt.Sprintf("PRIORITY:%d", t.Priority))
	}
	if t.PercentComplete > 0 {
		lines = append(lines, fmt.Sprintf("PERCENT-COMPLETE:%d", t.PercentComplete))
	}
	if len(t.Tags) > 0 {
		escaped := make([]string, len(t.Tags))
		for i, tag := range t.Tags {
			escaped[i] = escapeText(tag)
		}
		lines = append(lines, "CATEGORIES:"+strings.Join(escaped, ","))
	}
	if t.Due != nil {
		lines = append(lines, formatDateProperty("DUE", *t.Due))
	}
	if t.Start != nil {
		lines = append(lines, formatDateProperty("DTSTART", *t.Start))
	}
	if t.Duration != nil {
		lines = append(lines, "DURATION:"+formatISODuration(*t.Duration))
	}
	if t.Completed != nil {
		lines = append(lines, "COMPLETED:"+t.Completed.UTC().Format(utcForm))
	}
	if t.RRule != "" {
		lines = append(lines, "RRULE:"+t.RRule)
	}
	for _, ex := range t.ExDates {
		lines = append(lines, formatDateProperty("EXDATE", ex))
	}
	if t.ParentUID != "" {
		lines = append(lines, "RELATED-TO:"+escapeText(t.ParentUID))
	}
	for _, dep := range t.DependsOn {
		lines = append(lines, "RELATED-TO;RELTYPE=DEPENDS-ON:"+escapeText(dep))
	}
	if !t.Created.IsZero() {
		lines = append(lines, "CREATED:"+t.Created.UTC().Format(utcForm))
	}
	lastMod := t.LastModified
	if lastMod.IsZero() {
		lastMod = dtstamp
	}
	lines = append(lines, "LAST-MODIFIED:"+lastMod.UTC().Format(utcForm))

	for _, p := range t.Preserved {
		if p.Scope == "vtodo" {
			lines = append(lines, strings.Split(p.Raw, "\r\n")...)
		}
	}

	lines = append(lines, "END:VTODO", "END:VCALENDAR")

	folded := make([]string, len(lines))
	for i, l := range lines {
		folded[i] = Fold(l)
	}
	return strings.Join(folded, "\r\n")
}
