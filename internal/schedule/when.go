package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"postbot/internal/task/scheduler"
)

// When is a parsed time expression: either an instant or a cron expression.
type When struct {
	Kind     scheduler.Kind
	At       time.Time // KindOnce
	CronExpr string    // KindRecurring
}

var (
	reDateTime = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})[ T](\d{1,2}):(\d{2})$`)
	reMonthDay = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})\s+(\d{1,2}):(\d{2})$`)
	reRelative = regexp.MustCompile(`^(\S+)\s+(\d{1,2}:\d{2})$`)
)

// ParseWhen parses a user-supplied time expression in loc, relative to now.
//
// One-shot forms:
//
//	2025-03-01 09:00
//	3/1 09:00          (current year)
//	today 09:00 | 今日 09:00
//	tomorrow 09:00 | 明日 09:00
//	RFC 3339 with offset
//
// Recurring forms:
//
//	daily 09:00
//	weekly mon 09:00 | weekly 月 09:00
//	cron:<5-field expression>
func ParseWhen(s string, loc *time.Location, now time.Time) (When, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return When{}, fmt.Errorf("%w: empty", ErrInvalidWhen)
	}
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	if expr, ok := cutPrefixFold(s, "cron:"); ok {
		expr = strings.TrimSpace(expr)
		if err := scheduler.ValidateCron(expr); err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		return When{Kind: scheduler.KindRecurring, CronExpr: expr}, nil
	}
	if rest, ok := cutPrefixFold(s, "daily "); ok {
		expr, err := scheduler.DailySpec(rest)
		if err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidWhen, err)
		}
		return When{Kind: scheduler.KindRecurring, CronExpr: expr}, nil
	}
	if rest, ok := cutPrefixFold(s, "weekly "); ok {
		day, hhmm, _ := strings.Cut(rest, " ")
		wd, err := scheduler.ParseWeekday(day)
		if err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidWhen, err)
		}
		expr, err := scheduler.WeeklySpec(wd, hhmm)
		if err != nil {
			return When{}, fmt.Errorf("%w: %v", ErrInvalidWhen, err)
		}
		return When{Kind: scheduler.KindRecurring, CronExpr: expr}, nil
	}

	at, err := parseInstant(s, loc, now)
	if err != nil {
		return When{}, err
	}
	return When{Kind: scheduler.KindOnce, At: at}, nil
}

func parseInstant(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	if m := reDateTime.FindStringSubmatch(s); m != nil {
		return dateIn(loc, atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), s)
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		return dateIn(loc, now.Year(), atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), s)
	}
	if m := reRelative.FindStringSubmatch(s); m != nil {
		var offset int
		switch strings.ToLower(m[1]) {
		case "today", "今日":
		case "tomorrow", "明日":
			offset = 1
		default:
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidWhen, s)
		}
		h, mm, err := scheduler.ParseHHMM(m[2])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidWhen, err)
		}
		return time.Date(now.Year(), now.Month(), now.Day()+offset, h, mm, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidWhen, s)
}

// dateIn builds a wall-clock time, rejecting values time.Date would normalize
// (Feb 30, 25:00).
func dateIn(loc *time.Location, y, mo, d, h, mi int, src string) (time.Time, error) {
	if h > 23 || mi > 59 {
		return time.Time{}, fmt.Errorf("%w: %q: time out of range", ErrInvalidWhen, src)
	}
	t := time.Date(y, time.Month(mo), d, h, mi, 0, 0, loc)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return time.Time{}, fmt.Errorf("%w: %q: no such date", ErrInvalidWhen, src)
	}
	return t, nil
}

// storedLayouts are the timestamp shapes accepted from persisted records.
// Layouts without an offset are read in the reference timezone.
var storedLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseStoredTime parses a persisted fire_at value.
func ParseStoredTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range storedLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatStoredTime renders an instant the way records store it.
func FormatStoredTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
