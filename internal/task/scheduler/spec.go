package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// standardParser accepts 5-field expressions (minute hour dom month dow)
// plus descriptors like @daily. Month and weekday names are accepted.
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(p cron.Parser, expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	// The reference timezone is global; per-expression zones and fixed
	// intervals are not calendar patterns.
	up := strings.ToUpper(expr)
	if strings.HasPrefix(up, "TZ=") || strings.HasPrefix(up, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: %q: per-expression timezones are not supported", ErrInvalidCron, expr)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q: @every is not supported", ErrInvalidCron, expr)
	}
	sched, err := p.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is an accepted recurring expression.
func ValidateCron(expr string) error {
	_, err := parseCron(standardParser, expr)
	return err
}

// NextRuns returns the next n fire times of expr after from, evaluated in loc.
func NextRuns(expr string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := parseCron(standardParser, expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// DailySpec builds "{mm} {hh} * * *" from an HH:MM clock time.
func DailySpec(hhmm string) (string, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// WeeklySpec builds "{mm} {hh} * * {dow}" with a three-letter weekday name.
func WeeklySpec(weekday time.Weekday, hhmm string) (string, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	dow := strings.ToLower(weekday.String()[:3])
	return fmt.Sprintf("%d %d * * %s", m, h, dow), nil
}

// ParseHHMM parses a 24h "HH:MM" clock time. A single-digit hour is accepted.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(ms) != 2 || len(hs) < 1 || len(hs) > 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "日": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "月": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "火": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "水": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "木": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "金": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "土": time.Saturday,
}

// ParseWeekday accepts English names (short or long) and 月火水木金土日,
// optionally suffixed with 曜 or 曜日.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.TrimSuffix(strings.TrimSuffix(key, "日"), "曜")
	if key == "" {
		// "日" alone was trimmed away above.
		key = "日"
	}
	if d, ok := weekdayNames[key]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
