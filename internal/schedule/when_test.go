package schedule

import (
	"errors"
	"testing"
	"time"

	"postbot/internal/task/scheduler"
)

func TestParseWhen(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("JST", 9*3600)
	now := time.Date(2025, 3, 10, 15, 4, 0, 0, loc)

	once := func(y int, mo time.Month, d, h, mi int) When {
		return When{Kind: scheduler.KindOnce, At: time.Date(y, mo, d, h, mi, 0, 0, loc)}
	}
	cron := func(expr string) When { return When{Kind: scheduler.KindRecurring, CronExpr: expr} }

	tests := []struct {
		in   string
		want When
	}{
		{"2025-04-01 09:30", once(2025, 4, 1, 9, 30)},
		{"2025-04-01T09:30", once(2025, 4, 1, 9, 30)},
		{"4/1 09:30", once(2025, 4, 1, 9, 30)},
		{"12/31 23:59", once(2025, 12, 31, 23, 59)},
		{"today 18:00", once(2025, 3, 10, 18, 0)},
		{"今日 18:00", once(2025, 3, 10, 18, 0)},
		{"tomorrow 7:05", once(2025, 3, 11, 7, 5)},
		{"明日  09:00", once(2025, 3, 11, 9, 0)},
		{"2025-04-01T00:30:00Z", once(2025, 4, 1, 9, 30)},
		{"daily 09:00", cron("0 9 * * *")},
		{"weekly mon 08:15", cron("15 8 * * mon")},
		{"weekly 日曜 21:00", cron("0 21 * * sun")},
		{"cron:*/10 9-17 * * 1-5", cron("*/10 9-17 * * 1-5")},
	}
	for _, tt := range tests {
		got, err := ParseWhen(tt.in, loc, now)
		if err != nil {
			t.Fatalf("ParseWhen(%q): %v", tt.in, err)
		}
		if got.Kind != tt.want.Kind || got.CronExpr != tt.want.CronExpr || !got.At.Equal(tt.want.At) {
			t.Fatalf("ParseWhen(%q) = %+v want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseWhenRejects(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 15, 4, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrInvalidWhen},
		{"2025-02-30 09:00", ErrInvalidWhen},
		{"2025-04-01 24:00", ErrInvalidWhen},
		{"13/01 09:00", ErrInvalidWhen},
		{"yesterday 09:00", ErrInvalidWhen},
		{"today 9", ErrInvalidWhen},
		{"daily 25:00", ErrInvalidWhen},
		{"weekly funday 09:00", ErrInvalidWhen},
		{"cron:0 0 9 * * *", ErrInvalidCron},
	}
	for _, tt := range tests {
		if _, err := ParseWhen(tt.in, time.UTC, now); !errors.Is(err, tt.want) {
			t.Fatalf("ParseWhen(%q) err=%v want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseStoredTime(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("JST", 9*3600)
	want := time.Date(2025, 1, 2, 9, 0, 0, 0, loc)
	for _, in := range []string{
		"2025-01-02T09:00:00+09:00",
		"2025-01-02T00:00:00Z",
		"2025-01-02T09:00:00",
		"2025-01-02T09:00",
		"2025-01-02 09:00:00",
		"2025-01-02 09:00",
	} {
		got, err := ParseStoredTime(in, loc)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseStoredTime(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := ParseStoredTime("02/01/2025", loc); err == nil {
		t.Fatalf("expected error")
	}
	if s := FormatStoredTime(want, loc); s != "2025-01-02T09:00:00+09:00" {
		t.Fatalf("FormatStoredTime=%q", s)
	}
}
