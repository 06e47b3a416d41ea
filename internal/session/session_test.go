package session

import (
	"testing"
	"time"
)

func et(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, eastern)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestOfBoundaries(t *testing.T) {
	cases := []struct {
		at   string
		want Session
	}{
		{"2025-03-12 03:59", Closed},
		{"2025-03-12 04:00", Premarket},
		{"2025-03-12 09:29", Premarket},
		{"2025-03-12 09:30", Regular},
		{"2025-03-12 15:59", Regular},
		{"2025-03-12 16:00", AfterHours},
		{"2025-03-12 19:59", AfterHours},
		{"2025-03-12 20:00", Closed},
		{"2025-03-15 11:00", Closed}, // Saturday
		{"2025-03-16 11:00", Closed}, // Sunday
	}
	for _, c := range cases {
		if got := Of(et(t, c.at)); got != c.want {
			t.Fatalf("%s: got %s want %s", c.at, got, c.want)
		}
	}
}

func TestOfConvertsFromUTC(t *testing.T) {
	// 14:00 UTC on a July weekday is 10:00 EDT.
	ts := time.Date(2025, 7, 9, 14, 0, 0, 0, time.UTC)
	if got := Of(ts); got != Regular {
		t.Fatalf("got %s want REGULAR", got)
	}
}

func TestExtendedAndWarning(t *testing.T) {
	if !Premarket.Extended() || !AfterHours.Extended() {
		t.Fatal("premarket and afterhours are extended")
	}
	if Regular.Extended() || Closed.Extended() {
		t.Fatal("regular and closed are not extended")
	}
	if Regular.Warning() != "" {
		t.Fatal("regular session carries no warning")
	}
	if Closed.Warning() == "" {
		t.Fatal("closed session should warn")
	}
}
