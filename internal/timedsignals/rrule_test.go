package timedsignals

import (
	"testing"
	"time"
)

func TestParseRRule_EmptyIsOneShot(t *testing.T) {
	r, err := ParseRRule("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Errorf("expected nil recurrence for empty rrule, got %+v", r)
	}
}

func TestParseRRule_DailyWithInterval(t *testing.T) {
	r, err := ParseRRule("FREQ=DAILY;INTERVAL=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Freq != "DAILY" || r.Interval != 2 {
		t.Errorf("got %+v, want Freq=DAILY Interval=2", r)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	if got := r.Next(base); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestParseRRule_RejectsUnsupportedFreq(t *testing.T) {
	if _, err := ParseRRule("FREQ=YEARLY"); err == nil {
		t.Error("expected error for unsupported FREQ, got nil")
	}
}

func TestParseRRule_RejectsMissingFreq(t *testing.T) {
	if _, err := ParseRRule("INTERVAL=2"); err == nil {
		t.Error("expected error for missing FREQ, got nil")
	}
}

func TestCatchUpWindow_OneShotUsesFloor(t *testing.T) {
	if got := CatchUpWindow(nil); got != 30*time.Minute {
		t.Errorf("CatchUpWindow(nil) = %v, want 30m", got)
	}
}

func TestCatchUpWindow_RecurringScalesWithPeriod(t *testing.T) {
	weekly, _ := ParseRRule("FREQ=WEEKLY")
	got := CatchUpWindow(weekly)
	want := time.Duration(float64(7*24*time.Hour) * 0.05)
	if got != want {
		t.Errorf("CatchUpWindow(weekly) = %v, want %v", got, want)
	}
	if got <= 30*time.Minute {
		t.Errorf("weekly catch-up window should exceed the 30m floor, got %v", got)
	}
}
