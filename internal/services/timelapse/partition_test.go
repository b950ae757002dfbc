package timelapseservice

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPartitionSingleDay(t *testing.T) {
	segments, err := Partition(date(2024, 1, 1), date(2024, 1, 1), "08:00", "10:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}

	first := segments[0]
	if first.Start.Hour() != 8 || first.Start.Minute() != 0 {
		t.Errorf("first segment starts at %v, want 08:00", first.Start)
	}

	last := segments[len(segments)-1]
	if last.End.Hour() != 10 || last.End.Minute() != 30 {
		t.Errorf("last segment ends at %v, want 10:30", last.End)
	}

	if got := last.Duration(); got != 30*time.Minute {
		t.Errorf("last segment duration = %v, want 30m", got)
	}
}

func TestPartitionCrossesMidnight(t *testing.T) {
	segments, err := Partition(date(2024, 1, 1), date(2024, 1, 1), "22:00", "02:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(segments) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(segments))
	}

	last := segments[len(segments)-1]
	if last.End.Day() != 2 {
		t.Errorf("last segment should end on the next day, got %v", last.End)
	}
	if last.End.Hour() != 2 {
		t.Errorf("last segment ends at hour %d, want 2", last.End.Hour())
	}
}

func TestPartitionMultipleDays(t *testing.T) {
	segments, err := Partition(date(2024, 1, 1), date(2024, 1, 3), "08:00", "09:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(segments) != 3 {
		t.Fatalf("expected one segment per day, got %d", len(segments))
	}

	for i, seg := range segments {
		if seg.Start.Day() != i+1 {
			t.Errorf("segment %d on day %d, want %d", i, seg.Start.Day(), i+1)
		}
	}
}

func TestPartitionSegmentsAreContiguousAndBounded(t *testing.T) {
	segments, err := Partition(date(2024, 3, 10), date(2024, 3, 10), "06:15", "11:45")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(segments) == 0 {
		t.Fatal("expected segments")
	}

	for i, seg := range segments {
		if d := seg.Duration(); d <= 0 || d > time.Hour {
			t.Errorf("segment %d duration %v out of (0, 1h]", i, d)
		}
		if i > 0 && !segments[i-1].End.Equal(seg.Start) {
			t.Errorf("gap between segment %d and %d: %v vs %v", i-1, i, segments[i-1].End, seg.Start)
		}
	}

	var total time.Duration
	for _, seg := range segments {
		total += seg.Duration()
	}
	if want := 5*time.Hour + 30*time.Minute; total != want {
		t.Errorf("total coverage %v, want %v", total, want)
	}
}

func TestPartitionInvalidClock(t *testing.T) {
	cases := []struct {
		name       string
		start, end string
	}{
		{"missing separator", "0800", "10:00"},
		{"hour out of range", "24:00", "10:00"},
		{"minute out of range", "08:60", "10:00"},
		{"not a number", "ab:cd", "10:00"},
		{"bad end time", "08:00", "25:00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Partition(date(2024, 1, 1), date(2024, 1, 1), tc.start, tc.end); err == nil {
				t.Errorf("Partition(%q, %q) expected error", tc.start, tc.end)
			}
		})
	}
}
