package timeutil

import (
	"testing"
	"time"
)

func TestFloorMinute(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"mid-minute", time.Date(2025, 3, 1, 10, 0, 37, 500, time.UTC), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"on boundary", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"nanos only", time.Date(2025, 3, 1, 10, 0, 0, 1, time.UTC), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FloorMinute(tt.in); !got.Equal(tt.want) {
				t.Errorf("FloorMinute(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCeilMinute(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"mid-minute", time.Date(2025, 3, 1, 10, 0, 37, 0, time.UTC), time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)},
		{"on boundary unchanged", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"nanos round up", time.Date(2025, 3, 1, 10, 59, 0, 1, time.UTC), time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"hour rollover", time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC), time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CeilMinute(tt.in); !got.Equal(tt.want) {
				t.Errorf("CeilMinute(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCeilIdempotent(t *testing.T) {
	in := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	once := CeilMinute(in)
	twice := CeilMinute(once)
	if !once.Equal(twice) {
		t.Errorf("CeilMinute not idempotent: %v != %v", once, twice)
	}
}
