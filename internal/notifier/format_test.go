package notifier

import (
	"testing"
	"time"

	"droughtwatch/internal/model"
)

func gapOf(d time.Duration) *model.Gap {
	return &model.Gap{DurationMS: d.Milliseconds()}
}

func TestFormatGap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		gap  *model.Gap
		want string
	}{
		{"nil is first ever", nil, "first event ever"},
		{"zero is moments", gapOf(0), "moments"},
		{"seconds are moments", gapOf(40 * time.Second), "moments"},
		{"minutes only", gapOf(12 * time.Minute), "12 minutes"},
		{"hours and minutes", gapOf(5*time.Hour + 12*time.Minute), "5 hours, 12 minutes"},
		{"singular", gapOf(time.Hour + time.Minute), "1 hour, 1 minute"},
		{"days drop minutes", gapOf(3*24*time.Hour + 4*time.Hour + 59*time.Minute), "3 days, 4 hours"},
		{"exact day", gapOf(24 * time.Hour), "1 day"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatGap(tt.gap); got != tt.want {
				t.Fatalf("FormatGap() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatGapShort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		gap  *model.Gap
		want string
	}{
		{nil, "-"},
		{gapOf(0), "< 1m"},
		{gapOf(12 * time.Minute), "12m"},
		{gapOf(5*time.Hour + 12*time.Minute), "5h 12m"},
		{gapOf(3*24*time.Hour + 4*time.Hour), "3d 4h"},
	}
	for _, tt := range tests {
		if got := FormatGapShort(tt.gap); got != tt.want {
			t.Fatalf("FormatGapShort(%v) = %q, want %q", tt.gap, got, tt.want)
		}
	}
}
