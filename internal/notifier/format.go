package notifier

import (
	"fmt"
	"strings"
	"time"

	"droughtwatch/internal/model"
)

// FormatGap renders a gap for humans. It separates "no previous event"
// (nil) from a gap too short to measure ("moments"). Minutes are only
// shown for gaps under a day.
func FormatGap(g *model.Gap) string {
	if g == nil {
		return "first event ever"
	}
	return FormatDuration(g.Duration())
}

// FormatDuration is FormatGap for a bare duration.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if days == 0 && minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 {
		return "moments"
	}
	return strings.Join(parts, ", ")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatGapShort is the compact form used in lists: "3d 4h", "5h 12m", "< 1m".
func FormatGapShort(g *model.Gap) string {
	if g == nil {
		return "-"
	}
	d := g.Duration()
	days := int64(d / (24 * time.Hour))
	hours := int64(d/time.Hour) % 24
	minutes := int64(d/time.Minute) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return "< 1m"
	}
}
