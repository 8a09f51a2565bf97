package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframes maps the bar labels signal producers use to their length.
var Timeframes = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
	"W1":  7 * 24 * time.Hour,
	"MN1": 30 * 24 * time.Hour,
}

// ParseTimeframe accepts a label such as "H1" or "m15" and returns the
// canonical label with its duration.
func ParseTimeframe(tf string) (string, time.Duration, error) {
	label := strings.ToUpper(strings.TrimSpace(tf))
	d, ok := Timeframes[label]
	if !ok {
		return "", 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return label, d, nil
}

// TimeframeLabel is the inverse of ParseTimeframe for the standard bar
// lengths; other whole-minute, hour or day lengths get an M/H/D label.
func TimeframeLabel(d time.Duration) (string, error) {
	for label, v := range Timeframes {
		if v == d {
			return label, nil
		}
	}
	switch {
	case d <= 0:
		return "", fmt.Errorf("invalid timeframe %s", d)
	case d < time.Hour && d%time.Minute == 0:
		return fmt.Sprintf("M%d", d/time.Minute), nil
	case d < 24*time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("H%d", d/time.Hour), nil
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("D%d", d/(24*time.Hour)), nil
	}
	return "", fmt.Errorf("cannot label timeframe %s", d)
}
