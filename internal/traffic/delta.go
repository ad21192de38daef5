package traffic

import (
	"fmt"
	"strings"
	"time"
)

// Supported reporting periods.
const (
	Period1h  = "1h"
	Period24h = "24h"
	Period7d  = "7d"

	DefaultPeriod = Period24h
)

var periods = map[string]time.Duration{
	Period1h:  time.Hour,
	Period24h: 24 * time.Hour,
	Period7d:  7 * 24 * time.Hour,
}

// ParsePeriod resolves a period name. An empty name selects DefaultPeriod.
func ParsePeriod(name string) (string, time.Duration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultPeriod
	}
	d, ok := periods[name]
	if !ok {
		return "", 0, fmt.Errorf("traffic: unsupported period %q (use 1h, 24h or 7d)", name)
	}
	return name, d, nil
}

// Totals is the traffic transferred during a window.
type Totals struct {
	Rx int64 `json:"rx"`
	Tx int64 `json:"tx"`
}

// Delta sums successive counter increases over samples. A decrease is a
// counter reset: the reset sample's own value is the traffic since the reset.
func Delta(samples []Sample) Totals {
	if len(samples) < 2 {
		return Totals{}
	}
	var out Totals
	for i := 1; i < len(samples); i++ {
		out.Rx += step(samples[i-1].Rx, samples[i].Rx)
		out.Tx += step(samples[i-1].Tx, samples[i].Tx)
	}
	return out
}

func step(prev, cur int64) int64 {
	if cur < 0 {
		return 0
	}
	if prev < 0 {
		prev = 0
	}
	if cur >= prev {
		return cur - prev
	}
	return cur
}
