package tracker

import (
	"time"
)

// OverlayRange marks one signature's presence inside a rapid-switch burst.
// Purely advisory for display; never touches stored activities.
type OverlayRange struct {
	Signature string
	Start     int64
	End       int64
}

// rapidSwitchWindow keeps a sliding window of (signature, timestamp)
// activation entries, deduplicating consecutive identical signatures, and
// flags bursts of app hopping.
type rapidSwitchWindow struct {
	window  time.Duration
	minHops int
	entries []switchEntry
	publish func([]OverlayRange)
}

type switchEntry struct {
	signature string
	first     int64
	last      int64
}

func newRapidSwitchWindow(window time.Duration, minHops int, publish func([]OverlayRange)) *rapidSwitchWindow {
	return &rapidSwitchWindow{window: window, minHops: minHops, publish: publish}
}

// configure replaces the knobs; existing entries stay and are re-evaluated
// on the next record.
func (w *rapidSwitchWindow) configure(window time.Duration, minHops int) {
	w.window = window
	w.minHops = minHops
}

// record appends one activation and publishes the current overlay set:
// one range per distinct signature when the number of transitions in the
// window reaches minHops, an empty set otherwise.
func (w *rapidSwitchWindow) record(signature string, at int64) {
	if len(w.entries) == 0 || w.entries[len(w.entries)-1].signature != signature {
		w.entries = append(w.entries, switchEntry{signature: signature, first: at, last: at})
	} else {
		// Consecutive duplicate: keep the window fresh, not the count
		w.entries[len(w.entries)-1].last = at
	}

	cutoff := at - int64(w.window.Seconds())
	keep := 0
	for keep < len(w.entries) && w.entries[keep].last < cutoff {
		keep++
	}
	if keep > 0 {
		w.entries = append(w.entries[:0], w.entries[keep:]...)
	}

	if w.publish == nil {
		return
	}
	// A transition is a hop between adjacent deduplicated entries
	if len(w.entries)-1 >= w.minHops {
		w.publish(w.overlays())
	} else {
		w.publish(nil)
	}
}

// overlays builds one range per distinct signature spanning its min/max
// timestamps within the window, in first-seen order.
func (w *rapidSwitchWindow) overlays() []OverlayRange {
	index := make(map[string]int)
	var out []OverlayRange
	for _, e := range w.entries {
		if i, ok := index[e.signature]; ok {
			if e.first < out[i].Start {
				out[i].Start = e.first
			}
			if e.last > out[i].End {
				out[i].End = e.last
			}
			continue
		}
		index[e.signature] = len(out)
		out = append(out, OverlayRange{Signature: e.signature, Start: e.first, End: e.last})
	}
	return out
}
