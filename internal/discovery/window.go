package discovery

import "time"

// window is a rolling record of probe reception times for one directed link.
// The delivery ratio is the number of receptions inside the span divided by
// the number of probes the peer is expected to have sent in it.
type window struct {
	times []time.Time
}

func (w *window) add(now time.Time, span time.Duration) {
	w.times = append(w.times, now)
	w.prune(now, span)
}

func (w *window) prune(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) > span {
		cut++
	}
	if cut > 0 {
		w.times = append(w.times[:0], w.times[cut:]...)
	}
}

func (w *window) ratio(now time.Time, span, interval time.Duration) float64 {
	w.prune(now, span)
	if interval <= 0 || span <= 0 {
		return 0
	}
	expected := float64(span) / float64(interval)
	if expected < 1 {
		expected = 1
	}
	r := float64(len(w.times)) / expected
	if r > 1 {
		r = 1
	}
	return r
}
