package ratelimit

import (
	"time"

	kit "castbot/internal/transport"
)

// window is a discrete counter: it starts on the first admission and is
// forgotten once its span has elapsed.
type window struct {
	count int
	start time.Time
}

func (w *window) expired(now time.Time, span time.Duration) bool {
	return !w.start.IsZero() && now.Sub(w.start) >= span
}

// counters holds every admission window. Guarded by Limiter.mu.
type counters struct {
	global  window
	private map[int64]time.Time // last send per private chat
	groups  map[int64]*window
	sliding map[int64][]time.Time
}

func newCounters() counters {
	return counters{
		private: map[int64]time.Time{},
		groups:  map[int64]*window{},
		sliding: map[int64][]time.Time{},
	}
}

// refresh resets the global window and purges per-destination state whose
// window has passed, so idle state equals fresh state.
func (c *counters) refresh(now time.Time, lim Limits) {
	if c.global.expired(now, lim.GlobalWindow) {
		c.global = window{}
	}
	for id, last := range c.private {
		if now.Sub(last) >= lim.PrivateCooldown {
			delete(c.private, id)
		}
	}
	for id, w := range c.groups {
		if w.expired(now, lim.GroupWindow) {
			delete(c.groups, id)
		}
	}
	for id, stamps := range c.sliding {
		if kept := pruneBefore(stamps, now.Add(-lim.GroupWindow)); len(kept) == 0 {
			delete(c.sliding, id)
		} else {
			c.sliding[id] = kept
		}
	}
}

func (c *counters) admissible(d Destination, now time.Time, lim Limits) bool {
	if c.global.count >= lim.GlobalMax {
		return false
	}
	switch {
	case d.Kind == kit.ChatPrivate:
		last, ok := c.private[d.ChatID]
		return !ok || now.Sub(last) >= lim.PrivateCooldown
	case d.Kind.IsGroup():
		if lim.GroupSliding {
			return len(c.sliding[d.ChatID]) < lim.GroupMax
		}
		w, ok := c.groups[d.ChatID]
		return !ok || w.count < lim.GroupMax
	default:
		return true
	}
}

func (c *counters) admit(d Destination, now time.Time, lim Limits) {
	if c.global.start.IsZero() {
		c.global.start = now
	}
	c.global.count++

	switch {
	case d.Kind == kit.ChatPrivate:
		c.private[d.ChatID] = now
	case d.Kind.IsGroup():
		if lim.GroupSliding {
			c.sliding[d.ChatID] = append(c.sliding[d.ChatID], now)
			return
		}
		w, ok := c.groups[d.ChatID]
		if !ok {
			w = &window{start: now}
			c.groups[d.ChatID] = w
		}
		w.count++
	}
}

// snapshot copies the windows still in effect at now into s. Expired state is
// skipped, not deleted; refresh on the drain loop owns the reset.
func (c *counters) snapshot(s *Snapshot, now time.Time, lim Limits) {
	if !c.global.expired(now, lim.GlobalWindow) {
		s.Global = WindowState{Count: c.global.count, Start: c.global.start}
	}
	for id, last := range c.private {
		if now.Sub(last) >= lim.PrivateCooldown {
			continue
		}
		if s.Private == nil {
			s.Private = make(map[int64]time.Time, len(c.private))
		}
		s.Private[id] = last
	}
	put := func(id int64, w WindowState) {
		if s.Groups == nil {
			s.Groups = make(map[int64]WindowState, len(c.groups)+len(c.sliding))
		}
		s.Groups[id] = w
	}
	for id, w := range c.groups {
		if !w.expired(now, lim.GroupWindow) {
			put(id, WindowState{Count: w.count, Start: w.start})
		}
	}
	cutoff := now.Add(-lim.GroupWindow)
	for id, stamps := range c.sliding {
		i := 0
		for i < len(stamps) && !stamps[i].After(cutoff) {
			i++
		}
		if i < len(stamps) {
			put(id, WindowState{Count: len(stamps) - i, Start: stamps[i]})
		}
	}
}

// pruneBefore drops timestamps not after cutoff. stamps is sorted.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
