package conn

import (
	"sync"
	"time"
)

// interval is one slot of a per-IP rolling transfer-rate window.
type interval struct {
	start    time.Time
	down, up uint64
}

// ipStats is a rolling window of up to windowSize 1-second (by default)
// intervals, maintaining min/avg/max byte rates.
type ipStats struct {
	mu         sync.Mutex
	intervals  []interval
	windowSize int
	slotDur    time.Duration
}

func newIPStats(windowSize int, slotDur time.Duration) *ipStats {
	return &ipStats{windowSize: windowSize, slotDur: slotDur}
}

func (s *ipStats) record(now time.Time, down, up uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.intervals) == 0 || now.Sub(s.intervals[len(s.intervals)-1].start) >= s.slotDur {
		s.intervals = append(s.intervals, interval{start: now})
		if len(s.intervals) > s.windowSize {
			s.intervals = s.intervals[len(s.intervals)-s.windowSize:]
		}
	}
	last := &s.intervals[len(s.intervals)-1]
	last.down += down
	last.up += up
}

// Rates reports (min, avg, max) bytes/interval for both directions over the
// current window.
func (s *ipStats) Rates() (downMin, downAvg, downMax, upMin, upAvg, upMax uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.intervals) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	downMin, upMin = ^uint64(0), ^uint64(0)
	var downSum, upSum uint64
	for _, iv := range s.intervals {
		if iv.down < downMin {
			downMin = iv.down
		}
		if iv.down > downMax {
			downMax = iv.down
		}
		if iv.up < upMin {
			upMin = iv.up
		}
		if iv.up > upMax {
			upMax = iv.up
		}
		downSum += iv.down
		upSum += iv.up
	}
	n := uint64(len(s.intervals))
	return downMin, downSum / n, downMax, upMin, upSum / n, upMax
}

// StatsTracker maintains one ipStats per remote IP.
type StatsTracker struct {
	mu         sync.Mutex
	perIP      map[string]*ipStats
	windowSize int
	slotDur    time.Duration
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		perIP:      make(map[string]*ipStats),
		windowSize: 10,
		slotDur:    time.Second,
	}
}

func (t *StatsTracker) RecordSend(ip string, now time.Time, bytes uint64) {
	t.forIP(ip).record(now, 0, bytes)
}

func (t *StatsTracker) RecordReceive(ip string, now time.Time, bytes uint64) {
	t.forIP(ip).record(now, bytes, 0)
}

func (t *StatsTracker) Rates(ip string) (downMin, downAvg, downMax, upMin, upAvg, upMax uint64) {
	return t.forIP(ip).Rates()
}

func (t *StatsTracker) forIP(ip string) *ipStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.perIP[ip]
	if !ok {
		s = newIPStats(t.windowSize, t.slotDur)
		t.perIP[ip] = s
	}
	return s
}
