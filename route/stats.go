package route

import "time"

// Stats tracks one route's health: counters for sent/received/
// questions-lost traffic and failed sends, a rolling latency estimate, and
// the last-tested timestamp that drives periodic health checks.
type Stats struct {
	CreatedAt     time.Time
	LastSent      time.Time
	LastReceived  time.Time
	LastTested    time.Time
	Sent          uint64
	Received      uint64
	QuestionsLost uint64
	FailedToSend  uint64
	avgLatency    time.Duration
}

func NewStats(now time.Time) *Stats {
	return &Stats{CreatedAt: now}
}

// RecordSent bumps the sent counter and clears the failed-send streak: a
// successful send proves the path is writable again.
func (s *Stats) RecordSent(now time.Time) {
	s.Sent++
	s.LastSent = now
	s.FailedToSend = 0
}

func (s *Stats) RecordReceived(now time.Time) {
	s.Received++
	s.LastReceived = now
	s.LastTested = now
}

func (s *Stats) RecordQuestionLost() {
	s.QuestionsLost++
}

func (s *Stats) RecordSendFailure() {
	s.FailedToSend++
}

// RecordLatency folds a new round-trip sample into an exponential moving
// average (alpha=1/8).
func (s *Stats) RecordLatency(d time.Duration) {
	if s.avgLatency == 0 {
		s.avgLatency = d
		return
	}
	s.avgLatency += (d - s.avgLatency) / 8
}

func (s *Stats) AverageLatency() time.Duration { return s.avgLatency }

// NeedsTesting reports whether this route should have a Status question run
// over it before further use: it has lost questions, failed a send, never
// been tested, or gone idle past maxIdle.
func (s *Stats) NeedsTesting(now time.Time, maxIdle time.Duration) bool {
	if s.QuestionsLost > 0 || s.FailedToSend > 0 {
		return true
	}
	if s.LastTested.IsZero() {
		return true
	}
	return now.Sub(s.LastTested) > maxIdle
}

// Unreliable reports whether this route should be retired: two consecutive
// failed sends, or a question-loss rate of half or worse once enough
// questions have run to judge.
func (s *Stats) Unreliable() bool {
	if s.FailedToSend >= 2 {
		return true
	}
	return s.Sent >= 4 && s.QuestionsLost*2 >= s.Sent
}
