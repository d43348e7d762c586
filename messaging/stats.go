package messaging

import "time"

// DefaultStatsWindow is the number of invocations averaged per report
const DefaultStatsWindow = 100

// RollingStats accumulates processing time and reports the average once per window.
// It is owned by a single dispatcher and is not safe for concurrent use.
type RollingStats struct {
	window      int64
	invocations int64
	total       time.Duration
}

// NewRollingStats creates stats reporting every window invocations
func NewRollingStats(window int) *RollingStats {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	return &RollingStats{window: int64(window)}
}

// Begin counts a new invocation and returns its sequence number
func (s *RollingStats) Begin() int64 {
	s.invocations++
	return s.invocations
}

// Record adds the elapsed time of the current invocation. When the invocation count
// reaches a multiple of the window it returns the window average and resets the
// accumulated total.
func (s *RollingStats) Record(elapsed time.Duration) (average time.Duration, reported bool) {
	s.total += elapsed
	if s.invocations%s.window != 0 {
		return 0, false
	}
	average = s.total / time.Duration(s.window)
	s.total = 0
	return average, true
}

// Invocations returns the number of invocations so far
func (s *RollingStats) Invocations() int64 {
	return s.invocations
}

// Accumulated returns the processing time accumulated in the current window
func (s *RollingStats) Accumulated() time.Duration {
	return s.total
}
