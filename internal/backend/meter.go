package backend

import "sync"

// Usage is a token/cost reading reported by a vendor.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

func (u Usage) clamp() Usage {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.CostUSD < 0 {
		u.CostUSD = 0
	}
	return u
}

// Meter accumulates token and cost counters for one session.
//
// Vendors report usage either as per-step deltas (Add) or as running totals
// for the current process (Observe). Totals never decrease within a session.
type Meter struct {
	mu        sync.Mutex
	committed Usage
	run       Usage
}

// Add folds a per-step delta into the current run and returns the snapshot.
func (m *Meter) Add(delta Usage) TokenCount {
	delta = delta.clamp()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.InputTokens += delta.InputTokens
	m.run.OutputTokens += delta.OutputTokens
	m.run.CostUSD += delta.CostUSD
	return m.snapshotLocked()
}

// Observe records a running total for the current run and returns the snapshot.
func (m *Meter) Observe(cumulative Usage) TokenCount {
	cumulative = cumulative.clamp()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.InputTokens = max(m.run.InputTokens, cumulative.InputTokens)
	m.run.OutputTokens = max(m.run.OutputTokens, cumulative.OutputTokens)
	m.run.CostUSD = max(m.run.CostUSD, cumulative.CostUSD)
	return m.snapshotLocked()
}

// EndRun commits the current run so the next process starts from zero.
func (m *Meter) EndRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed.InputTokens += m.run.InputTokens
	m.committed.OutputTokens += m.run.OutputTokens
	m.committed.CostUSD += m.run.CostUSD
	m.run = Usage{}
}

// Reset zeroes every counter for a new session.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = Usage{}
	m.run = Usage{}
}

// Snapshot returns the session totals.
func (m *Meter) Snapshot() TokenCount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Meter) snapshotLocked() TokenCount {
	in := m.committed.InputTokens + m.run.InputTokens
	out := m.committed.OutputTokens + m.run.OutputTokens
	return TokenCount{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		CostUSD:      m.committed.CostUSD + m.run.CostUSD,
	}
}
