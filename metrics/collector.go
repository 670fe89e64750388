package metrics

// Collector wraps the package metrics with the run label pre-filled.
type Collector struct {
	run string
}

// NewCollector creates a Collector for the given run name (typically the
// database being generated).
func NewCollector(run string) *Collector {
	return &Collector{run: run}
}

// IncSessionsOpened increments the sessions opened counter.
func (c *Collector) IncSessionsOpened() {
	SessionsOpenedTotal.WithLabelValues(c.run).Inc()
}

// IncSessionsClosed increments the sessions closed counter for a reason.
func (c *Collector) IncSessionsClosed(reason string) {
	SessionsClosedTotal.WithLabelValues(c.run, reason).Inc()
}

// AddChunksAssigned adds to the assigned chunks counter and records the
// batch size observation.
func (c *Collector) AddChunksAssigned(n int) {
	ChunksAssignedTotal.WithLabelValues(c.run).Add(float64(n))
	BatchSize.WithLabelValues(c.run).Observe(float64(n))
}

// IncChunksCompleted increments the completed chunks counter.
func (c *Collector) IncChunksCompleted() {
	ChunksCompletedTotal.WithLabelValues(c.run).Inc()
}

// AddChunksLimbo adds to the limbo chunks counter.
func (c *Collector) AddChunksLimbo(n int) {
	ChunksLimboTotal.WithLabelValues(c.run).Add(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (c *Collector) SetActiveSessions(n int) {
	ActiveSessions.WithLabelValues(c.run).Set(float64(n))
}

// SetTargetRemaining sets the target remaining gauge.
func (c *Collector) SetTargetRemaining(n int) {
	TargetRemaining.WithLabelValues(c.run).Set(float64(n))
}

// ObserveCheckpointDuration records a checkpoint duration observation.
func (c *Collector) ObserveCheckpointDuration(seconds float64) {
	CheckpointDuration.WithLabelValues(c.run).Observe(seconds)
}

// ObserveChunkStage records the wall time of one collaborator stage for
// one chunk. Stage is "generate", "partition" or "publish".
func (c *Collector) ObserveChunkStage(stage string, seconds float64) {
	ChunkProcessingDuration.WithLabelValues(c.run, stage).Observe(seconds)
}
