package music

// Metrics receives controller counters. The Prometheus implementation lives
// in the telemetry package.
type Metrics interface {
	TransitionStarted(trigger string)
	TransitionDropped(trigger, reason string)
	TrackStarted()
	TrackFailed(kind ErrorKind)
	LockForceReleased()
	QueueExtended(n int)
	SessionCompleted(reason string)
}

type nopMetrics struct{}

func (nopMetrics) TransitionStarted(string)         {}
func (nopMetrics) TransitionDropped(string, string) {}
func (nopMetrics) TrackStarted()                    {}
func (nopMetrics) TrackFailed(ErrorKind)            {}
func (nopMetrics) LockForceReleased()               {}
func (nopMetrics) QueueExtended(int)                {}
func (nopMetrics) SessionCompleted(string)          {}
