package metrics

import "context"

// SessionAdapter satisfies session.MetricsSink by forwarding to the OTel
// instruments in Metrics. It's defined without importing pkg/session to
// avoid a dependency cycle (pkg/session never needs to know about OTel);
// callers pass *SessionAdapter to session.New where a session.MetricsSink
// is expected, matching structurally.
type SessionAdapter struct {
	m *Metrics
}

// NewSessionAdapter wraps m for use as a session.MetricsSink.
func NewSessionAdapter(m *Metrics) *SessionAdapter {
	return &SessionAdapter{m: m}
}

func (a *SessionAdapter) SessionOpened() { a.m.ActiveSessions.Add(context.Background(), 1) }
func (a *SessionAdapter) SessionClosed() { a.m.ActiveSessions.Add(context.Background(), -1) }
func (a *SessionAdapter) BargeIn()       { a.m.BargeIns.Add(context.Background(), 1) }
