package metrics

import (
	"context"
	"sync"

	"github.com/lokutor-ai/convocore/pkg/scheduler"
)

// SchedulerAdapter satisfies scheduler.Metrics by forwarding to the OTel
// instruments in Metrics, recording absolute queue depth as a running delta
// since UpDownCounter only supports additive changes.
type SchedulerAdapter struct {
	m *Metrics

	mu       sync.Mutex
	lastSeen map[scheduler.Class]int64
}

// NewSchedulerAdapter wraps m for use as a scheduler.Metrics sink.
func NewSchedulerAdapter(m *Metrics) *SchedulerAdapter {
	return &SchedulerAdapter{m: m, lastSeen: make(map[scheduler.Class]int64)}
}

func (a *SchedulerAdapter) Submitted(class scheduler.Class) { a.m.Submitted(context.Background(), string(class)) }
func (a *SchedulerAdapter) Completed(class scheduler.Class) { a.m.Completed(context.Background(), string(class)) }
func (a *SchedulerAdapter) Failed(class scheduler.Class)    { a.m.Failed(context.Background(), string(class)) }

func (a *SchedulerAdapter) QueueDepth(class scheduler.Class, depth int) {
	a.mu.Lock()
	prev := a.lastSeen[class]
	a.lastSeen[class] = int64(depth)
	a.mu.Unlock()
	a.m.SetQueueDepth(context.Background(), string(class), int64(depth)-prev)
}
