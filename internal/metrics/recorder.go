package metrics

import (
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/conductor"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
)

// Bind subscribes to every event a conductor emits and records the
// corresponding Prometheus series. Grounded on the teacher's
// middleware.Metrics gin handler (observe duration + inc counter per
// request) adapted from an HTTP request/response pair to a claim/resolve
// dispatch sequence.
func Bind(n *notifier.Notifier) {
	starts := newStartTimes()

	n.Register(conductor.EventJobClaimed, func(event string, details map[string]any) {
		JobsInFlight.Inc()
		starts.mark(jobUUID(details))
		if createdMillis, ok := details["created_on_millis"].(int64); ok && createdMillis > 0 {
			JobClaimLatency.Observe(time.Since(time.UnixMilli(createdMillis)).Seconds())
		}
	})

	n.Register(conductor.EventCompilationFailure, func(event string, details map[string]any) {
		CompilationFailuresTotal.WithLabelValues(jobName(details)).Inc()
	})

	resolve := func(outcome string) notifier.Handler {
		return func(event string, details map[string]any) {
			JobsResolvedTotal.WithLabelValues(outcome).Inc()
			// Only the first resolve event for a claim leaves the
			// in-flight count (a trashed job emits job_abandoned first).
			if start, ok := starts.take(jobUUID(details)); ok {
				JobsInFlight.Dec()
				DispatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			}
		}
	}
	n.Register(conductor.EventJobConsumed, resolve("consumed"))
	n.Register(conductor.EventJobAbandoned, resolve("abandoned"))
	n.Register(conductor.EventJobTrashed, resolve("trashed"))
}

func jobUUID(details map[string]any) string {
	uuid, _ := details["job_uuid"].(string)
	return uuid
}

func jobName(details map[string]any) string {
	name, _ := details["job_name"].(string)
	return name
}

// startTimes tracks claim time per in-flight job uuid so dispatch
// duration can be measured from claim (not from running_start, which
// would hide queueing time spent on compile/listener setup).
type startTimes struct {
	ch chan map[string]time.Time
}

func newStartTimes() *startTimes {
	s := &startTimes{ch: make(chan map[string]time.Time, 1)}
	s.ch <- make(map[string]time.Time)
	return s
}

func (s *startTimes) mark(uuid string) {
	if uuid == "" {
		return
	}
	m := <-s.ch
	m[uuid] = time.Now()
	s.ch <- m
}

func (s *startTimes) take(uuid string) (time.Time, bool) {
	m := <-s.ch
	t, ok := m[uuid]
	if ok {
		delete(m, uuid)
	}
	s.ch <- m
	return t, ok
}
