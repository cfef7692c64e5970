// Package queue implements the per-agent execution queue and circuit
// breaker (§4.3): a bounded FIFO per agent serializing calls to a single
// downstream agent, wrapped in a circuit breaker that fast-fails while the
// agent is unhealthy.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/metrics"
)

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Settings configures every per-agent queue the same way, mirroring the
// enumerated configuration in §6.
type Settings struct {
	MaxQueueLen       int
	FailureThreshold  uint32
	CooldownSeconds   float64
}

// Queue owns one bounded FIFO + circuit breaker per agent name.
type Queue struct {
	settings Settings

	mu     sync.Mutex
	agents map[string]*agentQueue
}

// New creates a Queue. A zero-value Settings field falls back to the
// spec-default (queue length 3, failure threshold 3, cooldown 60s).
func New(settings Settings) *Queue {
	if settings.MaxQueueLen <= 0 {
		settings.MaxQueueLen = 3
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.CooldownSeconds <= 0 {
		settings.CooldownSeconds = 60
	}
	return &Queue{settings: settings, agents: map[string]*agentQueue{}}
}

type job struct {
	ctx      context.Context
	fn       func(ctx context.Context) (any, error)
	resultCh chan jobResult
}

type jobResult struct {
	val any
	err error
}

type agentQueue struct {
	name string
	jobs chan *job

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker[any]
	cfg     Settings
}

// Submit enqueues fn for serialized execution against agent, subject to the
// circuit breaker and queue-length bound. It blocks until fn has run (or
// the queue/circuit rejects it, or ctx is cancelled while waiting on a
// result).
func (q *Queue) Submit(ctx context.Context, agent string, fn func(ctx context.Context) (any, error)) (any, error) {
	aq := q.getOrCreate(agent)

	aq.mu.Lock()
	state := aq.breaker.State()
	aq.mu.Unlock()
	metrics.CircuitState.WithLabelValues(agent).Set(circuitStateGauge(state))
	if state == gobreaker.StateOpen {
		return nil, enginerr.New(enginerr.KindCircuitOpen, "circuit open for agent "+agent)
	}

	j := &job{ctx: ctx, fn: fn, resultCh: make(chan jobResult, 1)}
	select {
	case aq.jobs <- j:
	default:
		return nil, enginerr.New(enginerr.KindAgentBusy, "agent queue full for "+agent)
	}
	metrics.QueueDepth.WithLabelValues(agent).Set(float64(len(aq.jobs)))

	select {
	case res := <-j.resultCh:
		aq.mu.Lock()
		metrics.CircuitState.WithLabelValues(agent).Set(circuitStateGauge(aq.breaker.State()))
		aq.mu.Unlock()
		if res.err != nil {
			if errors.Is(res.err, gobreaker.ErrOpenState) {
				return nil, enginerr.New(enginerr.KindCircuitOpen, "circuit open for agent "+agent)
			}
			return nil, res.err
		}
		return res.val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) getOrCreate(agent string) *agentQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if aq, ok := q.agents[agent]; ok {
		return aq
	}
	aq := &agentQueue{
		name: agent,
		jobs: make(chan *job, q.settings.MaxQueueLen),
		cfg:  q.settings,
	}
	aq.breaker = newBreaker(agent, aq.cfg)
	go aq.run()
	q.agents[agent] = aq
	return aq
}

func (aq *agentQueue) run() {
	for j := range aq.jobs {
		aq.mu.Lock()
		breaker := aq.breaker
		aq.mu.Unlock()
		res, err := breaker.Execute(func() (any, error) {
			return j.fn(j.ctx)
		})
		j.resultCh <- jobResult{val: res, err: err}
	}
}

func newBreaker(agent string, cfg Settings) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        agent,
		MaxRequests: 1, // half-open admits exactly one request (§8 circuit fairness)
		Timeout:     durationSeconds(cfg.CooldownSeconds),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	})
}

// CircuitInfo summarizes one agent's breaker for GetCircuitStates.
type CircuitInfo struct {
	State        string
	FailureCount uint32
}

// States returns a snapshot of every agent's circuit breaker seen so far.
func (q *Queue) States() map[string]CircuitInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]CircuitInfo, len(q.agents))
	for name, aq := range q.agents {
		aq.mu.Lock()
		counts := aq.breaker.Counts()
		state := aq.breaker.State()
		aq.mu.Unlock()
		out[name] = CircuitInfo{State: stateName(state), FailureCount: counts.ConsecutiveFailures}
	}
	return out
}

// Reset forces an agent's circuit breaker back to closed, per the
// ResetCircuit query API (§6). gobreaker does not expose a direct reset, so
// a fresh breaker instance is swapped in under lock.
func (q *Queue) Reset(agent string) {
	aq := q.getOrCreate(agent)
	aq.mu.Lock()
	aq.breaker = newBreaker(agent, aq.cfg)
	aq.mu.Unlock()
	metrics.CircuitState.WithLabelValues(agent).Set(0)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func circuitStateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
