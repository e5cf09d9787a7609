// Package chart submits birth payloads to the chart calculation service and
// tracks the outcome of the latest submission.
package chart

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	appLog "astroai/internal/log"
	"astroai/internal/model"
)

// Status is the phase of a submission.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// State is a copy of the coordinator's state. Chart is set only when
// Fulfilled; Message and Kind only when Rejected.
type State struct {
	Status  Status            `json:"status"`
	Chart   *model.NatalChart `json:"chart,omitempty"`
	Message string            `json:"message,omitempty"`
	Kind    Kind              `json:"kind,omitempty"`
	// Seq identifies the submission this state belongs to; 0 before the
	// first one.
	Seq uint64 `json:"seq"`
}

// Coordinator runs at most one visible submission at a time. A newer
// Submit or a Clear supersedes the outstanding request: its response is
// discarded when it arrives, whatever the order.
type Coordinator struct {
	calc Calculator

	mu    sync.Mutex
	state State
	seq   uint64
	// version counts transitions, including several within one seq.
	version   uint64
	cancel    context.CancelFunc
	listeners []func(State)

	// notifyMu serializes delivery; delivered is the newest version sent.
	notifyMu  sync.Mutex
	delivered uint64
}

// NewCoordinator creates an Idle coordinator.
func NewCoordinator(calc Calculator) *Coordinator {
	return &Coordinator{
		calc:  calc,
		state: State{Status: StatusIdle},
	}
}

// Subscribe registers fn to be called after state transitions. Calls are
// serialized and never go backwards: a transition that loses the race to
// a newer one is skipped. fn must not call back into the coordinator.
func (c *Coordinator) Subscribe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit sends payload and blocks until the request settles. A nil payload
// is ignored and the current state returned. If the submission is
// superseded before it settles, the newer state is returned instead.
func (c *Coordinator) Submit(ctx context.Context, payload *model.BirthPayload) State {
	if payload == nil {
		return c.State()
	}
	seq, reqCtx, _ := c.begin(ctx)
	return c.run(reqCtx, seq, *payload)
}

// SubmitAsync moves to Pending and returns immediately; the request runs
// in the background. A nil payload is ignored.
func (c *Coordinator) SubmitAsync(payload *model.BirthPayload) State {
	if payload == nil {
		return c.State()
	}
	seq, reqCtx, pending := c.begin(context.Background())
	go c.run(reqCtx, seq, *payload)
	return pending
}

// Clear returns to Idle and invalidates any outstanding request. It does
// nothing when already Idle.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	if c.state.Status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.seq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = State{Status: StatusIdle, Seq: c.seq}
	c.version++
	snap, version, listeners := c.state, c.version, c.listeners
	c.mu.Unlock()

	appLog.Info("chart submission cleared", "seq", snap.Seq)
	c.publish(version, listeners, snap)
}

func (c *Coordinator) begin(ctx context.Context) (uint64, context.Context, State) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.seq++
	seq := c.seq
	c.cancel = cancel
	c.state = State{Status: StatusPending, Seq: seq}
	c.version++
	snap, version, listeners := c.state, c.version, c.listeners
	c.mu.Unlock()

	appLog.Info("chart submission pending", "seq", seq)
	c.publish(version, listeners, snap)
	return seq, reqCtx, snap
}

func (c *Coordinator) run(ctx context.Context, seq uint64, payload model.BirthPayload) State {
	chart, err := c.calc.Calculate(ctx, payload)

	c.mu.Lock()
	if seq != c.seq {
		current := c.state
		c.mu.Unlock()
		appLog.Debug("chart response discarded as stale", "seq", seq, "current", current.Seq)
		return current
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if err != nil {
		c.state = rejected(seq, err)
	} else {
		c.state = State{Status: StatusFulfilled, Chart: chart, Seq: seq}
	}
	c.version++
	snap, version, listeners := c.state, c.version, c.listeners
	c.mu.Unlock()

	if snap.Status == StatusRejected {
		appLog.Info("chart submission rejected", "seq", seq, "kind", snap.Kind, "message", snap.Message)
	} else {
		appLog.Info("chart submission fulfilled", "seq", seq)
	}
	c.publish(version, listeners, snap)
	return snap
}

func rejected(seq uint64, err error) State {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return State{Status: StatusRejected, Message: rerr.Message, Kind: rerr.Kind, Seq: seq}
	}
	return State{Status: StatusRejected, Message: err.Error(), Kind: KindNetwork, Seq: seq}
}

// publish delivers s unless a newer version was already delivered.
func (c *Coordinator) publish(version uint64, listeners []func(State), s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if version <= c.delivered {
		return
	}
	c.delivered = version
	for _, fn := range listeners {
		fn(s)
	}
}
