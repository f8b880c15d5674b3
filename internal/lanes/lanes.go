// Package lanes serializes concurrent turn submissions per session. Each
// session gets one actor goroutine draining a mailbox of pending turns
// according to the lane policy; at most one turn is in flight per lane.
package lanes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/drostlabs/drost/internal/events"
)

// Lane modes. steer and steer_backlog are accepted aliases for interrupt
// and queue; the original system reserved them for richer semantics that
// never materialized.
type Mode string

const (
	ModeQueue        Mode = "queue"
	ModeInterrupt    Mode = "interrupt"
	ModeCollect      Mode = "collect"
	ModeSteer        Mode = "steer"
	ModeSteerBacklog Mode = "steer_backlog"
)

// canonical resolves mode aliases.
func (m Mode) canonical() Mode {
	switch m {
	case ModeSteer:
		return ModeInterrupt
	case ModeSteerBacklog, "":
		return ModeQueue
	}
	return m
}

// DropPolicy selects the victim when the queue cap is exceeded.
type DropPolicy string

const (
	DropOld DropPolicy = "old"
	DropNew DropPolicy = "new"
	// DropSummarize is reserved; it behaves as DropOld.
	DropSummarize DropPolicy = "summarize"
)

// Submission rejection errors.
var (
	ErrInterrupted = errors.New("interrupted by a newer turn")
	ErrDropped     = errors.New("dropped: lane queue is full")
	ErrStopping    = errors.New("gateway stopping")
)

// Policy is one lane's configuration.
type Policy struct {
	Mode            Mode          `json:"mode"`
	Cap             int           `json:"cap"`
	DropPolicy      DropPolicy    `json:"dropPolicy"`
	CollectDebounce time.Duration `json:"-"`
}

func (p Policy) normalized() Policy {
	if p.Cap <= 0 {
		p.Cap = 8
	}
	if p.DropPolicy == "" {
		p.DropPolicy = DropOld
	}
	if p.CollectDebounce <= 0 {
		p.CollectDebounce = 150 * time.Millisecond
	}
	return p
}

// Result is the outcome every waiter of a turn receives.
type Result struct {
	SessionID  string `json:"sessionId"`
	ProviderID string `json:"providerId"`
	Response   string `json:"response"`
}

// Runner executes one admitted turn.
type Runner func(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error)

// Notifier receives lane lifecycle events for the runtime event hub.
type Notifier func(eventType, sessionID string, attrs map[string]interface{})

// Manager owns all lanes.
type Manager struct {
	defaults Policy
	run      Runner
	notify   Notifier
	snapshot *snapshotFile

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewManager builds the lane manager. persistPath, when non-empty, restores
// and snapshots per-session lane configs across restarts.
func NewManager(defaults Policy, run Runner, persistPath string, notify Notifier) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		defaults: defaults.normalized(),
		run:      run,
		notify:   notify,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    map[string]*lane{},
	}
	if m.notify == nil {
		m.notify = func(string, string, map[string]interface{}) {}
	}
	if persistPath != "" {
		m.snapshot = &snapshotFile{path: persistPath}
		configs, err := m.snapshot.load()
		if err != nil {
			return nil, err
		}
		for sessionID, p := range configs {
			m.lane(sessionID).policy = p.normalized()
		}
	}
	return m, nil
}

func (m *Manager) lane(sessionID string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[sessionID]
	if !ok {
		l = &lane{
			m:         m,
			sessionID: sessionID,
			policy:    m.defaults,
			wake:      make(chan struct{}, 1),
		}
		m.lanes[sessionID] = l
	}
	return l
}

// Submit admits one turn into the session's lane and blocks until its
// outcome. Cancellation of ctx abandons the wait but not the turn.
func (m *Manager) Submit(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error) {
	if m.ctx.Err() != nil {
		return Result{}, ErrStopping
	}
	l := m.lane(sessionID)
	w, err := l.submit(input, onEvent)
	if err != nil {
		return Result{}, err
	}
	select {
	case out := <-w.done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SetDefaults replaces the default policy. Lanes still on the old
// defaults follow; explicitly configured lanes keep their policy.
func (m *Manager) SetDefaults(p Policy) {
	p = p.normalized()
	m.mu.Lock()
	old := m.defaults
	m.defaults = p
	lanes := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	m.mu.Unlock()
	for _, l := range lanes {
		l.mu.Lock()
		if l.policy == old {
			l.policy = p
		}
		l.mu.Unlock()
	}
}

// Configure replaces a session's lane policy and snapshots non-default
// configurations to disk.
func (m *Manager) Configure(sessionID string, p Policy) error {
	l := m.lane(sessionID)
	l.mu.Lock()
	l.policy = p.normalized()
	l.mu.Unlock()
	return m.persist()
}

// PolicyFor reports the effective policy of a session's lane.
func (m *Manager) PolicyFor(sessionID string) Policy {
	l := m.lane(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// QueueLen reports the number of pending turns in a session's lane.
func (m *Manager) QueueLen(sessionID string) int {
	l := m.lane(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (m *Manager) persist() error {
	if m.snapshot == nil {
		return nil
	}
	m.mu.Lock()
	configs := map[string]Policy{}
	for id, l := range m.lanes {
		l.mu.Lock()
		if l.policy != m.defaults {
			configs[id] = l.policy
		}
		l.mu.Unlock()
	}
	m.mu.Unlock()
	return m.snapshot.save(configs)
}

// Stop cancels every active turn and rejects all queued waiters. Queued
// turns are in-memory only; they do not survive a restart.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	lanes := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	m.mu.Unlock()
	for _, l := range lanes {
		l.stop()
	}
}

// lane is the per-session actor state.
type lane struct {
	m         *Manager
	sessionID string
	wake      chan struct{}

	mu             sync.Mutex
	policy         Policy
	queue          []*waiter
	active         *activeTurn
	collectReadyAt time.Time
	running        bool
	stopped        bool
}

type waiter struct {
	input   string
	onEvent func(events.Event)
	done    chan outcome
}

type outcome struct {
	res Result
	err error
}

type activeTurn struct {
	cancel      context.CancelFunc
	interrupted bool
}

func (l *lane) submit(input string, onEvent func(events.Event)) (*waiter, error) {
	w := &waiter{input: input, onEvent: onEvent, done: make(chan outcome, 1)}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, ErrStopping
	}
	mode := l.policy.Mode.canonical()

	if mode == ModeInterrupt {
		// Last writer wins: reject everything queued, cancel the active turn.
		for _, q := range l.queue {
			q.done <- outcome{err: ErrInterrupted}
			l.m.notify("lane.turn.dropped", l.sessionID, map[string]interface{}{"reason": "interrupted"})
		}
		l.queue = nil
		if l.active != nil {
			l.active.interrupted = true
			l.active.cancel()
		}
	}

	if len(l.queue) >= l.policy.Cap {
		switch l.policy.DropPolicy {
		case DropNew:
			l.mu.Unlock()
			l.m.notify("lane.turn.dropped", l.sessionID, map[string]interface{}{"reason": "cap", "policy": "new"})
			return nil, ErrDropped
		default: // old, summarize
			head := l.queue[0]
			l.queue = l.queue[1:]
			head.done <- outcome{err: ErrDropped}
			l.m.notify("lane.turn.dropped", l.sessionID, map[string]interface{}{"reason": "cap", "policy": "old"})
		}
	}

	l.queue = append(l.queue, w)
	if mode == ModeCollect {
		l.collectReadyAt = time.Now().Add(l.policy.CollectDebounce)
		time.AfterFunc(l.policy.CollectDebounce, l.signal)
	}
	if !l.running {
		l.running = true
		go l.loop()
	}
	l.mu.Unlock()

	l.m.notify("lane.turn.admitted", l.sessionID, map[string]interface{}{"mode": string(mode)})
	l.signal()
	return w, nil
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) loop() {
	for {
		select {
		case <-l.wake:
		case <-l.m.ctx.Done():
			l.stop()
			return
		}
		for {
			batch, ok := l.take()
			if !ok {
				break
			}
			l.runBatch(batch)
		}
	}
}

// take pops the next batch to run, or reports none ready.
func (l *lane) take() ([]*waiter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	if l.policy.Mode.canonical() == ModeCollect {
		if wait := time.Until(l.collectReadyAt); wait > 0 {
			time.AfterFunc(wait, l.signal)
			return nil, false
		}
		batch := l.queue
		l.queue = nil
		return batch, true
	}
	head := l.queue[0]
	l.queue = l.queue[1:]
	return []*waiter{head}, true
}

func (l *lane) runBatch(batch []*waiter) {
	ctx, cancel := context.WithCancel(l.m.ctx)
	turn := &activeTurn{cancel: cancel}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		cancel()
		for _, w := range batch {
			w.done <- outcome{err: ErrStopping}
		}
		return
	}
	l.active = turn
	l.mu.Unlock()

	inputs := make([]string, 0, len(batch))
	for _, w := range batch {
		inputs = append(inputs, w.input)
	}
	input := strings.Join(inputs, "\n\n")

	fanout := func(ev events.Event) {
		for _, w := range batch {
			if w.onEvent != nil {
				w.onEvent(ev)
			}
		}
	}

	l.m.notify("lane.turn.started", l.sessionID, map[string]interface{}{"collected": len(batch)})
	res, err := l.m.run(ctx, l.sessionID, input, fanout)
	cancel()

	l.mu.Lock()
	interrupted := turn.interrupted
	l.active = nil
	stopped := l.stopped
	l.mu.Unlock()

	switch {
	case err != nil && interrupted:
		err = ErrInterrupted
	case err != nil && (stopped || l.m.ctx.Err() != nil):
		err = ErrStopping
	}

	for _, w := range batch {
		w.done <- outcome{res: res, err: err}
	}
	l.m.notify("lane.turn.completed", l.sessionID, map[string]interface{}{
		"collected": len(batch),
		"ok":        err == nil,
	})
}

func (l *lane) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	queued := l.queue
	l.queue = nil
	if l.active != nil {
		l.active.cancel()
	}
	l.mu.Unlock()
	for _, w := range queued {
		w.done <- outcome{err: ErrStopping}
	}
}
