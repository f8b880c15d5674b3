package lanes

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drostlabs/drost/internal/events"
)

// blockingRunner blocks each turn until released (or its context dies) and
// records the inputs it saw.
type blockingRunner struct {
	mu      sync.Mutex
	inputs  []string
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) run(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	r.mu.Unlock()
	r.started <- input
	select {
	case <-r.release:
		return Result{SessionID: sessionID, Response: "done: " + input}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case in := <-r.started:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
		return ""
	}
}

func TestInterruptCancelsActiveTurn(t *testing.T) {
	r := newBlockingRunner()
	m, err := NewManager(Policy{Mode: ModeInterrupt}, r.run, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	type submitResult struct {
		res Result
		err error
	}
	first := make(chan submitResult, 1)
	go func() {
		res, err := m.Submit(context.Background(), "s1", "first", nil)
		first <- submitResult{res, err}
	}()
	waitStarted(t, r)

	second := make(chan submitResult, 1)
	go func() {
		res, err := m.Submit(context.Background(), "s1", "second", nil)
		second <- submitResult{res, err}
	}()

	got := <-first
	if !errors.Is(got.err, ErrInterrupted) {
		t.Fatalf("first turn error = %v, want ErrInterrupted", got.err)
	}

	waitStarted(t, r)
	close(r.release)
	got = <-second
	if got.err != nil {
		t.Fatalf("second turn error = %v", got.err)
	}
	if got.res.Response != "done: second" {
		t.Errorf("second response = %q", got.res.Response)
	}
}

func TestQueueModeRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error) {
		mu.Lock()
		order = append(order, input)
		mu.Unlock()
		return Result{SessionID: sessionID, Response: input}, nil
	}
	m, err := NewManager(Policy{Mode: ModeQueue}, run, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	for _, in := range []string{"a", "b", "c"} {
		if _, err := m.Submit(context.Background(), "s1", in, nil); err != nil {
			t.Fatalf("Submit(%q): %v", in, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("run order = %q, want abc", got)
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	r := newBlockingRunner()
	m, err := NewManager(Policy{Mode: ModeQueue, Cap: 1, DropPolicy: DropOld}, r.run, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	go m.Submit(context.Background(), "s1", "active", nil)
	waitStarted(t, r)

	queuedErr := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "queued", nil)
		queuedErr <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for m.QueueLen("s1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued turn never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	newest := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "newest", nil)
		newest <- err
	}()

	if err := <-queuedErr; !errors.Is(err, ErrDropped) {
		t.Errorf("oldest queued error = %v, want ErrDropped", err)
	}

	close(r.release)
	if err := <-newest; err != nil {
		t.Errorf("newest turn error = %v", err)
	}
}

func TestQueueCapDropNewRejectsSubmitter(t *testing.T) {
	r := newBlockingRunner()
	m, err := NewManager(Policy{Mode: ModeQueue, Cap: 1, DropPolicy: DropNew}, r.run, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	go m.Submit(context.Background(), "s1", "active", nil)
	waitStarted(t, r)

	go m.Submit(context.Background(), "s1", "queued", nil)
	deadline := time.Now().Add(2 * time.Second)
	for m.QueueLen("s1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued turn never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Submit(context.Background(), "s1", "rejected", nil); !errors.Is(err, ErrDropped) {
		t.Errorf("over-cap submit error = %v, want ErrDropped", err)
	}
	close(r.release)
}

func TestCollectCoalescesInputs(t *testing.T) {
	var mu sync.Mutex
	var inputs []string
	run := func(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error) {
		mu.Lock()
		inputs = append(inputs, input)
		mu.Unlock()
		return Result{SessionID: sessionID, Response: "merged"}, nil
	}
	m, err := NewManager(Policy{Mode: ModeCollect, CollectDebounce: 40 * time.Millisecond}, run, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, in := range []string{"part one", "part two"} {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			res, err := m.Submit(context.Background(), "s1", in, nil)
			if err != nil {
				t.Errorf("Submit(%q): %v", in, err)
			}
			results[i] = res
		}(i, in)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(inputs) != 1 {
		t.Fatalf("runner invoked %d times, want 1 (inputs %q)", len(inputs), inputs)
	}
	if inputs[0] != "part one\n\npart two" {
		t.Errorf("merged input = %q", inputs[0])
	}
	for i, res := range results {
		if res.Response != "merged" {
			t.Errorf("waiter %d response = %q, want merged", i, res.Response)
		}
	}
}

func TestStopRejectsActiveAndQueued(t *testing.T) {
	r := newBlockingRunner()
	m, err := NewManager(Policy{Mode: ModeQueue}, r.run, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	active := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "active", nil)
		active <- err
	}()
	waitStarted(t, r)

	queued := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "queued", nil)
		queued <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for m.QueueLen("s1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued turn never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	if err := <-queued; !errors.Is(err, ErrStopping) {
		t.Errorf("queued error = %v, want ErrStopping", err)
	}
	if err := <-active; !errors.Is(err, ErrStopping) {
		t.Errorf("active error = %v, want ErrStopping", err)
	}
	if _, err := m.Submit(context.Background(), "s1", "late", nil); !errors.Is(err, ErrStopping) {
		t.Errorf("post-stop submit error = %v, want ErrStopping", err)
	}
}

func TestConfigurePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestration-lanes.json")
	run := func(ctx context.Context, sessionID, input string, onEvent func(events.Event)) (Result, error) {
		return Result{}, nil
	}

	m1, err := NewManager(Policy{Mode: ModeQueue}, run, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	custom := Policy{Mode: ModeCollect, Cap: 3, DropPolicy: DropNew, CollectDebounce: 250 * time.Millisecond}
	if err := m1.Configure("tg-alice", custom); err != nil {
		t.Fatal(err)
	}
	m1.Stop()

	m2, err := NewManager(Policy{Mode: ModeQueue}, run, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Stop()
	got := m2.PolicyFor("tg-alice")
	if got != custom {
		t.Errorf("restored policy = %+v, want %+v", got, custom)
	}
	if def := m2.PolicyFor("tg-bob"); def.Mode != ModeQueue {
		t.Errorf("unconfigured lane mode = %q, want queue", def.Mode)
	}
}
