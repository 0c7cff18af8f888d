package selftest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/model"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// memStore implements ResultStore in memory and counts writes.
type memStore struct {
	result     model.SelftestResult
	flags      model.AutoRunFlags
	saves      int
	loadErr    error
	flagClears int
}

func newMemStore(tools int) *memStore {
	return &memStore{
		result: model.NewSelftestResult(tools),
		flags:  model.AutoRunFlags{RunSelftest: true, RunXYZCalib: true, RunFirstLayer: true},
	}
}

func (s *memStore) LoadResult() (model.SelftestResult, error) {
	if s.loadErr != nil {
		return model.SelftestResult{}, s.loadErr
	}
	return s.result.Clone(), nil
}

func (s *memStore) SaveResult(r model.SelftestResult) error {
	s.result = r.Clone()
	s.saves++
	return nil
}

func (s *memStore) ClearAutoRunFlags() error {
	s.flags = model.AutoRunFlags{}
	s.flagClears++
	return nil
}

type fakeMachine struct {
	bedTargets    []float64
	nozzleTargets map[int][]float64
	fanExits      map[int]int
	heatersOff    int
	steppersOff   int
	zCalibrations int
	zCalibErr     error
	zMoves        []float64
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{nozzleTargets: map[int][]float64{}, fanExits: map[int]int{}}
}

func (m *fakeMachine) SetBedTarget(c float64) { m.bedTargets = append(m.bedTargets, c) }
func (m *fakeMachine) SetNozzleTarget(tool int, c float64) {
	m.nozzleTargets[tool] = append(m.nozzleTargets[tool], c)
}
func (m *fakeMachine) ExitFanSelftestMode(tool int) { m.fanExits[tool]++ }
func (m *fakeMachine) DisableAllHeaters() { m.heatersOff++ }
func (m *fakeMachine) DisableSteppers() { m.steppersOff++ }
func (m *fakeMachine) CalibrateZ() error {
	m.zCalibrations++
	return m.zCalibErr
}
func (m *fakeMachine) MoveZ(mm float64) error {
	m.zMoves = append(m.zMoves, mm)
	return nil
}

// scriptedHandler stays running for `polls` polls and then completes with
// the same result for every component of its kind.
type scriptedHandler struct {
	req     HandlerRequest
	polls   int
	result  model.TestResult
	retry   bool
	polled  int
	aborted bool
}

func (h *scriptedHandler) Poll() Progress {
	h.polled++
	if h.polled <= h.polls {
		return Running()
	}
	var findings []Finding
	for _, c := range h.req.Kind.Components() {
		findings = append(findings, Finding{Component: c, Tool: h.req.Tool, Result: h.result})
	}
	p := Completed(findings...)
	p.Retry = h.retry
	return p
}

func (h *scriptedHandler) Abort() { h.aborted = true }

// scriptFactory builds scriptedHandlers. Results default to Passed after
// two running polls.
type scriptFactory struct {
	results  map[Kind]model.TestResult
	polls    map[Kind]int
	retry    map[Kind]bool
	fail     map[Kind]bool
	created  []*scriptedHandler
	requests []HandlerRequest
}

func newScriptFactory() *scriptFactory {
	return &scriptFactory{
		results: map[Kind]model.TestResult{},
		polls:   map[Kind]int{},
		retry:   map[Kind]bool{},
		fail:    map[Kind]bool{},
	}
}

func (f *scriptFactory) NewHandler(req HandlerRequest) (PhaseHandler, error) {
	f.requests = append(f.requests, req)
	if f.fail[req.Kind] {
		return nil, errors.New("simulated construction failure")
	}
	result, ok := f.results[req.Kind]
	if !ok {
		result = model.ResultPassed
	}
	polls, ok := f.polls[req.Kind]
	if !ok {
		polls = 2
	}
	h := &scriptedHandler{req: req, polls: polls, result: result, retry: f.retry[req.Kind]}
	f.created = append(f.created, h)
	return h, nil
}

func (f *scriptFactory) count(k Kind) int {
	n := 0
	for _, r := range f.requests {
		if r.Kind == k {
			n++
		}
	}
	return n
}

func (f *scriptFactory) handlersOf(k Kind) []*scriptedHandler {
	var out []*scriptedHandler
	for _, h := range f.created {
		if h.req.Kind == k {
			out = append(out, h)
		}
	}
	return out
}

// responseQueue answers prompts from a per-state queue.
type responseQueue struct {
	pending map[State][]model.Response
}

func (q *responseQueue) TakeResponse(s State) model.Response {
	rs := q.pending[s]
	if len(rs) == 0 {
		return model.ResponseNone
	}
	q.pending[s] = rs[1:]
	return rs[0]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(t events.EventType, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events.Event{Type: t, Data: data})
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	c         *Controller
	clock     *fakeClock
	store     *memStore
	machine   *fakeMachine
	factory   *scriptFactory
	responses *responseQueue
	pub       *recordingPublisher
}

const testLoopPeriod = 50 * time.Millisecond

func newHarness(t *testing.T, tools int) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		store:     newMemStore(tools),
		machine:   newFakeMachine(),
		factory:   newScriptFactory(),
		responses: &responseQueue{pending: map[State][]model.Response{}},
		pub:       &recordingPublisher{},
	}
	h.c = NewController(Options{
		Store:            h.store,
		Machine:          h.machine,
		Factory:          h.factory,
		Responses:        h.responses,
		Publisher:        h.pub,
		Now:              h.clock.Now,
		ToolCount:        tools,
		LoopPeriod:       testLoopPeriod,
		WaitDwell:        200 * time.Millisecond,
		HeaterRetryLimit: 2,
		PreheatBedTemp:   35,
	})
	return h
}

// step advances the clock by one loop period and ticks once.
func (h *harness) step() {
	h.clock.Advance(testLoopPeriod)
	h.c.Loop()
}

// runUntil ticks until cond holds or maxTicks is exhausted.
func (h *harness) runUntil(t *testing.T, maxTicks int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if cond() {
			return
		}
		h.step()
	}
	if !cond() {
		t.Fatalf("condition not reached after %d ticks, state=%s", maxTicks, h.c.State())
	}
}

func (h *harness) runToEnd(t *testing.T) {
	t.Helper()
	h.runUntil(t, 500, func() bool { return !h.c.IsInProgress() })
}

// visited returns the target states of every state change, in order.
func (h *harness) visited() []State {
	var out []State
	for _, e := range h.pub.ofType(events.EventStateChanged) {
		name := e.Data["to"].(string)
		for _, s := range States() {
			if s.String() == name {
				out = append(out, s)
			}
		}
	}
	return out
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
