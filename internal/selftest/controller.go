package selftest

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/logging"
	"github.com/msageha/selftestd/internal/model"
)

// Publisher receives controller events. *events.Bus satisfies it.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]any)
}

// Options configures a Controller. Store, Machine and Factory are required.
type Options struct {
	Store     ResultStore
	Machine   Machine
	Factory   HandlerFactory
	Responses ResponseSource // nil answers every prompt with Continue
	Publisher Publisher
	Logger    *logging.Logger
	Now       func() time.Time

	ToolCount        int
	LoopPeriod       time.Duration
	WaitDwell        time.Duration
	HeaterRetryLimit int
	PreheatBedTemp   float64
	MoveZUpMm        float64
}

// OptionsFromConfig fills the tunables of Options from the daemon config.
func OptionsFromConfig(cfg model.SelftestConfig) Options {
	return Options{
		LoopPeriod:       time.Duration(cfg.LoopPeriodMs) * time.Millisecond,
		WaitDwell:        time.Duration(cfg.WaitDwellMs) * time.Millisecond,
		HeaterRetryLimit: cfg.HeaterRetryLimit,
		PreheatBedTemp:   cfg.PreheatBedTemp,
		MoveZUpMm:        cfg.MoveZUpMm,
	}
}

// Controller is the self-test state machine. Loop drives it from a single
// context; Start and Abort are the only entry points meant to be called from
// another context, and every public method serialises on one mutex so a
// request never lands in the middle of a tick.
type Controller struct {
	mu sync.Mutex

	opts   Options
	logger *logging.Logger

	state      State
	stateSince time.Time
	lastTick   time.Time
	entered    bool

	runID     string
	startedAt time.Time
	requested Mask
	mask      Mask
	toolMask  uint64
	tools     []int
	fullRun   bool
	retries   int
	retry     bool

	result model.SelftestResult
	slots  *slots
}

// NewController builds an idle controller.
func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ToolCount < 1 {
		opts.ToolCount = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	c := &Controller{
		opts:   opts,
		logger: opts.Logger.With("selftest"),
		state:  StateIdle,
		result: model.NewSelftestResult(opts.ToolCount),
		slots:  newSlots(opts.ToolCount),
	}
	if r, err := opts.Store.LoadResult(); err == nil {
		c.result = r
	} else {
		c.logger.Warnf("initial result load failed error=%v", err)
	}
	return c
}

// Start begins a run for the requested categories on the tools in toolMask
// (0 selects every tool). It accepts any mask; the caller must not start a
// run while IsInProgress.
func (c *Controller) Start(requested Mask, toolMask uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(requested, toolMask)
}

// TryStart is Start for concurrent callers: it starts nothing and returns
// false while a run is in progress.
func (c *Controller) TryStart(requested Mask, toolMask uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress() {
		return false
	}
	return c.start(requested, toolMask)
}

func (c *Controller) start(requested Mask, toolMask uint64) bool {
	if c.inProgress() {
		c.logger.Warnf("start while run=%s in progress state=%s, releasing its handlers", c.runID, c.state)
		c.slots.abortAll()
	}

	now := c.opts.Now()
	c.runID = uuid.NewString()
	c.startedAt = now
	c.requested = requested
	c.mask = Expand(requested)
	c.toolMask = toolMask
	c.tools = selectTools(toolMask, c.opts.ToolCount)
	c.fullRun = IsFullRun(requested)
	c.retries = 0
	c.retry = false
	c.lastTick = time.Time{}
	c.slots = newSlots(c.opts.ToolCount)

	c.logger.Infof("start run=%s requested=%#x expanded=%s tools=%v full=%t",
		c.runID, uint64(requested), c.mask, c.tools, c.fullRun)
	c.setState(StateStart)
	return true
}

// Loop performs one tick. Calls arriving sooner than the loop period after
// the previous effective tick are no-ops.
func (c *Controller) Loop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < c.opts.LoopPeriod {
		return
	}
	c.lastTick = now

	if c.tick() {
		c.next()
	}
}

// Abort stops a run in progress: every live handler is aborted and released,
// the state becomes Aborted and the machine is returned to safe defaults.
// Returns false when no run is in progress.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort()
}

// IsInProgress is true unless the controller is Idle, Finished or Aborted.
func (c *Controller) IsInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress()
}

// IsAborted is true exactly in the Aborted state.
func (c *Controller) IsAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAborted
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetAggregateResult returns a copy of the last known result table.
func (c *Controller) GetAggregateResult() model.SelftestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Clone()
}

// Snapshot is a consistent view of the controller for presentation.
type Snapshot struct {
	RunID      string
	State      State
	StateSince time.Time
	StartedAt  time.Time
	Requested  Mask
	Expanded   Mask
	ToolMask   uint64
	Tools      []int
	FullRun    bool
	InProgress bool
	Outcome    model.TestResult
	Result     model.SelftestResult
	LiveSlots  int
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RunID:      c.runID,
		State:      c.state,
		StateSince: c.stateSince,
		StartedAt:  c.startedAt,
		Requested:  c.requested,
		Expanded:   c.mask,
		ToolMask:   c.toolMask,
		Tools:      append([]int(nil), c.tools...),
		FullRun:    c.fullRun,
		InProgress: c.inProgress(),
		Outcome:    c.outcome(),
		Result:     c.result.Clone(),
		LiveSlots:  c.slots.live(),
	}
}

func (c *Controller) inProgress() bool {
	return c.state != StateIdle && c.state != StateFinished && c.state != StateAborted
}

func (c *Controller) abort() bool {
	if !c.inProgress() {
		return false
	}
	n := c.slots.abortAll()
	c.logger.Infof("abort run=%s state=%s handlers_aborted=%d", c.runID, c.state, n)
	c.setState(StateAborted)
	c.phaseFinish()
	return true
}

// next advances to the first state after the current one that is selected
// and whose prerequisites passed. Skipped states keep whatever result they
// had. The walk is bounded by the number of states.
func (c *Controller) next() {
	if c.state.Terminal() {
		return
	}
	s := c.state + 1
	for ; s < StateFinish; s++ {
		if !c.mask.Has(s) {
			continue
		}
		if c.gate(s) {
			break
		}
		c.logger.Infof("skip state=%s run=%s prerequisites=%v not passed", s, c.runID, Prerequisites(s))
		c.publish(events.EventStateSkipped, map[string]any{"state": s.String()})
	}
	c.setState(s)
}

// gate re-reads the store before evaluating a state that has prerequisites so
// results written by another writer are honoured.
func (c *Controller) gate(s State) bool {
	if len(prerequisites[s]) == 0 {
		return true
	}
	c.reloadResult()
	return CanEnter(s, c.result, c.tools)
}

func (c *Controller) setState(s State) {
	prev := c.state
	c.state = s
	c.stateSince = c.opts.Now()
	c.entered = false
	c.retry = false
	c.logger.Debugf("state %s -> %s run=%s", prev, s, c.runID)
	c.publish(events.EventStateChanged, map[string]any{"from": prev.String(), "to": s.String()})
	if s.Terminal() {
		c.publish(events.EventRunEnded, map[string]any{
			"state":     s.String(),
			"requested": uint64(c.requested),
			"expanded":  uint64(c.mask),
			"tool_mask": c.toolMask,
			"outcome":   c.outcome().String(),
			"started":   c.startedAt,
			"result":    c.result.Clone(),
		})
	}
}

func (c *Controller) outcome() model.TestResult {
	return c.result.Overall(RelevantFields(c.mask, c.tools))
}

func (c *Controller) reloadResult() {
	r, err := c.opts.Store.LoadResult()
	if err != nil {
		c.logger.Warnf("result load failed run=%s error=%v, using cached result", c.runID, err)
		return
	}
	c.result = r
}

func (c *Controller) saveResult() {
	if err := c.opts.Store.SaveResult(c.result); err != nil {
		c.logger.Errorf("result save failed run=%s error=%v", c.runID, err)
	}
}

// record merges findings into the result table and persists it at once.
func (c *Controller) record(findings []Finding) {
	if len(findings) == 0 {
		return
	}
	for _, f := range findings {
		c.result.Set(f.Component, f.Tool, f.Result)
		c.logger.Infof("result run=%s component=%s tool=%d result=%s", c.runID, f.Component, f.Tool, f.Result)
		c.publish(events.EventPhaseResult, map[string]any{
			"state":     c.state.String(),
			"component": f.Component.String(),
			"tool":      f.Tool,
			"result":    f.Result.String(),
		})
	}
	c.saveResult()
}

func (c *Controller) publish(t events.EventType, data map[string]any) {
	if c.opts.Publisher == nil {
		return
	}
	data["run_id"] = c.runID
	c.opts.Publisher.Publish(t, data)
}

func selectTools(toolMask uint64, toolCount int) []int {
	var tools []int
	for t := 0; t < toolCount && t < 64; t++ {
		if toolMask == 0 || toolMask&(1<<uint(t)) != 0 {
			tools = append(tools, t)
		}
	}
	return tools
}
