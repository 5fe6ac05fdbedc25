package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidnguyen-tech/polypilot/assign"
	"github.com/davidnguyen-tech/polypilot/core"
	"github.com/davidnguyen-tech/polypilot/cycle"
	"github.com/davidnguyen-tech/polypilot/logging"
	"github.com/davidnguyen-tech/polypilot/sentinel"
	"github.com/davidnguyen-tech/polypilot/session"
)

// Package errors.
var (
	// ErrErrorBudgetExhausted is returned when three consecutive iterations
	// raised exceptions and the cycle was force-terminated.
	ErrErrorBudgetExhausted = errors.New("engine: error budget exhausted")

	// ErrNoAssignments is returned when first-iteration planning produced no
	// parseable task assignments after all retries.
	ErrNoAssignments = errors.New("engine: planning yielded no task assignments")

	// ErrRunExists is returned when a reflection run is already active for
	// the group.
	ErrRunExists = errors.New("engine: reflection already running for group")

	// ErrRunNotFound is returned when no active run exists for the group.
	ErrRunNotFound = errors.New("engine: no active reflection run for group")
)

// Sessions is the slice of the session service the engine depends on.
// *session.Service satisfies it.
type Sessions interface {
	Send(ctx context.Context, name, prompt string) (*session.Future, error)
	Get(name string) (*core.Session, bool)
}

// StateStore persists a group's serialized reflection state. The org store
// satisfies it; tests use an in-memory fake.
type StateStore interface {
	SaveReflectionState(groupID string, state []byte) error
}

// Config defines tuning parameters for the orchestration loop.
type Config struct {
	// PlanRetries is how many planning attempts the first iteration gets
	// before the iteration counts as failed. Later iterations never retry:
	// an empty plan there means the orchestrator judged the goal met.
	PlanRetries int

	// WorkerTimeout is the fixed per-dispatch ceiling. A worker exceeding it
	// yields a failed WorkerResult without aborting its siblings.
	WorkerTimeout time.Duration

	// ErrorBackoff is the pause after a failed iteration before retrying.
	ErrorBackoff time.Duration

	// Cycle configures the reflection cycle driven by this engine.
	Cycle cycle.Config
}

// DefaultConfig provides the baseline engine configuration.
var DefaultConfig = Config{
	PlanRetries:   3,
	WorkerTimeout: 10 * time.Minute,
	ErrorBackoff:  2 * time.Second,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters for the loop.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Store persists reflection state after each iteration. Defaults to a
	// no-op store.
	Store StateStore

	// Callbacks receives lifecycle notifications. Optional.
	Callbacks *CallbackRegistry

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger
}

// Request describes one reflection run for a group.
type Request struct {
	// Group is the session group being driven. Its ReflectionState is
	// consulted on resume and updated as the run progresses.
	Group *core.SessionGroup

	// Goal is the user's stated objective, threaded into every prompt.
	Goal string

	// Orchestrator is the session name that plans and delegates.
	Orchestrator string

	// Workers are the group members available for task assignment.
	Workers []core.Membership

	// EvaluatorSession optionally names an independent session that scores
	// each iteration's synthesis. Empty means orchestrator self-evaluation
	// via sentinels.
	EvaluatorSession string

	// Resume restores the cycle from Group.ReflectionState instead of
	// starting fresh.
	Resume bool
}

// Result carries the terminal cycle and the last iteration's outputs.
type Result struct {
	Cycle         *cycle.Cycle
	Synthesis     string
	WorkerResults []core.WorkerResult
}

// Engine runs reflection loops. Safe for concurrent use; at most one active
// run per group.
type Engine struct {
	sessions  Sessions
	store     StateStore
	cfg       Config
	callbacks *CallbackRegistry
	logger    logging.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one background reflection loop.
type run struct {
	cancel context.CancelFunc
	pause  chan struct{} // closed to request a pause
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	result *Result
	err    error
}

func (r *run) pauseRequested() bool {
	select {
	case <-r.pause:
		return true
	default:
		return false
	}
}

// New creates an Engine over the given session service.
func New(sessions Sessions, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.PlanRetries <= 0 {
		opts.Config.PlanRetries = DefaultConfig.PlanRetries
	}
	if opts.Config.WorkerTimeout <= 0 {
		opts.Config.WorkerTimeout = DefaultConfig.WorkerTimeout
	}
	if opts.Config.ErrorBackoff <= 0 {
		opts.Config.ErrorBackoff = DefaultConfig.ErrorBackoff
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackRegistry()
	}
	return &Engine{
		sessions:  sessions,
		store:     opts.Store,
		cfg:       opts.Config,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
	}
}

// Run executes the reflection loop synchronously until the cycle terminates,
// the context is cancelled, or a pause is requested via a background run
// handle. The returned Result always carries the cycle, even on error.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	return e.runLoop(ctx, req, nil)
}

// Start launches the reflection loop in the background. Use Stop, Pause and
// Status to control and observe it.
func (e *Engine) Start(ctx context.Context, req Request) error {
	if req.Group == nil {
		return fmt.Errorf("engine: request has no group")
	}

	e.mu.Lock()
	if e.runs == nil {
		e.runs = make(map[string]*run)
	}
	if _, exists := e.runs[req.Group.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunExists, req.Group.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		cancel: cancel,
		pause:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.runs[req.Group.ID] = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		res, err := e.runLoop(runCtx, req, r)
		r.mu.Lock()
		r.result, r.err = res, err
		r.mu.Unlock()

		e.mu.Lock()
		delete(e.runs, req.Group.ID)
		e.mu.Unlock()
	}()
	return nil
}

// Stop cancels the group's active run and waits for it to unwind.
func (e *Engine) Stop(groupID string) error {
	e.mu.Lock()
	r, ok := e.runs[groupID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, groupID)
	}
	r.cancel()
	<-r.done
	return nil
}

// Pause asks the group's run to stop advancing after the current iteration,
// preserving all cycle state for a later resume.
func (e *Engine) Pause(groupID string) error {
	e.mu.Lock()
	r, ok := e.runs[groupID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, groupID)
	}
	r.once.Do(func() { close(r.pause) })
	return nil
}

// Active reports whether a reflection run is in flight for the group.
func (e *Engine) Active(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[groupID]
	return ok
}

func (e *Engine) runLoop(ctx context.Context, req Request, r *run) (*Result, error) {
	if req.Group == nil {
		return nil, fmt.Errorf("engine: request has no group")
	}
	if req.Orchestrator == "" {
		return nil, fmt.Errorf("engine: request has no orchestrator session")
	}
	if len(req.Workers) == 0 {
		return nil, fmt.Errorf("engine: request has no workers")
	}

	c, err := e.buildCycle(req)
	if err != nil {
		return nil, err
	}
	res := &Result{Cycle: c}

	log := e.logger
	log.Info("reflection run starting",
		"group", req.Group.ID,
		"orchestrator", req.Orchestrator,
		"workers", len(req.Workers),
		"max_iterations", c.MaxIterations)

	for c.IsActive {
		if err := ctx.Err(); err != nil {
			c.Cancel()
			e.persist(req.Group, c)
			return res, err
		}
		if r != nil && r.pauseRequested() {
			c.Pause()
			e.persist(req.Group, c)
			log.Info("reflection run paused", "group", req.Group.ID, "iteration", c.CurrentIteration)
			return res, nil
		}

		iter := c.BeginIteration()
		if err := e.callbacks.invoke(ctx, CallbackEvent{
			Type: CallbackBeforeIteration, GroupID: req.Group.ID, Iteration: iter,
		}); err != nil {
			c.Cancel()
			e.persist(req.Group, c)
			return res, fmt.Errorf("before-iteration callback: %w", err)
		}

		iterErr := e.iterate(ctx, c, req, iter, res)
		if iterErr != nil {
			if ctx.Err() != nil {
				c.Cancel()
				e.persist(req.Group, c)
				return res, ctx.Err()
			}
			c.RewindIteration()
			e.callbacks.invoke(ctx, CallbackEvent{
				Type: CallbackOnError, GroupID: req.Group.ID, Iteration: iter, Err: iterErr,
			})
			if c.RecordError() {
				c.Terminate()
				e.persist(req.Group, c)
				log.Error("reflection run terminated, error budget exhausted",
					"group", req.Group.ID, "errors", c.ConsecutiveErrors)
				return res, fmt.Errorf("%w: %v", ErrErrorBudgetExhausted, iterErr)
			}
			log.Warn("iteration failed, backing off",
				"group", req.Group.ID,
				"iteration", iter,
				"consecutive_errors", c.ConsecutiveErrors,
				"error", iterErr.Error())
			if err := sleepCtx(ctx, e.cfg.ErrorBackoff); err != nil {
				c.Cancel()
				e.persist(req.Group, c)
				return res, err
			}
			continue
		}

		c.ResetErrors()
		e.persist(req.Group, c)
		e.callbacks.invoke(ctx, CallbackEvent{
			Type: CallbackAfterIteration, GroupID: req.Group.ID, Iteration: iter,
			Results: res.WorkerResults,
		})
	}

	log.Info("reflection run finished",
		"group", req.Group.ID,
		"reason", c.Reason().String(),
		"iterations", c.CurrentIteration)
	return res, nil
}

func (e *Engine) buildCycle(req Request) (*cycle.Cycle, error) {
	cfg := e.cfg.Cycle
	if cfg.MaxIterations <= 0 {
		cfg = cycle.DefaultConfig()
	}
	if req.Resume && len(req.Group.ReflectionState) > 0 {
		c, err := cycle.Restore(req.Group.ReflectionState, cfg)
		if err != nil {
			return nil, fmt.Errorf("resume reflection state: %w", err)
		}
		c.Resume()
		return c, nil
	}
	c := cycle.New(req.Goal, cfg)
	c.EvaluatorSession = req.EvaluatorSession
	return c, nil
}

// iterate runs one full plan/dispatch/collect/evaluate pass. Any error is an
// iteration exception charged against the error budget by the caller.
func (e *Engine) iterate(ctx context.Context, c *cycle.Cycle, req Request, iter int, res *Result) error {
	assignments, planText, err := e.plan(ctx, c, req, iter)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		// Past the first iteration an empty plan is the orchestrator's way
		// of saying the goal is met.
		c.AdvanceWithEvaluation(planText, true, "")
		res.Synthesis = planText
		return nil
	}

	e.callbacks.invoke(ctx, CallbackEvent{
		Type: CallbackBeforeDispatch, GroupID: req.Group.ID, Iteration: iter,
		Assignments: assignments,
	})
	results := e.dispatch(ctx, req, assignments)
	res.WorkerResults = results
	e.callbacks.invoke(ctx, CallbackEvent{
		Type: CallbackAfterDispatch, GroupID: req.Group.ID, Iteration: iter,
		Results: results,
	})

	synthesis := synthesize(results)
	res.Synthesis = synthesis

	score, passed, feedback, err := e.evaluate(ctx, c, req, synthesis)
	if err != nil {
		return err
	}
	e.callbacks.invoke(ctx, CallbackEvent{
		Type: CallbackOnEvaluation, GroupID: req.Group.ID, Iteration: iter,
		Score: score, Passed: passed,
	})

	c.AdvanceWithEvaluation(synthesis, passed, feedback)
	return nil
}

// plan sends the planning prompt and parses assignments from the reply. The
// first iteration retries an empty parse up to PlanRetries attempts; later
// iterations return the empty plan for the caller to treat as success.
func (e *Engine) plan(ctx context.Context, c *cycle.Cycle, req Request, iter int) ([]core.TaskAssignment, string, error) {
	roster := make([]string, 0, len(req.Workers))
	for _, w := range req.Workers {
		roster = append(roster, w.SessionName)
	}

	attempts := 1
	if iter == 1 {
		attempts = e.cfg.PlanRetries
	}

	prompt := planningPrompt(req, c, iter)
	var text string
	for i := 0; i < attempts; i++ {
		fut, err := e.sessions.Send(ctx, req.Orchestrator, prompt)
		if err != nil {
			return nil, "", fmt.Errorf("plan: %w", err)
		}
		text, err = fut.Wait(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("plan: %w", err)
		}

		assignments := assign.Parse(text, roster)
		if len(assignments) > 0 {
			return assignments, text, nil
		}
		if iter > 1 {
			return nil, text, nil
		}
		e.logger.Warn("planning produced no assignments, retrying",
			"group", req.Group.ID, "attempt", i+1)
	}
	return nil, text, ErrNoAssignments
}

// dispatch fans one send per assignment out to its worker and joins all of
// them. A failed or timed-out worker yields success=false without aborting
// siblings.
func (e *Engine) dispatch(ctx context.Context, req Request, assignments []core.TaskAssignment) []core.WorkerResult {
	specs := make(map[string]core.Membership, len(req.Workers))
	for _, w := range req.Workers {
		specs[w.SessionName] = w
	}

	results := make([]core.WorkerResult, len(assignments))
	var wg sync.WaitGroup
	for i, a := range assignments {
		wg.Add(1)
		go func(i int, a core.TaskAssignment) {
			defer wg.Done()
			results[i] = e.runWorker(ctx, req, specs[a.Worker], a)
		}(i, a)
	}
	wg.Wait()
	return results
}

func (e *Engine) runWorker(ctx context.Context, req Request, m core.Membership, a core.TaskAssignment) core.WorkerResult {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WorkerTimeout)
	defer cancel()

	fail := func(err error) core.WorkerResult {
		e.logger.Warn("worker dispatch failed",
			"group", req.Group.ID, "worker", a.Worker, "error", err.Error())
		return core.WorkerResult{Worker: a.Worker, Err: err, Elapsed: time.Since(start)}
	}

	fut, err := e.sessions.Send(wctx, a.Worker, workerPrompt(req.Group.SharedContext, req.Goal, m, a))
	if err != nil {
		return fail(err)
	}
	text, err := fut.Wait(wctx)
	if err != nil {
		return fail(err)
	}
	return core.WorkerResult{
		Worker:   a.Worker,
		Response: text,
		Success:  true,
		Elapsed:  time.Since(start),
	}
}

// evaluate scores one iteration's synthesis, either through the independent
// evaluator session or by orchestrator self-evaluation sentinels. The
// needs-iteration sentinel maps to a fixed low score so trend logic still
// functions.
func (e *Engine) evaluate(ctx context.Context, c *cycle.Cycle, req Request, synthesis string) (float64, bool, string, error) {
	if req.EvaluatorSession != "" {
		fut, err := e.sessions.Send(ctx, req.EvaluatorSession, evaluatorPrompt(req.Goal, synthesis))
		if err != nil {
			return 0, false, "", fmt.Errorf("evaluate: %w", err)
		}
		reply, err := fut.Wait(ctx)
		if err != nil {
			return 0, false, "", fmt.Errorf("evaluate: %w", err)
		}
		score := parseScore(reply)
		model := ""
		if s, ok := e.sessions.Get(req.EvaluatorSession); ok {
			model = s.Model
		}
		c.RecordEvaluation(score, reply, model)
		passed := c.Passed(score) || sentinel.ContainsMarker(reply, sentinel.CycleComplete)
		return score, passed, reply, nil
	}

	fut, err := e.sessions.Send(ctx, req.Orchestrator, selfEvalPrompt(req.Goal, synthesis))
	if err != nil {
		return 0, false, "", fmt.Errorf("self-evaluate: %w", err)
	}
	reply, err := fut.Wait(ctx)
	if err != nil {
		return 0, false, "", fmt.Errorf("self-evaluate: %w", err)
	}

	if sentinel.ContainsMarker(reply, sentinel.CycleComplete) {
		c.RecordEvaluation(1.0, reply, "")
		return 1.0, true, reply, nil
	}
	// Needs-iteration, or no sentinel at all, keeps the loop going.
	const needsIterationScore = 0.2
	c.RecordEvaluation(needsIterationScore, reply, "")
	return needsIterationScore, false, reply, nil
}

func (e *Engine) persist(g *core.SessionGroup, c *cycle.Cycle) {
	snap, err := c.Snapshot()
	if err != nil {
		e.logger.Error("snapshot reflection state", "group", g.ID, "error", err.Error())
		return
	}
	g.ReflectionState = snap
	if err := e.store.SaveReflectionState(g.ID, snap); err != nil {
		e.logger.Error("persist reflection state", "group", g.ID, "error", err.Error())
	}
	e.callbacks.invoke(context.Background(), CallbackEvent{
		Type: CallbackOnStatePersist, GroupID: g.ID, Iteration: c.CurrentIteration,
	})
}

// synthesize joins worker outputs into the text evaluated and stall-checked
// each iteration. Failed workers contribute their error so the evaluator sees
// the whole picture.
func synthesize(results []core.WorkerResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n", r.Worker)
		if r.Success {
			b.WriteString(r.Response)
		} else {
			fmt.Fprintf(&b, "(failed: %v)", r.Err)
		}
	}
	return b.String()
}

// parseScore extracts the evaluator's 0 to 1 score from free text. A line
// starting with "score:" wins; otherwise the first bare float in range is
// taken; otherwise zero.
func parseScore(reply string) float64 {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if rest, ok := strings.CutPrefix(lower, "score:"); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil && v >= 0 && v <= 1 {
				return v
			}
		}
	}
	for _, field := range strings.Fields(reply) {
		if v, err := strconv.ParseFloat(strings.Trim(field, ".,"), 64); err == nil && v >= 0 && v <= 1 {
			return v
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nopStore discards reflection state. Used when no persistence is wired.
type nopStore struct{}

func (nopStore) SaveReflectionState(string, []byte) error { return nil }
