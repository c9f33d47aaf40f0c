package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

// scriptedExecutor returns canned output per step name.
type scriptedExecutor struct {
	mu      sync.Mutex
	outputs map[string]string   // step -> output
	errs    map[string]error    // step -> transport error
	delays  map[string]time.Duration
	calls   map[string]int
	active  int
	peak    int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

func (s *scriptedExecutor) Execute(ctx context.Context, task persona.Task) (string, error) {
	s.mu.Lock()
	s.calls[task.Step]++
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	delay := s.delays[task.Step]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if err := s.errs[task.Step]; err != nil {
		return "", err
	}
	if out, ok := s.outputs[task.Step]; ok {
		return out, nil
	}
	return "task complete", nil
}

func newTestEngine(t *testing.T, exec persona.Executor, attempts int) *Engine {
	t.Helper()
	rc := retry.New(retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	e, err := New(DefaultConfig(), exec, verify.New(verify.BuiltinRules()), rc, nil, zap.NewNop())
	require.NoError(t, err)
	return e
}

// factorySteps builds a linear plan of Factory steps, last one final.
func factorySteps(names ...string) Plan {
	var steps []Step
	for i, name := range names {
		s := Step{Name: name, Persona: persona.Factory}
		if i > 0 {
			s.DependsOn = []Dependency{{Step: names[i-1]}}
		}
		if i == len(names)-1 {
			s.Final = true
		}
		steps = append(steps, s)
	}
	return Plan{Steps: steps}
}

func TestExecuteCompletesLinearPlan(t *testing.T) {
	exec := newScriptedExecutor()
	e := newTestEngine(t, exec, 1)

	run, err := e.Execute(context.Background(), 1, factorySteps("author", "validate", "integrate"))
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.State)
	for _, name := range []string{"author", "validate", "integrate"} {
		assert.Equal(t, StepSucceeded, run.Steps[name].State, name)
		assert.Equal(t, 1, exec.calls[name], name)
	}
	assert.False(t, run.EndedAt.IsZero())
}

func TestExecuteSkipsDependentsOfFailedStep(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["validate"] = "task failed: cannot reproduce fix"
	e := newTestEngine(t, exec, 1)

	run, err := e.Execute(context.Background(), 1, factorySteps("author", "validate", "verify", "integrate"))
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, StepSucceeded, run.Steps["author"].State)
	assert.Equal(t, StepFailed, run.Steps["validate"].State)

	// Dependents of the failure are Skipped, not Failed, and never ran.
	assert.Equal(t, StepSkipped, run.Steps["verify"].State)
	assert.Equal(t, StepSkipped, run.Steps["integrate"].State)
	assert.Zero(t, exec.calls["verify"])
	assert.Zero(t, exec.calls["integrate"])

	assert.NotEmpty(t, run.Diagnostics())
}

func TestExecuteRunRegardlessEdge(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["author"] = "task failed: nothing to do"
	e := newTestEngine(t, exec, 1)

	plan := Plan{Steps: []Step{
		{Name: "author", Persona: persona.Factory},
		{Name: "cleanup", Persona: persona.Factory, DependsOn: []Dependency{{Step: "author", RunRegardless: true}}, Final: true},
	}}

	run, err := e.Execute(context.Background(), 1, plan)
	require.NoError(t, err)

	assert.Equal(t, StepFailed, run.Steps["author"].State)
	assert.Equal(t, StepSucceeded, run.Steps["cleanup"].State)
	assert.Equal(t, RunCompleted, run.State)
}

func TestExecuteFanOutAndFanIn(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delays["left"] = 30 * time.Millisecond
	exec.delays["right"] = 30 * time.Millisecond
	e := newTestEngine(t, exec, 1)

	plan := Plan{Steps: []Step{
		{Name: "root", Persona: persona.Factory},
		{Name: "left", Persona: persona.Factory, DependsOn: []Dependency{{Step: "root"}}},
		{Name: "right", Persona: persona.Factory, DependsOn: []Dependency{{Step: "root"}}},
		{Name: "join", Persona: persona.Factory, DependsOn: []Dependency{{Step: "left"}, {Step: "right"}}, Final: true},
	}}

	run, err := e.Execute(context.Background(), 1, plan)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.State)
	// left and right overlapped.
	assert.Equal(t, 2, exec.peak)
}

func TestExecuteParallelismBounded(t *testing.T) {
	exec := newScriptedExecutor()
	var steps []Step
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		exec.delays[name] = 20 * time.Millisecond
		steps = append(steps, Step{Name: name, Persona: persona.Factory})
	}
	for i := range steps {
		steps[i].Final = true
	}

	rc := retry.New(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1})
	cfg := Config{MaxParallel: 2, DefaultStepTimeout: time.Second}
	e, err := New(cfg, exec, verify.New(verify.BuiltinRules()), rc, nil, zap.NewNop())
	require.NoError(t, err)

	run, err := e.Execute(context.Background(), 1, Plan{Steps: steps})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.State)
	assert.LessOrEqual(t, exec.peak, 2, "fan-out exceeded the parallelism bound")
}

func TestExecuteRetriesThenEscalates(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["author"] = "task failed: flailing"
	e := newTestEngine(t, exec, 3)

	run, err := e.Execute(context.Background(), 1, factorySteps("author"))
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, 3, exec.calls["author"], "exactly maxAttempts tries")

	diags := run.Diagnostics()
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0], "retries exhausted")
}

func TestExecuteStepTimeoutRetried(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delays["author"] = 200 * time.Millisecond

	rc := retry.New(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	cfg := Config{MaxParallel: 2, DefaultStepTimeout: 20 * time.Millisecond}
	e, err := New(cfg, exec, verify.New(verify.BuiltinRules()), rc, nil, zap.NewNop())
	require.NoError(t, err)

	run, err := e.Execute(context.Background(), 1, factorySteps("author"))
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, 2, exec.calls["author"])

	diags := run.Diagnostics()
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[len(diags)-1], "timed out")
}

func TestExecuteAnomalySkipsRetries(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["validate"] = "APPROVED\nthread 'main' panicked at src/lib.rs:42"

	plan := Plan{Steps: []Step{
		{Name: "validate", Persona: persona.Tess, Final: true},
	}}

	e := newTestEngine(t, exec, 5)
	run, err := e.Execute(context.Background(), 1, plan)
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	// The anomaly is permanent: no retries were burned.
	assert.Equal(t, 1, exec.calls["validate"])

	diags := run.Diagnostics()
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0], "approved its output despite failure")
}

func TestExecuteAmbiguousGatesLikeFailure(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["author"] = "doing things, no conclusion reached"
	e := newTestEngine(t, exec, 2)

	run, err := e.Execute(context.Background(), 1, factorySteps("author", "integrate"))
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, StepFailed, run.Steps["author"].State)
	assert.Equal(t, StepSkipped, run.Steps["integrate"].State)
}

func TestExecuteCompletionOracle(t *testing.T) {
	exec := newScriptedExecutor()

	plan := factorySteps("author")
	plan.Steps[0].Oracle = retry.OracleFunc(func(ctx context.Context) (bool, error) {
		return false, nil
	})

	e := newTestEngine(t, exec, 2)
	run, err := e.Execute(context.Background(), 1, plan)
	require.NoError(t, err)

	// The step claimed success but the probe kept disagreeing.
	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, 2, exec.calls["author"])
}

func TestExecuteCancellation(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delays["author"] = 5 * time.Second
	e := newTestEngine(t, exec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	run, err := e.Execute(ctx, 1, factorySteps("author", "integrate"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)

	assert.Less(t, time.Since(start), time.Second, "cancellation must stop in-flight steps promptly")
	assert.Equal(t, RunEscalated, run.State)
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	e := newTestEngine(t, newScriptedExecutor(), 1)

	_, err := e.Execute(context.Background(), 1, Plan{})
	assert.Error(t, err)

	cyclic := Plan{Steps: []Step{
		{Name: "a", Persona: persona.Factory, DependsOn: []Dependency{{Step: "b"}}, Final: true},
		{Name: "b", Persona: persona.Factory, DependsOn: []Dependency{{Step: "a"}}},
	}}
	_, err = e.Execute(context.Background(), 1, cyclic)
	assert.Error(t, err)
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan(persona.Rex, "fix the crash")
	require.NoError(t, plan.Validate())

	require.Len(t, plan.Steps, 4)
	assert.Equal(t, persona.Rex, plan.Steps[0].Persona)
	assert.Equal(t, persona.Tess, plan.Steps[1].Persona)
	assert.Equal(t, persona.Cleo, plan.Steps[2].Persona)
	assert.Equal(t, persona.Atlas, plan.Steps[3].Persona)
	assert.True(t, plan.Steps[3].Final)
}

func TestStepStateTerminal(t *testing.T) {
	assert.False(t, StepPending.Terminal())
	assert.False(t, StepRunning.Terminal())
	assert.True(t, StepSucceeded.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.True(t, StepSkipped.Terminal())
}

func TestExecuteTransportErrorRetried(t *testing.T) {
	exec := newScriptedExecutor()
	exec.errs["author"] = errors.New("agent binary not found")
	e := newTestEngine(t, exec, 2)

	run, err := e.Execute(context.Background(), 1, factorySteps("author"))
	require.NoError(t, err)

	assert.Equal(t, RunEscalated, run.State)
	assert.Equal(t, 2, exec.calls["author"])
}
