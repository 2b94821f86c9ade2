package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(e string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, e)
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func recordingSteps(tr *trace, n int, failAt int, cause error) []Step {
	steps := make([]Step, n)
	for i := range steps {
		name := fmt.Sprintf("step%d", i+1)
		fail := i+1 == failAt
		steps[i] = Step{
			Name: name,
			Start: func(context.Context) error {
				tr.add("start " + name)
				if fail {
					return cause
				}
				return nil
			},
			Stop: func(context.Context) error {
				tr.add("stop " + name)
				return nil
			},
		}
	}
	return steps
}

func newTestSupervisor(steps ...Step) *Supervisor {
	return New(Identity{UnitID: "E001", UnitName: "E001", SerialNumber: "1", SystemType: "dcdc_emulator"},
		telemetry.NewTestTelemetry(), steps...)
}

func TestStartRunsStepsInOrder(t *testing.T) {
	tr := &trace{}
	sup := newTestSupervisor(recordingSteps(tr, 5, 0, nil)...)

	if sup.IsRunning() {
		t.Fatal("running before Start")
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.IsRunning() || !sup.IsInOperation() || sup.State() != StateRunning {
		t.Errorf("state = %v, want running", sup.State())
	}
	if sup.DeploymentID() == "" {
		t.Error("deployment id should be set")
	}

	want := []string{"start step1", "start step2", "start step3", "start step4", "start step5"}
	if got := tr.list(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFirstFailureAbortsStartup(t *testing.T) {
	tr := &trace{}
	cause := errors.New("policy file missing")
	sup := newTestSupervisor(recordingSteps(tr, 5, 3, cause)...)

	err := sup.Start(context.Background())
	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Start = %v, want *StartError", err)
	}
	if startErr.Step != "step3" || startErr.Index != 2 {
		t.Errorf("failed step = %s (%d), want step3 (2)", startErr.Step, startErr.Index)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause not preserved: %v", err)
	}

	want := []string{"start step1", "start step2", "start step3"}
	if got := tr.list(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if sup.IsRunning() || sup.State() != StateStarting {
		t.Errorf("state = %v, must never reach running", sup.State())
	}

	// Already started steps are not rolled back by the failure.
	for _, e := range tr.list() {
		if e[:4] == "stop" {
			t.Errorf("unexpected teardown %q", e)
		}
	}
}

func TestStopTearsDownStartedStepsInReverse(t *testing.T) {
	tr := &trace{}
	sup := newTestSupervisor(recordingSteps(tr, 4, 3, errors.New("boom"))...)
	_ = sup.Start(context.Background())

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{"start step1", "start step2", "start step3", "stop step2", "stop step1"}
	if got := tr.list(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if sup.State() != StateStopped {
		t.Errorf("state = %v, want stopped", sup.State())
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	tr := &trace{}
	sup := newTestSupervisor(recordingSteps(tr, 2, 0, nil)...)

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("state = %v", sup.State())
	}
	if err := sup.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v", err)
	}
	if len(tr.list()) != 0 {
		t.Errorf("no step should run: %v", tr.list())
	}
}

func TestStopDuringStartAbortsRemainingSteps(t *testing.T) {
	tr := &trace{}
	var sup *Supervisor
	stopped := make(chan error, 1)
	steps := recordingSteps(tr, 3, 0, nil)
	steps[1].Start = func(ctx context.Context) error {
		tr.add("start step2")
		// Stop marks the unit stopping before step2 returns.
		go func() { stopped <- sup.Stop(context.Background()) }()
		for sup.State() < StateStopping {
		}
		return nil
	}
	sup = newTestSupervisor(steps...)

	err := sup.Start(context.Background())
	var startErr *StartError
	if !errors.As(err, &startErr) || !errors.Is(err, ErrStopping) || startErr.Step != "step2" {
		t.Fatalf("Start = %v, want ErrStopping at step2", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	seen := map[string]bool{}
	for _, e := range tr.list() {
		seen[e] = true
	}
	if seen["start step3"] {
		t.Error("step3 must not start after Stop")
	}
	if !seen["stop step2"] {
		t.Errorf("step2 started while stopping and must be torn down, events = %v", tr.list())
	}
	if !seen["stop step1"] {
		t.Errorf("step1 must be torn down, events = %v", tr.list())
	}
	if sup.IsRunning() || sup.State() != StateStopped {
		t.Errorf("state = %v, want stopped", sup.State())
	}
}

func TestStopWaitsForAbortedStart(t *testing.T) {
	tr := &trace{}
	entered := make(chan struct{})
	release := make(chan struct{})
	steps := recordingSteps(tr, 2, 0, nil)
	steps[0].Start = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	sup := newTestSupervisor(steps...)

	startErr := make(chan error, 1)
	go func() { startErr <- sup.Start(context.Background()) }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- sup.Stop(context.Background()) }()
	for sup.State() < StateStopping {
	}
	select {
	case err := <-stopErr:
		t.Fatalf("Stop returned %v while step1 was still starting", err)
	default:
	}

	close(release)
	if err := <-startErr; !errors.Is(err, ErrStopping) {
		t.Fatalf("Start = %v, want ErrStopping", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fmt.Sprint(tr.list()); got != "[stop step1]" {
		t.Errorf("events = %v, want only step1 torn down", got)
	}
}

func TestStopJoinsTeardownErrors(t *testing.T) {
	steps := []Step{
		{Name: "a", Start: func(context.Context) error { return nil }, Stop: func(context.Context) error { return errors.New("a failed") }},
		{Name: "b", Start: func(context.Context) error { return nil }},
		{Name: "c", Start: func(context.Context) error { return nil }, Stop: func(context.Context) error { return errors.New("c failed") }},
	}
	sup := newTestSupervisor(steps...)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := sup.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop should report teardown errors")
	}
	if got := err.Error(); got != "c: c failed\na: a failed" {
		t.Errorf("Stop error = %q", got)
	}
	if sup.State() != StateStopped {
		t.Errorf("state = %v", sup.State())
	}
}

func TestStateNames(t *testing.T) {
	names := map[State]string{
		StateNotStarted: "not-started",
		StateStarting:   "starting",
		StateRunning:    "running",
		StateStopping:   "stopping",
		StateStopped:    "stopped",
		State(42):       "unknown",
	}
	for state, want := range names {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}

func TestLifecycleEvents(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	var mu sync.Mutex
	var got []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type+" "+e.Message)
	}, nil)

	sup := New(Identity{UnitID: "E001"}, tel, Step{Name: "only", Start: func(context.Context) error { return nil }})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = sup.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"lifecycle.changed not-started -> starting",
		"lifecycle.changed starting -> running",
		"unit.started unit started",
		"lifecycle.changed running -> stopping",
		"lifecycle.changed stopping -> stopped",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v\nwant %v", got, want)
	}
}
