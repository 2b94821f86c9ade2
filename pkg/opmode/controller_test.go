package opmode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyphae/apis-main/pkg/bus"
	"github.com/hyphae/apis-main/pkg/fault"
	"github.com/hyphae/apis-main/pkg/stores"
	"github.com/hyphae/apis-main/pkg/telemetry"
)

const testUnit = "E001"

type staticPolicy struct {
	mode    string
	present bool
}

func (p *staticPolicy) OperationMode() (string, bool) { return p.mode, p.present }

type fixture struct {
	bus      *bus.Bus
	cluster  *stores.MemoryClusterStore
	local    *stores.FileStore
	policy   *staticPolicy
	reporter *fault.Recorder
	ctrl     *Controller
}

func newFixture(t *testing.T, stateDir string) *fixture {
	t.Helper()
	local, err := stores.NewFileStore(filepath.Join(stateDir, "%s"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	f := &fixture{
		bus:      bus.New(telemetry.NewTestTelemetry()),
		cluster:  stores.NewMemoryClusterStore(),
		local:    local,
		policy:   &staticPolicy{},
		reporter: fault.NewRecorder(),
	}
	f.ctrl = f.newController(t)
	return f
}

func (f *fixture) newController(t *testing.T) *Controller {
	t.Helper()
	ctrl, err := NewController(Options{
		Bus:      f.bus,
		Cluster:  f.cluster.Map("apis.main.state"),
		Local:    f.local,
		Policy:   f.policy,
		Reporter: f.reporter,
		UnitID:   testUnit,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Stop(context.Background()) })
}

func (f *fixture) warnings() int {
	return f.reporter.Count(fault.CategoryUser, fault.LevelWarn)
}

func TestGlobalSetAndGet(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	reply, err := SetGlobal(ctx, f.bus, "autonomous")
	if err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if reply != testUnit {
		t.Errorf("set reply = %q, want unit id", reply)
	}

	got, err := GetGlobal(ctx, f.bus)
	if err != nil || got != "autonomous" {
		t.Errorf("GetGlobal = %q, %v", got, err)
	}
	if f.reporter.Len() != 0 {
		t.Errorf("unexpected reports: %v", f.reporter.Errors())
	}
}

func TestGlobalSetIllegalClearsKey(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.policy.mode, f.policy.present = "heteronomous", true
	f.start(t)
	ctx := context.Background()

	if _, err := SetGlobal(ctx, f.bus, "manual"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	reply, err := SetGlobal(ctx, f.bus, "bogus")
	if err != nil {
		t.Fatalf("illegal value must be accepted, got %v", err)
	}
	if reply != testUnit {
		t.Errorf("set reply = %q", reply)
	}
	if f.warnings() != 1 {
		t.Errorf("expected one WARN, got %v", f.reporter.Errors())
	}
	if _, present, _ := f.cluster.Map("apis.main.state").Get(ctx, StateKey); present {
		t.Error("cluster key should be deleted")
	}

	got, err := GetGlobal(ctx, f.bus)
	if err != nil || got != "heteronomous" {
		t.Errorf("GetGlobal = %q, %v, want policy value", got, err)
	}

	f.policy.mode = "bogus"
	got, err = GetGlobal(ctx, f.bus)
	if err != nil || got != "stop" {
		t.Errorf("GetGlobal = %q, %v, want stop", got, err)
	}
}

func TestGlobalResolutionChain(t *testing.T) {
	tests := []struct {
		name         string
		cluster      string
		clusterSet   bool
		policy       string
		policySet    bool
		want         string
		wantWarnings int
	}{
		{"cluster wins", "manual", true, "autonomous", true, "manual", 0},
		{"absent cluster uses policy", "", false, "autonomous", true, "autonomous", 0},
		{"illegal cluster uses policy", "bogus", true, "autonomous", true, "autonomous", 1},
		{"absent both", "", false, "", false, "stop", 1},
		{"illegal cluster, absent policy", "bogus", true, "", false, "stop", 2},
		{"absent cluster, illegal policy", "", false, "bogus", true, "stop", 2},
		{"illegal both", "bogus", true, "bogus", true, "stop", 3},
		{"empty cluster value is illegal", "", true, "heteronomous", true, "heteronomous", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, t.TempDir())
			f.policy.mode, f.policy.present = tt.policy, tt.policySet
			f.start(t)
			ctx := context.Background()
			if tt.clusterSet {
				if err := f.cluster.Map("apis.main.state").Put(ctx, StateKey, tt.cluster); err != nil {
					t.Fatalf("seed cluster: %v", err)
				}
			}

			got, err := GetGlobal(ctx, f.bus)
			if err != nil {
				t.Fatalf("GetGlobal: %v", err)
			}
			if got != tt.want {
				t.Errorf("GetGlobal = %q, want %q", got, tt.want)
			}
			if f.warnings() != tt.wantWarnings {
				t.Errorf("warnings = %d, want %d: %v", f.warnings(), tt.wantWarnings, f.reporter.Errors())
			}
		})
	}
}

func TestLocalSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	ctx := context.Background()
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if reply, err := SetLocal(ctx, f.bus, testUnit, "stop"); err != nil || reply != testUnit {
		t.Fatalf("SetLocal = %q, %v", reply, err)
	}
	if err := f.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, StateKey))
	if err != nil || string(data) != "stop" {
		t.Fatalf("state file = %q, %v", data, err)
	}

	f.ctrl = f.newController(t)
	f.start(t)
	got, err := f.ctrl.LocalMode(ctx)
	if err != nil || got != LocalStop {
		t.Errorf("LocalMode after restart = %v, %v", got, err)
	}
}

func TestLocalSetIllegalClearsFile(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir)
	f.start(t)
	ctx := context.Background()

	if _, err := SetLocal(ctx, f.bus, testUnit, "heteronomous"); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if _, err := SetLocal(ctx, f.bus, testUnit, "autonomous"); err != nil {
		t.Fatalf("illegal local value must be accepted, got %v", err)
	}
	if f.warnings() != 1 {
		t.Errorf("expected one WARN, got %v", f.reporter.Errors())
	}
	if _, err := os.Stat(filepath.Join(dir, StateKey)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state file should be deleted, stat = %v", err)
	}
	got, err := GetLocal(ctx, f.bus, testUnit)
	if err != nil || got != "" {
		t.Errorf("GetLocal = %q, %v, want unset", got, err)
	}

	// Clearing an already clear mode is fine.
	if _, err := SetLocal(ctx, f.bus, testUnit, ""); err != nil {
		t.Errorf("clearing again: %v", err)
	}
}

func TestStartNormalisesStoredLocal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StateKey), []byte("manual\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	f := newFixture(t, dir)
	f.start(t)

	if f.warnings() != 1 {
		t.Errorf("expected one WARN at startup, got %v", f.reporter.Errors())
	}
	got, err := f.ctrl.LocalMode(context.Background())
	if err != nil || got != LocalUnset {
		t.Errorf("LocalMode = %v, %v, want unset", got, err)
	}
}

func TestOperationModes(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	if _, err := SetGlobal(ctx, f.bus, "autonomous"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if _, err := SetLocal(ctx, f.bus, testUnit, "heteronomous"); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}

	modes, err := f.ctrl.OperationModes(ctx)
	if err != nil {
		t.Fatalf("OperationModes: %v", err)
	}
	want := Modes{Global: Autonomous, Local: LocalHeteronomous, Effective: Heteronomous}
	if modes != want {
		t.Errorf("OperationModes = %+v, want %+v", modes, want)
	}

	again, err := f.ctrl.OperationMode(ctx)
	if err != nil || again != modes.Effective {
		t.Errorf("second read = %v, %v, want %v", again, err, modes.Effective)
	}

	if _, err := SetGlobal(ctx, f.bus, "stop"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if mode, _ := f.ctrl.OperationMode(ctx); mode != Stop {
		t.Errorf("global stop must override local, got %v", mode)
	}
}

func TestClusterOutageFailsRequest(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	f.cluster.SetUnavailable(errors.New("cluster partitioned"))
	_, err := GetGlobal(ctx, f.bus)
	var replyErr *bus.ReplyError
	if !errors.As(err, &replyErr) || replyErr.Code != bus.FailureCode {
		t.Fatalf("GetGlobal error = %v, want reply failure", err)
	}
	if _, err := SetGlobal(ctx, f.bus, "manual"); err == nil {
		t.Error("SetGlobal should fail during outage")
	}
	if got := f.reporter.Count(fault.CategoryFramework, fault.LevelError); got != 2 {
		t.Errorf("FRAMEWORK/ERROR reports = %d, want 2", got)
	}
	if _, err := f.ctrl.OperationModes(ctx); err == nil {
		t.Error("OperationModes should fail during outage")
	}

	f.cluster.SetUnavailable(nil)
	if got, err := GetGlobal(ctx, f.bus); err != nil || got != "stop" {
		t.Errorf("GetGlobal after recovery = %q, %v", got, err)
	}
}

func TestLocalWriteFailureIsFatal(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	f := newFixture(t, stateDir)
	f.start(t)

	// A regular file where the state directory should be.
	if err := os.WriteFile(stateDir, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := SetLocal(context.Background(), f.bus, testUnit, "stop"); err == nil {
		t.Fatal("SetLocal should fail when the state directory is unusable")
	}
	if got := f.reporter.Count(fault.CategoryFramework, fault.LevelFatal); got != 1 {
		t.Errorf("FRAMEWORK/FATAL reports = %d, want 1: %v", got, f.reporter.Errors())
	}
}

func TestStartFailsOnUnreadableState(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, StateKey), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	f := newFixture(t, dir)

	if err := f.ctrl.Start(context.Background()); !fault.IsFramework(err) {
		t.Fatalf("Start = %v, want a FRAMEWORK failure", err)
	}
	if _, err := GetGlobal(context.Background(), f.bus); !errors.Is(err, bus.ErrNoHandler) {
		t.Errorf("no address should be registered after a failed Start, got %v", err)
	}
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	if _, err := NewController(Options{}); err == nil {
		t.Error("empty options should fail")
	}
}

func TestSecondControllerCannotRegister(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)

	other := f.newController(t)
	if err := other.Start(context.Background()); !errors.Is(err, bus.ErrAddressInUse) {
		t.Errorf("second Start = %v, want ErrAddressInUse", err)
	}
}
