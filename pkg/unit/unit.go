// Package unit assembles one unit process from its configuration.
//
// The supervisor chain is fixed: cluster-store, hwconfig, policy, opmode,
// httpapi. The hardware config keeper and the operation mode controller do
// not depend on each other; both start before anything that reads modes or
// hardware limits.
package unit

import (
	"context"
	"fmt"
	"time"

	"github.com/hyphae/apis-main/pkg/bus"
	"github.com/hyphae/apis-main/pkg/clock"
	"github.com/hyphae/apis-main/pkg/config"
	"github.com/hyphae/apis-main/pkg/fault"
	"github.com/hyphae/apis-main/pkg/httpapi"
	"github.com/hyphae/apis-main/pkg/hwconfig"
	"github.com/hyphae/apis-main/pkg/opmode"
	"github.com/hyphae/apis-main/pkg/stores"
	"github.com/hyphae/apis-main/pkg/supervisor"
	"github.com/hyphae/apis-main/pkg/telemetry"
)

// Step names, in deployment order.
const (
	StepClusterStore = "cluster-store"
	StepHwConfig     = "hwconfig"
	StepPolicy       = "policy"
	StepOpMode       = "opmode"
	StepHTTPAPI      = "httpapi"
)

// DefaultStopTimeout bounds Run's graceful shutdown.
const DefaultStopTimeout = 10 * time.Second

// Option customises a Unit.
type Option func(*Unit)

// WithTelemetry uses tel instead of building telemetry from the config.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(u *Unit) { u.tel = tel }
}

// WithClock drives the hardware config timer from clk.
func WithClock(clk clock.Clock) Option {
	return func(u *Unit) { u.clock = clk }
}

// WithClusterStore injects an already open cluster store. The unit does not
// close it.
func WithClusterStore(store stores.ClusterStore) Option {
	return func(u *Unit) {
		u.cluster = store
		u.externalCluster = true
	}
}

// WithReportSink adds a reporter that receives every classified failure.
func WithReportSink(sink fault.Reporter) Option {
	return func(u *Unit) { u.sinks = append(u.sinks, sink) }
}

// Unit is one assembled unit process.
type Unit struct {
	cfg   *config.UnitConfig
	tel   *telemetry.Telemetry
	clock clock.Clock
	sinks []fault.Reporter

	reporter *fault.Router
	bus      *bus.Bus
	local    *stores.FileStore
	hw       *hwconfig.Keeper
	policy   *config.PolicyKeeper

	cluster         stores.ClusterStore
	externalCluster bool
	modes           *opmode.Controller
	http            *httpapi.Server

	sup *supervisor.Supervisor
}

// New builds a unit from a validated configuration. Nothing is started.
func New(cfg *config.UnitConfig, opts ...Option) (*Unit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &Unit{cfg: cfg, clock: clock.Real()}
	for _, opt := range opts {
		opt(u)
	}

	if u.tel == nil {
		tel, err := telemetry.NewTelemetry(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
		}
		u.tel = tel
	}

	unitID := cfg.Unit.ID
	u.reporter = fault.NewRouter(u.tel, unitID, u.sinks...)
	u.bus = bus.New(u.tel)

	format := cfg.StateFileFormat
	if format == "" {
		format = stores.DefaultPathFormat()
	}
	local, err := stores.NewFileStore(format)
	if err != nil {
		return nil, err
	}
	u.local = local

	u.hw = hwconfig.NewKeeper(hwconfig.FileSource{Path: cfg.HwConfigFile}, u.reporter, hwconfig.Options{
		Clock:     u.clock,
		Telemetry: u.tel,
		UnitID:    unitID,
	})

	u.policy = config.NewPolicyKeeper(cfg.PolicyFile, u.tel.Logger.WithUnitID(unitID).Zerolog(), u.reporter)
	u.policy.OnReload(func() {
		_ = u.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyReloaded,
			Source:  "policy",
			UnitID:  unitID,
			Message: "policy reloaded",
			Level:   telemetry.EventLevelInfo,
		})
	})

	steps := []supervisor.Step{
		{Name: StepClusterStore, Start: u.startClusterStore, Stop: u.stopClusterStore},
		{Name: StepHwConfig, Start: u.hw.Start, Stop: u.hw.Stop},
		{Name: StepPolicy, Start: u.policy.Start, Stop: func(context.Context) error { return u.policy.Stop() }},
		{Name: StepOpMode, Start: u.startOpMode, Stop: u.stopOpMode},
	}
	if cfg.HTTP.Enabled {
		steps = append(steps, supervisor.Step{Name: StepHTTPAPI, Start: u.startHTTP, Stop: u.stopHTTP})
	}

	u.sup = supervisor.New(supervisor.Identity{
		UnitID:       unitID,
		UnitName:     cfg.Unit.Name,
		SerialNumber: cfg.Unit.SerialNumber,
		SystemType:   cfg.Unit.SystemType,
	}, u.tel, steps...)
	return u, nil
}

func (u *Unit) startClusterStore(ctx context.Context) error {
	if u.cluster != nil {
		return u.cluster.HealthCheck(ctx)
	}

	switch u.cfg.Cluster.Backend {
	case config.ClusterBackendSQLite:
		secret, err := u.cfg.ClusterSecret()
		if err != nil {
			return err
		}
		store, err := stores.NewSQLiteClusterStore(stores.Config{
			Path:   u.cfg.Cluster.DatabasePath,
			Secret: secret,
			Writer: u.cfg.Unit.ID,
		})
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
		u.cluster = store
	default:
		u.cluster = stores.NewMemoryClusterStore()
	}
	return u.cluster.HealthCheck(ctx)
}

func (u *Unit) stopClusterStore(context.Context) error {
	if u.cluster == nil || u.externalCluster {
		return nil
	}
	return u.cluster.Close()
}

func (u *Unit) startOpMode(ctx context.Context) error {
	modes, err := opmode.NewController(opmode.Options{
		Bus:       u.bus,
		Cluster:   u.cluster.Map(u.cfg.Cluster.MapName),
		Local:     u.local,
		Policy:    u.policy,
		Reporter:  u.reporter,
		Telemetry: u.tel,
		UnitID:    u.cfg.Unit.ID,
	})
	if err != nil {
		return err
	}
	if err := modes.Start(ctx); err != nil {
		return err
	}
	u.modes = modes
	return nil
}

func (u *Unit) stopOpMode(ctx context.Context) error {
	if u.modes == nil {
		return nil
	}
	return u.modes.Stop(ctx)
}

func (u *Unit) startHTTP(ctx context.Context) error {
	u.http = httpapi.NewServer(httpapi.Options{
		ListenAddress: u.cfg.HTTP.ListenAddress,
		UnitID:        u.cfg.Unit.ID,
		Bus:           u.bus,
		Modes:         u.modes,
		HwConfig:      u.hw,
		Lifecycle:     u.sup,
		Telemetry:     u.tel,
	})
	return u.http.Start(ctx)
}

func (u *Unit) stopHTTP(ctx context.Context) error {
	if u.http == nil {
		return nil
	}
	return u.http.Stop(ctx)
}

// Start runs the supervisor chain.
func (u *Unit) Start(ctx context.Context) error {
	return u.sup.Start(ctx)
}

// Stop tears the unit down and flushes telemetry.
func (u *Unit) Stop(ctx context.Context) error {
	err := u.sup.Stop(ctx)
	if shutdownErr := u.tel.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// Run starts the unit, blocks until ctx is done, then stops it. A startup
// failure is returned after the started steps have been torn down.
func (u *Unit) Run(ctx context.Context) error {
	startErr := u.Start(ctx)

	if startErr == nil {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStopTimeout)
	defer cancel()
	stopErr := u.Stop(stopCtx)

	if startErr != nil {
		return startErr
	}
	return stopErr
}

// Supervisor returns the lifecycle owner.
func (u *Unit) Supervisor() *supervisor.Supervisor { return u.sup }

// Bus returns the unit's bus.
func (u *Unit) Bus() *bus.Bus { return u.bus }

// OperationModes returns the mode controller, nil before the opmode step.
func (u *Unit) OperationModes() *opmode.Controller { return u.modes }

// HwConfig returns the hardware config keeper.
func (u *Unit) HwConfig() *hwconfig.Keeper { return u.hw }

// Policy returns the policy keeper.
func (u *Unit) Policy() *config.PolicyKeeper { return u.policy }

// HTTPAddr returns the HTTP API address, or "" when it is not serving.
func (u *Unit) HTTPAddr() string {
	if u.http == nil {
		return ""
	}
	return u.http.Addr()
}

// Telemetry returns the unit's telemetry.
func (u *Unit) Telemetry() *telemetry.Telemetry { return u.tel }
