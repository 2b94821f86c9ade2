// Package opmode owns the unit's operation modes.
//
// The global mode lives in the cluster store and is resolved on every read:
// the cluster value if legal, else the policy's declared mode if legal, else
// stop. The local mode is held by the controller and mirrored to a local file
// so that it survives a restart. Both are served as addressed get/set
// operations on the bus, and every read and write of the local mode happens
// on the local address's consumer goroutine.
//
// Illegal mode values are never rejected. They are treated as unset and a
// USER/WARN is reported.
package opmode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hyphae/apis-main/pkg/bus"
	"github.com/hyphae/apis-main/pkg/fault"
	"github.com/hyphae/apis-main/pkg/stores"
	"github.com/hyphae/apis-main/pkg/telemetry"
)

// StateKey is the key of the operation mode in both stores.
const StateKey = "operationMode"

// PolicySource supplies the policy's declared global mode.
type PolicySource interface {
	OperationMode() (string, bool)
}

// Options configures a Controller.
type Options struct {
	Bus       *bus.Bus
	Cluster   stores.ClusterKV
	Local     stores.LocalKV
	Policy    PolicySource
	Reporter  fault.Reporter
	Telemetry *telemetry.Telemetry
	UnitID    string
}

// Controller serves the global and local operation mode addresses.
type Controller struct {
	bus      *bus.Bus
	cluster  stores.ClusterKV
	local    stores.LocalKV
	policy   PolicySource
	reporter fault.Reporter
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	unitID   string

	// localMode is read and written only by the local consumer once Start
	// has registered it.
	localMode string

	regs []*bus.Registration
}

// NewController validates opts and creates a controller.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Bus == nil:
		return nil, errors.New("opmode: bus is required")
	case opts.Cluster == nil:
		return nil, errors.New("opmode: cluster store is required")
	case opts.Local == nil:
		return nil, errors.New("opmode: local store is required")
	case opts.Policy == nil:
		return nil, errors.New("opmode: policy source is required")
	case opts.Reporter == nil:
		return nil, errors.New("opmode: reporter is required")
	case opts.UnitID == "":
		return nil, errors.New("opmode: unit id is required")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewTestTelemetry()
	}
	return &Controller{
		bus:      opts.Bus,
		cluster:  opts.Cluster,
		local:    opts.Local,
		policy:   opts.Policy,
		reporter: opts.Reporter,
		logger:   opts.Telemetry.Logger.NewComponentLogger("opmode").WithUnitID(opts.UnitID),
		metrics:  opts.Telemetry.Metrics,
		events:   opts.Telemetry.Events,
		unitID:   opts.UnitID,
	}, nil
}

// Start restores the local mode from its file, then registers the global
// and local addresses in that order.
func (c *Controller) Start(ctx context.Context) error {
	raw, present, err := c.local.Get(ctx, StateKey)
	if err != nil {
		return c.fail(ctx, err)
	}
	c.localMode = ""
	if present {
		if _, ok := ParseLocalMode(raw); ok {
			c.localMode = raw
		} else {
			c.warn(ctx, "local operationMode '%s' not supported, default to null ( follow global )", raw)
		}
	}

	global, err := c.bus.Register(bus.GlobalOperationModeAddress, c.handleGlobal)
	if err != nil {
		return fmt.Errorf("failed to register global operation mode service: %w", err)
	}
	local, err := c.bus.Register(bus.LocalOperationModeAddress(c.unitID), c.handleLocal)
	if err != nil {
		global.Unregister()
		return fmt.Errorf("failed to register local operation mode service: %w", err)
	}
	c.regs = []*bus.Registration{global, local}

	c.logger.Event(zerolog.InfoLevel).
		Str("local_operation_mode", c.localMode).
		Msg("operation mode services started")
	return nil
}

// Stop unregisters both addresses, local first.
func (c *Controller) Stop(context.Context) error {
	for i := len(c.regs) - 1; i >= 0; i-- {
		c.regs[i].Unregister()
	}
	c.regs = nil
	return nil
}

func (c *Controller) handleGlobal(ctx context.Context, msg bus.Message) (string, error) {
	if msg.Command() != bus.CommandSet {
		mode, err := c.resolveGlobal(ctx)
		if err != nil {
			return "", err
		}
		return mode.String(), nil
	}

	mode := GlobalUnset
	if msg.Body != "" {
		parsed, ok := ParseGlobalMode(msg.Body)
		if !ok {
			c.warn(ctx, "global operationMode '%s' not supported, default to null ( follow policy )", msg.Body)
		}
		mode = parsed
	}

	var err error
	if mode == GlobalUnset {
		err = c.cluster.Remove(ctx, StateKey)
	} else {
		err = c.cluster.Put(ctx, StateKey, mode.String())
	}
	if err != nil {
		return "", c.fail(ctx, err)
	}

	c.logger.Infof("global operationMode set to : %s", displayMode(mode.String()))
	c.changed("global", mode.String())
	return c.unitID, nil
}

// resolveGlobal applies the cluster, policy, stop chain. Absent and illegal
// cluster values fall through alike; only the illegal one is reported.
func (c *Controller) resolveGlobal(ctx context.Context) (GlobalMode, error) {
	raw, present, err := c.cluster.Get(ctx, StateKey)
	if err != nil {
		return GlobalUnset, c.fail(ctx, err)
	}
	if present {
		if mode, ok := ParseGlobalMode(raw); ok {
			return mode, nil
		}
		c.warn(ctx, "global operationMode '%s' not supported, follow policy", raw)
	}

	if raw, ok := c.policy.OperationMode(); ok {
		if mode, ok := ParseGlobalMode(raw); ok {
			return mode, nil
		}
		c.warn(ctx, "policy operationMode '%s' not supported, default to null", raw)
	}

	c.warn(ctx, "global operationMode is null, default to 'stop'")
	return Stop, nil
}

func (c *Controller) handleLocal(ctx context.Context, msg bus.Message) (string, error) {
	if msg.Command() != bus.CommandSet {
		return c.currentLocal(ctx).String(), nil
	}

	mode := LocalUnset
	if msg.Body != "" {
		parsed, ok := ParseLocalMode(msg.Body)
		if !ok {
			c.warn(ctx, "local operationMode '%s' not supported, default to null ( follow global )", msg.Body)
		}
		mode = parsed
	}

	// Memory is the source of truth; the file only serves restart recovery.
	c.localMode = mode.String()

	var err error
	if mode == LocalUnset {
		err = c.local.Delete(ctx, StateKey)
	} else {
		err = c.local.Put(ctx, StateKey, mode.String())
	}
	if err != nil {
		return "", c.fail(ctx, err)
	}

	c.logger.Infof("local operationMode set to : %s", displayMode(mode.String()))
	c.changed("local", mode.String())
	return c.unitID, nil
}

func (c *Controller) currentLocal(ctx context.Context) LocalMode {
	if c.localMode == "" {
		return LocalUnset
	}
	mode, ok := ParseLocalMode(c.localMode)
	if !ok {
		c.warn(ctx, "local operationMode '%s' not supported, default to null", c.localMode)
	}
	return mode
}

// GlobalMode returns the resolved global mode.
func (c *Controller) GlobalMode(ctx context.Context) (GlobalMode, error) {
	reply, err := GetGlobal(ctx, c.bus)
	if err != nil {
		return GlobalUnset, err
	}
	mode, ok := ParseGlobalMode(reply)
	if !ok {
		return GlobalUnset, fmt.Errorf("global operation mode service replied %q", reply)
	}
	return mode, nil
}

// LocalMode returns this unit's local mode, possibly unset.
func (c *Controller) LocalMode(ctx context.Context) (LocalMode, error) {
	reply, err := GetLocal(ctx, c.bus, c.unitID)
	if err != nil {
		return LocalUnset, err
	}
	if reply == "" {
		return LocalUnset, nil
	}
	mode, ok := ParseLocalMode(reply)
	if !ok {
		return LocalUnset, fmt.Errorf("local operation mode service replied %q", reply)
	}
	return mode, nil
}

// OperationModes fetches both scopes concurrently and derives the effective
// mode. If no rule applies the effective mode is stop and a WARN carries both
// inputs.
func (c *Controller) OperationModes(ctx context.Context) (Modes, error) {
	var modes Modes
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mode, err := c.GlobalMode(gctx)
		modes.Global = mode
		return err
	})
	g.Go(func() error {
		mode, err := c.LocalMode(gctx)
		modes.Local = mode
		return err
	})
	if err := g.Wait(); err != nil {
		return Modes{}, err
	}

	effective, ok := Effective(modes.Local, modes.Global)
	if !ok {
		c.warn(ctx, "illegal operationModes; global : %s, local : %s; use 'stop'",
			displayMode(modes.Global.String()), displayMode(modes.Local.String()))
		effective = Stop
	}
	modes.Effective = effective
	c.metrics.SetOperationMode("effective", effective.String(), GlobalModeNames)
	return modes, nil
}

// OperationMode returns the effective mode.
func (c *Controller) OperationMode(ctx context.Context) (GlobalMode, error) {
	modes, err := c.OperationModes(ctx)
	if err != nil {
		return GlobalUnset, err
	}
	return modes.Effective, nil
}

func (c *Controller) warn(ctx context.Context, format string, args ...interface{}) {
	c.reporter.Report(ctx, fault.Warnf(fault.CategoryUser, format, args...))
}

// fail reports a storage failure and returns it. Store errors arrive
// classified; anything else is treated as a cluster communication failure.
func (c *Controller) fail(ctx context.Context, err error) error {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.SharedData("operation mode", err)
	}
	return fault.ReportAndFail(ctx, c.reporter, fe)
}

func (c *Controller) changed(scope, mode string) {
	all := GlobalModeNames
	if scope == "local" {
		all = LocalModeNames
	}
	c.metrics.SetOperationMode(scope, mode, all)
	_ = c.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeOperationModeChanged,
		Source:  "opmode",
		UnitID:  c.unitID,
		Message: fmt.Sprintf("%s operationMode set to : %s", scope, displayMode(mode)),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"scope": scope, "mode": mode},
	})
}

func displayMode(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
