package opmode

import (
	"context"

	"github.com/hyphae/apis-main/pkg/bus"
)

// SetGlobal sets the cluster-wide mode. An empty value clears it. The reply
// is the identity of the unit that handled the request.
func SetGlobal(ctx context.Context, b *bus.Bus, value string) (string, error) {
	return b.Request(ctx, bus.GlobalOperationModeAddress, bus.SetHeaders(), value)
}

// GetGlobal returns the resolved cluster-wide mode.
func GetGlobal(ctx context.Context, b *bus.Bus) (string, error) {
	return b.Request(ctx, bus.GlobalOperationModeAddress, bus.GetHeaders(), "")
}

// SetLocal sets the local mode of unitID. An empty value clears it.
func SetLocal(ctx context.Context, b *bus.Bus, unitID, value string) (string, error) {
	return b.Request(ctx, bus.LocalOperationModeAddress(unitID), bus.SetHeaders(), value)
}

// GetLocal returns the local mode of unitID, "" when unset.
func GetLocal(ctx context.Context, b *bus.Bus, unitID string) (string, error) {
	return b.Request(ctx, bus.LocalOperationModeAddress(unitID), bus.GetHeaders(), "")
}
