package hwconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// Document is a parsed hardware capability document. Only the fields the
// unit reads are given accessors; the rest is reachable through Float and
// Object. All accessors are safe on a nil *Document and report absence.
type Document struct {
	raw map[string]interface{}
}

// ParseDocument parses a JSON document. Comments and trailing commas are
// accepted.
func ParseDocument(data []byte) (*Document, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse hardware config: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("hardware config is not an object")
	}
	return &Document{raw: raw}, nil
}

// NewDocument wraps an already decoded tree.
func NewDocument(raw map[string]interface{}) *Document {
	return &Document{raw: raw}
}

// Raw returns the decoded tree. Callers must not modify it.
func (d *Document) Raw() map[string]interface{} {
	if d == nil {
		return nil
	}
	return d.raw
}

func (d *Document) lookup(path ...string) (interface{}, bool) {
	if d == nil {
		return nil, false
	}
	var cur interface{} = d.raw
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// Float returns the number at path.
func (d *Document) Float(path ...string) (float64, bool) {
	v, ok := d.lookup(path...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Object returns the object at path.
func (d *Document) Object(path ...string) (map[string]interface{}, bool) {
	v, ok := d.lookup(path...)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// BatteryNominalCapacityWh is the battery capacity in Wh.
func (d *Document) BatteryNominalCapacityWh() (float64, bool) {
	return d.Float("batteryNominalCapacityWh")
}

// GridCurrentCapacityA is the grid current capacity in A.
func (d *Document) GridCurrentCapacityA() (float64, bool) {
	return d.Float("gridCurrentCapacityA")
}

// GridCurrentAllowanceA is the grid current error tolerance in A.
func (d *Document) GridCurrentAllowanceA() (float64, bool) {
	return d.Float("gridCurrentAllowanceA")
}

// DroopRatio is the droop ratio applied when moving the voltage reference.
func (d *Document) DroopRatio() (float64, bool) {
	return d.Float("droopRatio")
}

// EfficientBatteryGridVoltageRatio is the most efficient battery to grid
// voltage ratio.
func (d *Document) EfficientBatteryGridVoltageRatio() (float64, bool) {
	return d.Float("efficientBatteryGridVoltageRatio")
}

// SafetyRange returns the static safety bounds under safety.range, or the
// sub-object at path below it.
func (d *Document) SafetyRange(path ...string) (map[string]interface{}, bool) {
	return d.Object(append([]string{"safety", "range"}, path...)...)
}

// maxPeriodMsec is the largest period a time.Duration can hold.
const maxPeriodMsec = float64(math.MaxInt64 / int64(time.Millisecond))

// RefreshingPeriod is the document's own reload period. Non-positive values
// and values too large for a time.Duration are treated as absent.
func (d *Document) RefreshingPeriod() (time.Duration, bool) {
	ms, ok := d.Float("refreshingPeriodMsec")
	if !ok || ms <= 0 || ms > maxPeriodMsec || math.IsNaN(ms) {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Source loads the current hardware document.
type Source interface {
	Load(ctx context.Context) (*Document, error)
}

// FileSource reads the document from a file on every Load.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s FileSource) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hardware config: %w", err)
	}
	return ParseDocument(data)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Document, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) (*Document, error) {
	return f(ctx)
}
