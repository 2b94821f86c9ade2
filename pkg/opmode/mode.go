package opmode

import (
	"encoding/json"
	"fmt"
)

// GlobalMode is the cluster-wide operation mode. GlobalUnset is never in
// force; resolution always ends on one of the four other values.
type GlobalMode int

const (
	GlobalUnset GlobalMode = iota
	Autonomous
	Heteronomous
	Stop
	Manual
)

var globalNames = map[GlobalMode]string{
	Autonomous:   "autonomous",
	Heteronomous: "heteronomous",
	Stop:         "stop",
	Manual:       "manual",
}

// GlobalModeNames lists the legal global values, in declaration order.
var GlobalModeNames = []string{"autonomous", "heteronomous", "stop", "manual"}

// String returns the wire name, or "" when unset.
func (m GlobalMode) String() string {
	return globalNames[m]
}

// ParseGlobalMode accepts exactly the four legal names.
func ParseGlobalMode(s string) (GlobalMode, bool) {
	for mode, name := range globalNames {
		if name == s {
			return mode, true
		}
	}
	return GlobalUnset, false
}

// LocalMode is a unit's own override of the global mode.
type LocalMode int

const (
	LocalUnset LocalMode = iota
	LocalHeteronomous
	LocalStop
)

// LocalModeNames lists the legal set local values.
var LocalModeNames = []string{"heteronomous", "stop"}

// String returns the wire name, or "" when unset.
func (m LocalMode) String() string {
	switch m {
	case LocalHeteronomous:
		return "heteronomous"
	case LocalStop:
		return "stop"
	default:
		return ""
	}
}

// ParseLocalMode accepts "heteronomous" and "stop".
func ParseLocalMode(s string) (LocalMode, bool) {
	switch s {
	case "heteronomous":
		return LocalHeteronomous, true
	case "stop":
		return LocalStop, true
	default:
		return LocalUnset, false
	}
}

// asGlobal maps a set local value onto the global value of the same name.
func (m LocalMode) asGlobal() GlobalMode {
	switch m {
	case LocalHeteronomous:
		return Heteronomous
	case LocalStop:
		return Stop
	default:
		return GlobalUnset
	}
}

// Effective combines the two scopes. Global stop and manual override any
// local value; otherwise a set local value wins. ok is false when no rule
// yields a mode, which only happens for an unset global.
func Effective(local LocalMode, global GlobalMode) (GlobalMode, bool) {
	var effective GlobalMode
	switch {
	case local == LocalUnset:
		effective = global
	case global == Autonomous, global == Heteronomous:
		effective = local.asGlobal()
	case global == Stop, global == Manual:
		effective = global
	}
	return effective, effective != GlobalUnset
}

// Modes is the answer of OperationModes.
type Modes struct {
	Global    GlobalMode
	Local     LocalMode
	Effective GlobalMode
}

type modesJSON struct {
	Global    string  `json:"global"`
	Local     *string `json:"local"`
	Effective string  `json:"effective"`
}

// MarshalJSON renders an unset local mode as null.
func (m Modes) MarshalJSON() ([]byte, error) {
	out := modesJSON{Global: m.Global.String(), Effective: m.Effective.String()}
	if m.Local != LocalUnset {
		local := m.Local.String()
		out.Local = &local
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Modes) UnmarshalJSON(data []byte) error {
	var in modesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	global, ok := ParseGlobalMode(in.Global)
	if !ok {
		return fmt.Errorf("invalid global mode %q", in.Global)
	}
	effective, ok := ParseGlobalMode(in.Effective)
	if !ok {
		return fmt.Errorf("invalid effective mode %q", in.Effective)
	}
	local := LocalUnset
	if in.Local != nil {
		if local, ok = ParseLocalMode(*in.Local); !ok {
			return fmt.Errorf("invalid local mode %q", *in.Local)
		}
	}
	*m = Modes{Global: global, Local: local, Effective: effective}
	return nil
}
