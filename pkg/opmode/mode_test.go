package opmode

import (
	"encoding/json"
	"testing"
)

func TestEffectiveTable(t *testing.T) {
	tests := []struct {
		local  LocalMode
		global GlobalMode
		want   GlobalMode
	}{
		{LocalUnset, Autonomous, Autonomous},
		{LocalUnset, Heteronomous, Heteronomous},
		{LocalUnset, Stop, Stop},
		{LocalUnset, Manual, Manual},
		{LocalHeteronomous, Autonomous, Heteronomous},
		{LocalHeteronomous, Heteronomous, Heteronomous},
		{LocalHeteronomous, Stop, Stop},
		{LocalHeteronomous, Manual, Manual},
		{LocalStop, Autonomous, Stop},
		{LocalStop, Heteronomous, Stop},
		{LocalStop, Stop, Stop},
		{LocalStop, Manual, Manual},
	}
	for _, tt := range tests {
		t.Run(displayMode(tt.local.String())+"/"+tt.global.String(), func(t *testing.T) {
			got, ok := Effective(tt.local, tt.global)
			if !ok || got != tt.want {
				t.Errorf("Effective(%v, %v) = %v, %v, want %v", tt.local, tt.global, got, ok, tt.want)
			}
		})
	}
}

func TestEffectiveWithoutGlobal(t *testing.T) {
	for _, local := range []LocalMode{LocalUnset, LocalHeteronomous, LocalStop} {
		if _, ok := Effective(local, GlobalUnset); ok {
			t.Errorf("Effective(%v, unset) should not resolve", local)
		}
	}
}

func TestParseModes(t *testing.T) {
	for _, name := range GlobalModeNames {
		mode, ok := ParseGlobalMode(name)
		if !ok || mode.String() != name {
			t.Errorf("ParseGlobalMode(%q) = %v, %v", name, mode, ok)
		}
	}
	for _, bad := range []string{"", "Stop", "bogus", " stop"} {
		if mode, ok := ParseGlobalMode(bad); ok || mode != GlobalUnset {
			t.Errorf("ParseGlobalMode(%q) = %v, %v", bad, mode, ok)
		}
	}

	for _, name := range LocalModeNames {
		mode, ok := ParseLocalMode(name)
		if !ok || mode.String() != name {
			t.Errorf("ParseLocalMode(%q) = %v, %v", name, mode, ok)
		}
	}
	for _, bad := range []string{"", "autonomous", "manual", "bogus"} {
		if mode, ok := ParseLocalMode(bad); ok || mode != LocalUnset {
			t.Errorf("ParseLocalMode(%q) = %v, %v", bad, mode, ok)
		}
	}
}

func TestModesJSON(t *testing.T) {
	data, err := json.Marshal(Modes{Global: Autonomous, Local: LocalUnset, Effective: Autonomous})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"global":"autonomous","local":null,"effective":"autonomous"}` {
		t.Errorf("json = %s", data)
	}

	var back Modes
	if err := json.Unmarshal([]byte(`{"global":"heteronomous","local":"stop","effective":"stop"}`), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != (Modes{Global: Heteronomous, Local: LocalStop, Effective: Stop}) {
		t.Errorf("Unmarshal = %+v", back)
	}

	if err := json.Unmarshal([]byte(`{"global":"bogus","local":null,"effective":"stop"}`), &back); err == nil {
		t.Error("bogus global should not decode")
	}
}
