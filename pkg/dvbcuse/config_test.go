package dvbcuse

import (
	"errors"
	"testing"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		adapter   int
		major     int
		minorBase int
		wantErr   bool
	}{
		{"lowest", 0, 0, 0, false},
		{"highest", MaxAdapter, MaxMajor, 0x7ff8, false},
		{"typical", 4, 256, 64, false},
		{"adapter_over", 256, 256, 0, true},
		{"major_over", 0, 0x8000, 0, true},
		{"minor_unaligned", 0, 256, 4, true},
		{"minor_negative", 0, 256, -8, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Adapter: tc.adapter, Major: tc.major, MinorBase: tc.minorBase}
			cfg.Enable(types.Frontend, "/dev/null", Ops{})
			err := cfg.Validate()
			if tc.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, not ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigMinorsAndOrder(t *testing.T) {
	cfg := Config{MinorBase: 24}
	cfg.Enable(types.Net, "/x/net0", Ops{})
	cfg.Enable(types.Frontend, "/x/frontend0", Ops{})

	if got := cfg.Minor(types.Net); got != 28 {
		t.Errorf("Minor(net) = %d, want 28", got)
	}
	eps := cfg.EnabledEndpoints()
	if len(eps) != 2 || eps[0] != types.Frontend || eps[1] != types.Net {
		t.Errorf("EnabledEndpoints() = %v, want [frontend net]", eps)
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "draining" || State(9).String() != "state(9)" {
		t.Errorf("unexpected state names %q %q", StateDraining, State(9))
	}
}
