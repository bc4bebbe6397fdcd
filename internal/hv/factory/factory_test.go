package factory

import (
	"errors"
	"testing"

	"github.com/tinyrange/paravisor/internal/hv"
)

func TestOpenSim(t *testing.T) {
	sub, err := Open("sim", hv.ArchitectureARM64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sub.Close()
	if sub.Architecture() != hv.ArchitectureARM64 {
		t.Fatalf("architecture %s", sub.Architecture())
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("hyperv", hv.ArchitectureX86_64); !errors.Is(err, hv.ErrHypervisorUnsupported) {
		t.Fatalf("unknown backend: %v", err)
	}
	if _, err := Open("sim", hv.ArchitectureInvalid); err == nil {
		t.Fatalf("invalid architecture accepted")
	}
}

func TestRegister(t *testing.T) {
	called := false
	Register("test-backend", func(arch hv.CpuArchitecture) (hv.Substrate, error) {
		called = true
		return nil, errors.New("unavailable")
	})
	if _, err := Open("test-backend", hv.ArchitectureX86_64); err == nil || !called {
		t.Fatalf("registered backend not used: %v", err)
	}
	found := false
	for _, name := range Names() {
		found = found || name == "test-backend"
	}
	if !found {
		t.Fatalf("Names() = %v", Names())
	}
}
