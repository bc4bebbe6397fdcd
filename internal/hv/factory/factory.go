// Package factory selects a virtualization substrate by name.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hv/sim"
)

// Opener opens a substrate for one partition of the given architecture.
type Opener func(arch hv.CpuArchitecture) (hv.Substrate, error)

var (
	mu       sync.RWMutex
	backends = map[string]Opener{
		"sim": func(arch hv.CpuArchitecture) (hv.Substrate, error) { return sim.New(arch), nil },
	}
)

// Register makes a backend available under name. Registering a name twice
// replaces the earlier backend.
func Register(name string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	backends[name] = open
}

// Names lists the registered backends in order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(backends))
	for name := range backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the opener registered under name.
func Lookup(name string) (Opener, error) {
	mu.RLock()
	open, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no substrate %q (have %v)", hv.ErrHypervisorUnsupported, name, Names())
	}
	return open, nil
}

// Open opens the named substrate for arch.
func Open(name string, arch hv.CpuArchitecture) (hv.Substrate, error) {
	switch arch {
	case hv.ArchitectureX86_64, hv.ArchitectureARM64:
	default:
		return nil, fmt.Errorf("factory: unsupported architecture %q", arch)
	}
	open, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return open(arch)
}
