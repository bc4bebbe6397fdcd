package settings

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/tinyrange/paravisor/internal/hv"
)

const (
	// MaxVPs matches the 8-bit interrupt controller id space.
	MaxVPs      = 256
	MaxQueues   = 64
	DefaultMTU  = 1500
	minMTU      = 68
	maxMTU      = 65535
	pageSize    = 4096
	maxIDELUNs  = 2
	maxRingSize = 1 << 12
)

// supported is the major version understood for each namespace.
var supported = map[string]string{
	"base":    "v1",
	"storage": "v1",
	"network": "v1",
}

// acceleratedSince is the network namespace version that added paired
// accelerated NICs.
const acceleratedSince = "v1.1.0"

// ValidationError collects every problem found in one document.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: invalid document: %v", errors.Join(e.Problems...))
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

// Validate checks doc for structural problems. The base namespace is
// required; storage and network are optional.
func (doc *Document) Validate() error {
	v := &validator{}
	if doc.Base == nil {
		v.errorf("base namespace is missing")
	} else {
		v.base(doc.Base)
	}
	if doc.Storage != nil {
		v.storage(doc.Storage)
	}
	if doc.Network != nil {
		v.network(doc.Network)
	}
	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

type validator struct {
	problems []error
	ids      map[uuid.UUID]string
}

func (v *validator) errorf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Errorf(format, args...))
}

// version checks a namespace version and returns it canonicalised.
func (v *validator) version(ns, ver string) string {
	if !semver.IsValid(ver) {
		v.errorf("%s: version %q is not a semantic version", ns, ver)
		return ""
	}
	if major := semver.Major(ver); major != supported[ns] {
		v.errorf("%s: unsupported version %s (want %s.x.y)", ns, ver, supported[ns])
	}
	return semver.Canonical(ver)
}

// instance records a device instance id, which must be unique across the
// whole document.
func (v *validator) instance(id uuid.UUID, what string) {
	if id == uuid.Nil {
		v.errorf("%s: instance id is missing", what)
		return
	}
	if v.ids == nil {
		v.ids = make(map[uuid.UUID]string)
	}
	if prev, ok := v.ids[id]; ok {
		v.errorf("%s: instance id %s already used by %s", what, id, prev)
		return
	}
	v.ids[id] = what
}

func (v *validator) base(b *Base) {
	v.version("base", b.Version)
	if b.Architecture.CPU() == hv.ArchitectureInvalid {
		v.errorf("base: architecture %v is not supported", b.Architecture)
	}
	if b.VPCount == 0 || b.VPCount > MaxVPs {
		v.errorf("base: vp_count %d out of range 1..%d", b.VPCount, MaxVPs)
	}
	if b.MemorySize == 0 || b.MemorySize%pageSize != 0 {
		v.errorf("base: memory size %d is not a positive multiple of %d", b.MemorySize, pageSize)
	}
	if r := b.SidecarRingSize; r != 0 && (r&(r-1) != 0 || r > maxRingSize) {
		v.errorf("base: sidecar_ring_size %d is not a power of two up to %d", r, maxRingSize)
	}
	seen := make(map[uint32]bool, len(b.SidecarVPs))
	for _, vp := range b.SidecarVPs {
		switch {
		case vp >= b.VPCount:
			v.errorf("base: sidecar vp %d does not exist", vp)
		case seen[vp]:
			v.errorf("base: sidecar vp %d listed twice", vp)
		}
		seen[vp] = true
	}
}

func (v *validator) storage(s *Storage) {
	v.version("storage", s.Version)
	for _, c := range s.Controllers {
		what := fmt.Sprintf("storage controller %s", c.InstanceID)
		v.instance(c.InstanceID, what)
		switch c.Protocol {
		case ProtocolSCSI, ProtocolNVMe:
		case ProtocolIDE:
			if len(c.LUNs) > maxIDELUNs {
				v.errorf("%s: ide supports %d units, got %d", what, maxIDELUNs, len(c.LUNs))
			}
		default:
			v.errorf("%s: protocol %v is not supported", what, c.Protocol)
		}
		locations := make(map[uint32]bool, len(c.LUNs))
		for _, l := range c.LUNs {
			if locations[l.Location] {
				v.errorf("%s: lun %d defined twice", what, l.Location)
			}
			locations[l.Location] = true
			if l.DevicePath == "" {
				v.errorf("%s: lun %d has no device path", what, l.Location)
			}
		}
	}
}

func (v *validator) network(n *Network) {
	ver := v.version("network", n.Version)
	macs := make(map[string]bool, len(n.NICs))
	for _, nic := range n.NICs {
		what := fmt.Sprintf("nic %s", nic.InstanceID)
		v.instance(nic.InstanceID, what)
		if len(nic.MAC) != 6 {
			v.errorf("%s: mac %q is not a 48-bit address", what, nic.MAC)
		} else if macs[nic.MAC.String()] {
			v.errorf("%s: mac %s already in use", what, nic.MAC)
		}
		macs[nic.MAC.String()] = true
		if nic.MTU != 0 && (nic.MTU < minMTU || nic.MTU > maxMTU) {
			v.errorf("%s: mtu %d out of range %d..%d", what, nic.MTU, minMTU, maxMTU)
		}
		if nic.QueueCount == 0 || nic.QueueCount > MaxQueues {
			v.errorf("%s: queue count %d out of range 1..%d", what, nic.QueueCount, MaxQueues)
		}
		if a := nic.Accelerated; a != nil {
			if ver != "" && semver.Compare(ver, acceleratedSince) < 0 {
				v.errorf("%s: accelerated nics need network version %s, document is %s", what, acceleratedSince, ver)
			}
			v.instance(a.InstanceID, what+" accelerated")
			if a.PCIAddress == "" {
				v.errorf("%s: accelerated nic has no pci address", what)
			}
		}
	}
}
