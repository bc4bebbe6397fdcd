package settings

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// IsText reports whether data is in the legacy text encoding. Only the
// first byte is examined.
func IsText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch data[0] {
	case ' ', '\t', '\n', '\v', '\f', '\r', '{':
		return true
	}
	return false
}

// Unmarshal decodes either encoding, choosing by the first byte.
func Unmarshal(data []byte) (*Document, error) {
	if IsText(data) {
		return ParseText(data)
	}
	return UnmarshalBinary(data)
}

// MarshalText returns the legacy text encoding of doc. The output starts
// with a newline so that Unmarshal recognises it.
func MarshalText(doc *Document) ([]byte, error) {
	out, err := yaml.Marshal(toText(doc))
	if err != nil {
		return nil, fmt.Errorf("settings: encode text: %w", err)
	}
	return append([]byte{'\n'}, out...), nil
}

// ParseText decodes the legacy text encoding. Enum spellings and the
// deprecated fields are folded into their canonical values.
func ParseText(data []byte) (*Document, error) {
	var t textDocument
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("settings: parse text: %w", err)
		}
	}
	return t.document()
}

type textDocument struct {
	Base    *textBase    `yaml:"base,omitempty"`
	Storage *textStorage `yaml:"storage,omitempty"`
	Network *textNetwork `yaml:"network,omitempty"`
}

type textBase struct {
	Version            string       `yaml:"version,omitempty"`
	Architecture       architecture `yaml:"architecture,omitempty"`
	VPCount            uint32       `yaml:"vp_count,omitempty"`
	Memory             byteSize     `yaml:"memory,omitempty"`
	MemoryMB           uint64       `yaml:"memory_mb,omitempty"`
	SidecarRingSize    uint32       `yaml:"sidecar_ring_size,omitempty"`
	HypercallRepBudget uint32       `yaml:"hypercall_rep_budget,omitempty"`
	SidecarVPs         []uint32     `yaml:"sidecar_vps,omitempty,flow"`
}

type textStorage struct {
	Version     string           `yaml:"version,omitempty"`
	Controllers []textController `yaml:"controllers,omitempty"`
}

type textController struct {
	InstanceID string          `yaml:"instance_id,omitempty"`
	Protocol   storageProtocol `yaml:"protocol,omitempty"`
	ProtocolID *uint64         `yaml:"protocol_id,omitempty"`
	LUNs       []textLUN       `yaml:"luns,omitempty"`
}

type textLUN struct {
	Location   uint32   `yaml:"location"`
	DevicePath string   `yaml:"device_path,omitempty"`
	ReadOnly   bool     `yaml:"read_only,omitempty"`
	Size       byteSize `yaml:"size,omitempty"`
}

type textNetwork struct {
	Version string    `yaml:"version,omitempty"`
	NICs    []textNIC `yaml:"nics,omitempty"`
}

type textNIC struct {
	InstanceID  string           `yaml:"instance_id,omitempty"`
	MAC         string           `yaml:"mac,omitempty"`
	MTU         uint32           `yaml:"mtu,omitempty"`
	Queues      uint32           `yaml:"queues,omitempty"`
	MaxQueues   uint32           `yaml:"max_queues,omitempty"`
	Accelerated *textAccelerated `yaml:"accelerated,omitempty"`
}

type textAccelerated struct {
	InstanceID string `yaml:"instance_id,omitempty"`
	PCIAddress string `yaml:"pci_address,omitempty"`
	VPort      uint32 `yaml:"vport,omitempty"`
}

type architecture Architecture

func (a *architecture) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseArchitecture(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*a = architecture(v)
	return nil
}

func (a architecture) MarshalYAML() (any, error) { return Architecture(a).String(), nil }
func (a architecture) IsZero() bool              { return a == 0 }

type storageProtocol StorageProtocol

func (p *storageProtocol) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseStorageProtocol(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*p = storageProtocol(v)
	return nil
}

func (p storageProtocol) MarshalYAML() (any, error) { return StorageProtocol(p).String(), nil }
func (p storageProtocol) IsZero() bool              { return p == 0 }

// byteSize accepts a plain byte count or a human size such as "2GiB".
type byteSize uint64

func (s *byteSize) UnmarshalYAML(n *yaml.Node) error {
	if v, err := strconv.ParseUint(n.Value, 0, 64); err == nil {
		*s = byteSize(v)
		return nil
	}
	v, err := units.RAMInBytes(n.Value)
	if err != nil || v < 0 {
		return fmt.Errorf("line %d: settings: invalid size %q", n.Line, n.Value)
	}
	*s = byteSize(v)
	return nil
}

// MarshalYAML emits the human form only when it parses back exactly.
func (s byteSize) MarshalYAML() (any, error) {
	human := units.BytesSize(float64(s))
	if v, err := units.RAMInBytes(human); err == nil && uint64(v) == uint64(s) {
		return human, nil
	}
	return uint64(s), nil
}

func (s byteSize) IsZero() bool { return s == 0 }

func parseID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("settings: %s instance id: %w", what, err)
	}
	return id, nil
}

func formatID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func (t *textDocument) document() (*Document, error) {
	doc := &Document{}
	if b := t.Base; b != nil {
		doc.Base = &Base{
			Version:            b.Version,
			Architecture:       Architecture(b.Architecture),
			VPCount:            b.VPCount,
			MemorySize:         uint64(b.Memory),
			SidecarRingSize:    b.SidecarRingSize,
			HypercallRepBudget: b.HypercallRepBudget,
			SidecarVPs:         b.SidecarVPs,
		}
		if doc.Base.MemorySize == 0 {
			doc.Base.MemorySize = b.MemoryMB << 20
		}
	}
	if s := t.Storage; s != nil {
		doc.Storage = &Storage{Version: s.Version}
		for _, c := range s.Controllers {
			id, err := parseID(c.InstanceID, "storage controller")
			if err != nil {
				return nil, err
			}
			ctrl := StorageController{InstanceID: id, Protocol: StorageProtocol(c.Protocol)}
			if ctrl.Protocol == ProtocolUnspecified && c.ProtocolID != nil {
				if ctrl.Protocol, err = legacyProtocol(*c.ProtocolID); err != nil {
					return nil, err
				}
			}
			for _, l := range c.LUNs {
				ctrl.LUNs = append(ctrl.LUNs, LUN{
					Location:   l.Location,
					DevicePath: l.DevicePath,
					ReadOnly:   l.ReadOnly,
					Size:       uint64(l.Size),
				})
			}
			doc.Storage.Controllers = append(doc.Storage.Controllers, ctrl)
		}
	}
	if n := t.Network; n != nil {
		doc.Network = &Network{Version: n.Version}
		for _, tn := range n.NICs {
			id, err := parseID(tn.InstanceID, "nic")
			if err != nil {
				return nil, err
			}
			nic := NIC{InstanceID: id, MTU: tn.MTU, QueueCount: tn.Queues}
			if nic.QueueCount == 0 {
				nic.QueueCount = tn.MaxQueues
			}
			if tn.MAC != "" {
				if nic.MAC, err = net.ParseMAC(tn.MAC); err != nil {
					return nil, fmt.Errorf("settings: nic %s: %w", id, err)
				}
			}
			if a := tn.Accelerated; a != nil {
				aid, err := parseID(a.InstanceID, "accelerated nic")
				if err != nil {
					return nil, err
				}
				nic.Accelerated = &AcceleratedNIC{InstanceID: aid, PCIAddress: a.PCIAddress, VPort: a.VPort}
			}
			doc.Network.NICs = append(doc.Network.NICs, nic)
		}
	}
	return doc, nil
}

func toText(doc *Document) *textDocument {
	t := &textDocument{}
	if b := doc.Base; b != nil {
		t.Base = &textBase{
			Version:            b.Version,
			Architecture:       architecture(b.Architecture),
			VPCount:            b.VPCount,
			Memory:             byteSize(b.MemorySize),
			SidecarRingSize:    b.SidecarRingSize,
			HypercallRepBudget: b.HypercallRepBudget,
			SidecarVPs:         b.SidecarVPs,
		}
	}
	if s := doc.Storage; s != nil {
		t.Storage = &textStorage{Version: s.Version}
		for _, c := range s.Controllers {
			tc := textController{InstanceID: formatID(c.InstanceID), Protocol: storageProtocol(c.Protocol)}
			for _, l := range c.LUNs {
				tc.LUNs = append(tc.LUNs, textLUN{
					Location:   l.Location,
					DevicePath: l.DevicePath,
					ReadOnly:   l.ReadOnly,
					Size:       byteSize(l.Size),
				})
			}
			t.Storage.Controllers = append(t.Storage.Controllers, tc)
		}
	}
	if n := doc.Network; n != nil {
		t.Network = &textNetwork{Version: n.Version}
		for _, nic := range n.NICs {
			tn := textNIC{InstanceID: formatID(nic.InstanceID), MTU: nic.MTU, Queues: nic.QueueCount}
			if len(nic.MAC) > 0 {
				tn.MAC = nic.MAC.String()
			}
			if a := nic.Accelerated; a != nil {
				tn.Accelerated = &textAccelerated{InstanceID: formatID(a.InstanceID), PCIAddress: a.PCIAddress, VPort: a.VPort}
			}
			t.Network.NICs = append(t.Network.NICs, tn)
		}
	}
	return t
}
