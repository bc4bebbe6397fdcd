// Package settings is the configuration document a partition is built
// from. The document has three namespaces, each versioned on its own:
// base holds the fixed parameters, storage and network the device
// topology that may change while the guest runs.
//
// Two encodings exist. The binary encoding is protobuf wire format; its
// field numbers are chosen so that no encoded message starts with an ASCII
// whitespace byte or '{'. The legacy text encoding is YAML (JSON is
// accepted as YAML) and always starts with one of those bytes, so
// Unmarshal picks the decoder from the first byte.
package settings

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/tinyrange/paravisor/internal/hv"
)

// Document is a complete settings document. A nil namespace is absent.
type Document struct {
	Base    *Base
	Storage *Storage
	Network *Network
}

// Base holds parameters fixed for the life of the partition.
type Base struct {
	Version      string
	Architecture Architecture
	VPCount      uint32
	MemorySize   uint64

	// SidecarRingSize is the slot count of each offload ring.
	SidecarRingSize uint32
	// HypercallRepBudget overrides the runtime default when non-zero.
	HypercallRepBudget uint32
	// SidecarVPs are the VP indexes run on a sidecar worker.
	SidecarVPs []uint32
}

type Storage struct {
	Version     string
	Controllers []StorageController
}

type StorageController struct {
	InstanceID uuid.UUID
	Protocol   StorageProtocol
	LUNs       []LUN
}

// LUN is one logical unit behind a storage controller.
type LUN struct {
	Location   uint32
	DevicePath string
	ReadOnly   bool
	Size       uint64
}

type Network struct {
	Version string
	NICs    []NIC
}

type NIC struct {
	InstanceID uuid.UUID
	MAC        net.HardwareAddr
	MTU        uint32
	QueueCount uint32

	// Accelerated is the optional paired device that takes over the data
	// path when present.
	Accelerated *AcceleratedNIC
}

type AcceleratedNIC struct {
	InstanceID uuid.UUID
	PCIAddress string
	VPort      uint32
}

// Architecture is the guest instruction set.
type Architecture uint8

const (
	ArchUnspecified Architecture = iota
	ArchX86_64
	ArchARM64
)

var architectureNames = map[Architecture]string{
	ArchUnspecified: "unspecified",
	ArchX86_64:      "x86_64",
	ArchARM64:       "aarch64",
}

// architectureAliases maps every accepted spelling, lower-cased, to its
// canonical value.
var architectureAliases = map[string]Architecture{
	"x86_64":  ArchX86_64,
	"x86-64":  ArchX86_64,
	"x64":     ArchX86_64,
	"amd64":   ArchX86_64,
	"aarch64": ArchARM64,
	"arm64":   ArchARM64,
}

func (a Architecture) String() string {
	if s, ok := architectureNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Architecture(%d)", uint8(a))
}

func ParseArchitecture(s string) (Architecture, error) {
	if a, ok := architectureAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return ArchUnspecified, fmt.Errorf("settings: unknown architecture %q", s)
}

// CPU returns the substrate architecture.
func (a Architecture) CPU() hv.CpuArchitecture {
	switch a {
	case ArchX86_64:
		return hv.ArchitectureX86_64
	case ArchARM64:
		return hv.ArchitectureARM64
	}
	return hv.ArchitectureInvalid
}

// StorageProtocol is the emulated controller type.
type StorageProtocol uint8

const (
	ProtocolUnspecified StorageProtocol = iota
	ProtocolSCSI
	ProtocolIDE
	ProtocolNVMe
)

var protocolNames = map[StorageProtocol]string{
	ProtocolUnspecified: "unspecified",
	ProtocolSCSI:        "scsi",
	ProtocolIDE:         "ide",
	ProtocolNVMe:        "nvme",
}

var protocolAliases = map[string]StorageProtocol{
	"scsi":   ProtocolSCSI,
	"vscsi":  ProtocolSCSI,
	"ide":    ProtocolIDE,
	"nvme":   ProtocolNVMe,
	"nvm-e":  ProtocolNVMe,
	"nvm_e":  ProtocolNVMe,
	"nvmeof": ProtocolNVMe,
}

// legacyProtocolIDs is the numbering used by the deprecated protocol_id
// field, which predates ProtocolUnspecified.
var legacyProtocolIDs = map[uint64]StorageProtocol{
	0: ProtocolSCSI,
	1: ProtocolIDE,
	2: ProtocolNVMe,
}

func (p StorageProtocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return fmt.Sprintf("StorageProtocol(%d)", uint8(p))
}

func ParseStorageProtocol(s string) (StorageProtocol, error) {
	if p, ok := protocolAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return ProtocolUnspecified, fmt.Errorf("settings: unknown storage protocol %q", s)
}

func legacyProtocol(id uint64) (StorageProtocol, error) {
	if p, ok := legacyProtocolIDs[id]; ok {
		return p, nil
	}
	return ProtocolUnspecified, fmt.Errorf("settings: unknown legacy protocol id %d", id)
}
