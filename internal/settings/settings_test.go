package settings

import (
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	scsiID  = uuid.MustParse("ba6163d9-04a1-4d29-b605-72e2ffb1dc7f")
	nvmeID  = uuid.MustParse("f8b3781b-1e82-4818-a1c3-63d806ec15bb")
	nicID   = uuid.MustParse("c3a2b8e4-6d1f-4b0a-9e5c-2f7d8a1b3c4d")
	accelID = uuid.MustParse("1d6f3e2a-8b4c-4f5d-a7e9-0c2b4d6f8a1e")
)

func sampleDocument() *Document {
	return &Document{
		Base: &Base{
			Version:            "v1.0.0",
			Architecture:       ArchX86_64,
			VPCount:            4,
			MemorySize:         2 << 30,
			SidecarRingSize:    16,
			HypercallRepBudget: 32,
			SidecarVPs:         []uint32{2, 3},
		},
		Storage: &Storage{
			Version: "v1.0.0",
			Controllers: []StorageController{
				{
					InstanceID: scsiID,
					Protocol:   ProtocolSCSI,
					LUNs: []LUN{
						{Location: 0, DevicePath: "/dev/vda", Size: 10 << 30},
						{Location: 1, DevicePath: "/dev/vdb", ReadOnly: true, Size: 4 << 20},
					},
				},
				{
					InstanceID: nvmeID,
					Protocol:   ProtocolNVMe,
					LUNs:       []LUN{{Location: 1, DevicePath: "/dev/nvme0n1"}},
				},
			},
		},
		Network: &Network{
			Version: "v1.1.0",
			NICs: []NIC{{
				InstanceID: nicID,
				MAC:        net.HardwareAddr{0x00, 0x15, 0x5d, 0x01, 0x02, 0x03},
				MTU:        9000,
				QueueCount: 8,
				Accelerated: &AcceleratedNIC{
					InstanceID: accelID,
					PCIAddress: "0000:00:02.0",
					VPort:      7,
				},
			}},
		},
	}
}

// Every field tag the encoder can emit is a possible first byte of some
// message.
func TestNoFieldTagLooksLikeText(t *testing.T) {
	fields := []struct {
		name string
		num  protowire.Number
		typ  protowire.Type
	}{
		{"document.base", docBase, protowire.BytesType},
		{"document.storage", docStorage, protowire.BytesType},
		{"document.network", docNetwork, protowire.BytesType},
		{"base.architecture", baseArchitecture, protowire.VarintType},
		{"base.version", baseVersion, protowire.BytesType},
		{"base.vp_count", baseVPCount, protowire.VarintType},
		{"base.memory_size", baseMemorySize, protowire.VarintType},
		{"base.sidecar_ring_size", baseSidecarRingSize, protowire.VarintType},
		{"base.hypercall_rep_budget", baseHypercallRepBudget, protowire.VarintType},
		{"base.sidecar_vps", baseSidecarVPs, protowire.BytesType},
		{"base.sidecar_vps unpacked", baseSidecarVPs, protowire.VarintType},
		{"base.memory_mb", baseMemoryMB, protowire.VarintType},
		{"storage.version", storageVersion, protowire.BytesType},
		{"storage.controllers", storageControllers, protowire.BytesType},
		{"controller.protocol", controllerProtocol, protowire.VarintType},
		{"controller.instance_id", controllerInstanceID, protowire.BytesType},
		{"controller.luns", controllerLUNs, protowire.BytesType},
		{"controller.protocol_id", controllerProtocolID, protowire.VarintType},
		{"lun.location", lunLocation, protowire.VarintType},
		{"lun.device_path", lunDevicePath, protowire.BytesType},
		{"lun.read_only", lunReadOnly, protowire.VarintType},
		{"lun.size", lunSize, protowire.VarintType},
		{"network.version", networkVersion, protowire.BytesType},
		{"network.nics", networkNICs, protowire.BytesType},
		{"nic.instance_id", nicInstanceID, protowire.BytesType},
		{"nic.mac", nicMAC, protowire.BytesType},
		{"nic.mtu", nicMTU, protowire.VarintType},
		{"nic.queue_count", nicQueueCount, protowire.VarintType},
		{"nic.accelerated", nicAccelerated, protowire.BytesType},
		{"nic.max_queues", nicMaxQueues, protowire.VarintType},
		{"accelerated.instance_id", accelInstanceID, protowire.BytesType},
		{"accelerated.pci_address", accelPCIAddress, protowire.BytesType},
		{"accelerated.vport", accelVPort, protowire.VarintType},
	}
	for _, f := range fields {
		tag := protowire.AppendTag(nil, f.num, f.typ)
		if IsText(tag) {
			t.Errorf("%s: tag byte %#02x reads as text", f.name, tag[0])
		}
	}
}

func TestEncodedMessagesNeverStartAsText(t *testing.T) {
	doc := sampleDocument()
	nic := doc.Network.NICs[0]
	messages := map[string][]byte{
		"document":    Marshal(doc),
		"base":        marshalBase(doc.Base),
		"storage":     marshalStorage(doc.Storage),
		"controller":  marshalController(&doc.Storage.Controllers[0]),
		"lun":         marshalLUN(&doc.Storage.Controllers[0].LUNs[1]),
		"network":     marshalNetwork(doc.Network),
		"nic":         marshalNIC(&nic),
		"accelerated": marshalAccelerated(nic.Accelerated),
		// Leading fields left at zero move a later field to the front.
		"lun at zero":      marshalLUN(&LUN{DevicePath: "/dev/sda"}),
		"base no arch":     marshalBase(&Base{Version: "v1.0.0", MemorySize: 4096}),
		"only storage":     Marshal(&Document{Storage: &Storage{}}),
		"only network":     Marshal(&Document{Network: &Network{Version: "v1.0.0"}}),
		"controller no id": marshalController(&StorageController{LUNs: []LUN{{Location: 3}}}),
	}
	for name, b := range messages {
		if len(b) == 0 {
			t.Errorf("%s: empty encoding", name)
			continue
		}
		if IsText(b) {
			t.Errorf("%s: encoding starts with %#02x", name, b[0])
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	want := sampleDocument()
	got, err := Unmarshal(Marshal(want))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestTextRoundTrip(t *testing.T) {
	want := sampleDocument()
	text, err := MarshalText(want)
	if err != nil {
		t.Fatal(err)
	}
	if !IsText(text) {
		t.Fatalf("text encoding starts with %q", text[0])
	}
	if !strings.Contains(string(text), "memory: 2GiB") {
		t.Errorf("memory not in human form:\n%s", text)
	}
	got, err := Unmarshal(text)
	if err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, text)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestEnumAliases(t *testing.T) {
	for _, s := range []string{"x86_64", "X86_64", "x64", "X64", "amd64", "AMD64", "x86-64"} {
		doc, err := ParseText([]byte("base:\n  architecture: " + s + "\n"))
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if doc.Base.Architecture != ArchX86_64 {
			t.Errorf("%s decoded to %v", s, doc.Base.Architecture)
		}
	}
	for _, s := range []string{"aarch64", "AArch64", "arm64", "ARM64"} {
		if a, err := ParseArchitecture(s); err != nil || a != ArchARM64 {
			t.Errorf("%s decoded to %v, %v", s, a, err)
		}
	}
	for _, s := range []string{"SCSI", "Scsi", "scsi", "VSCSI"} {
		doc, err := ParseText([]byte("storage:\n  controllers:\n  - protocol: " + s + "\n"))
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if p := doc.Storage.Controllers[0].Protocol; p != ProtocolSCSI {
			t.Errorf("%s decoded to %v", s, p)
		}
	}
	for _, s := range []string{"NVMe", "nvme", "NVME", "nvm-e"} {
		if p, err := ParseStorageProtocol(s); err != nil || p != ProtocolNVMe {
			t.Errorf("%s decoded to %v, %v", s, p, err)
		}
	}
	if _, err := ParseText([]byte("base:\n  architecture: sparc\n")); err == nil {
		t.Errorf("unknown architecture accepted")
	}
}

func TestDeprecatedFieldsText(t *testing.T) {
	legacy := `
base:
  version: v1.0.0
  architecture: X64
  vp_count: 2
  memory_mb: 2048
storage:
  version: v1.0.0
  controllers:
  - instance_id: ba6163d9-04a1-4d29-b605-72e2ffb1dc7f
    protocol_id: 2
    luns:
    - location: 0
      device_path: /dev/vda
network:
  version: v1.0.0
  nics:
  - instance_id: c3a2b8e4-6d1f-4b0a-9e5c-2f7d8a1b3c4d
    mac: 00-15-5D-01-02-03
    max_queues: 4
`
	doc, err := Unmarshal([]byte(legacy))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Base.MemorySize != 2<<30 {
		t.Errorf("memory_mb decoded to %d bytes", doc.Base.MemorySize)
	}
	if p := doc.Storage.Controllers[0].Protocol; p != ProtocolNVMe {
		t.Errorf("protocol_id decoded to %v", p)
	}
	if q := doc.Network.NICs[0].QueueCount; q != 4 {
		t.Errorf("max_queues decoded to %d", q)
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("legacy document invalid: %v", err)
	}

	// The canonical field wins when both are present.
	doc, err = ParseText([]byte("base:\n  memory: 1GiB\n  memory_mb: 2048\n"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Base.MemorySize != 1<<30 {
		t.Errorf("memory decoded to %d bytes", doc.Base.MemorySize)
	}
}

func TestDeprecatedFieldsBinary(t *testing.T) {
	var base []byte
	base = protowire.AppendTag(base, baseMemoryMB, protowire.VarintType)
	base = protowire.AppendVarint(base, 512)

	var ctrl []byte
	ctrl = protowire.AppendTag(ctrl, controllerProtocolID, protowire.VarintType)
	ctrl = protowire.AppendVarint(ctrl, 1)
	var storage []byte
	storage = appendMessage(storage, storageControllers, ctrl)

	var nic []byte
	nic = protowire.AppendTag(nic, nicMaxQueues, protowire.VarintType)
	nic = protowire.AppendVarint(nic, 6)
	var network []byte
	network = appendMessage(network, networkNICs, nic)

	var b []byte
	b = appendMessage(b, docBase, base)
	b = appendMessage(b, docStorage, storage)
	b = appendMessage(b, docNetwork, network)

	doc, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Base.MemorySize != 512<<20 {
		t.Errorf("memory_mb decoded to %d bytes", doc.Base.MemorySize)
	}
	if p := doc.Storage.Controllers[0].Protocol; p != ProtocolIDE {
		t.Errorf("protocol_id decoded to %v", p)
	}
	if q := doc.Network.NICs[0].QueueCount; q != 6 {
		t.Errorf("max_queues decoded to %d", q)
	}
}

func TestLegacyJSON(t *testing.T) {
	doc, err := Unmarshal([]byte(`{"base": {"version": "v1.0.0", "architecture": "ARM64", "vp_count": 2, "memory": "512MiB"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Base.Architecture != ArchARM64 || doc.Base.VPCount != 2 || doc.Base.MemorySize != 512<<20 {
		t.Fatalf("decoded %+v", doc.Base)
	}
}

func TestBinaryDecodeErrors(t *testing.T) {
	full := Marshal(sampleDocument())
	if _, err := Unmarshal(full[:len(full)-3]); err == nil {
		t.Errorf("truncated document accepted")
	}

	// base sent as a varint instead of a message.
	var b []byte
	b = protowire.AppendTag(b, docBase, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err := Unmarshal(b)
	var de *DecodeError
	if !errors.As(err, &de) || de.Field != docBase {
		t.Errorf("wrong wire type: %v", err)
	}

	// Unknown fields are skipped.
	var u []byte
	u = protowire.AppendTag(u, 100, protowire.Fixed64Type)
	u = protowire.AppendFixed64(u, 42)
	u = appendMessage(u, docBase, marshalBase(&Base{VPCount: 3}))
	doc, err := Unmarshal(u)
	if err != nil || doc.Base == nil || doc.Base.VPCount != 3 {
		t.Errorf("unknown field: %+v %v", doc, err)
	}
}

func TestValidate(t *testing.T) {
	if err := sampleDocument().Validate(); err != nil {
		t.Fatalf("sample invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Document)
		want   string
	}{
		{"no base", func(d *Document) { d.Base = nil }, "base namespace is missing"},
		{"bad version", func(d *Document) { d.Base.Version = "1.0" }, "not a semantic version"},
		{"future major", func(d *Document) { d.Storage.Version = "v2.0.0" }, "unsupported version"},
		{"architecture", func(d *Document) { d.Base.Architecture = ArchUnspecified }, "architecture"},
		{"vp count", func(d *Document) { d.Base.VPCount = 0 }, "vp_count"},
		{"memory", func(d *Document) { d.Base.MemorySize = 4097 }, "memory size"},
		{"ring size", func(d *Document) { d.Base.SidecarRingSize = 12 }, "sidecar_ring_size"},
		{"sidecar vp", func(d *Document) { d.Base.SidecarVPs = []uint32{4} }, "sidecar vp 4"},
		{"duplicate id", func(d *Document) { d.Storage.Controllers[1].InstanceID = scsiID }, "already used"},
		{"duplicate lun", func(d *Document) { d.Storage.Controllers[0].LUNs[1].Location = 0 }, "defined twice"},
		{"protocol", func(d *Document) { d.Storage.Controllers[0].Protocol = 9 }, "protocol"},
		{"mac", func(d *Document) { d.Network.NICs[0].MAC = nil }, "48-bit"},
		{"mtu", func(d *Document) { d.Network.NICs[0].MTU = 20 }, "mtu"},
		{"queues", func(d *Document) { d.Network.NICs[0].QueueCount = 0 }, "queue count"},
		{"accelerated too old", func(d *Document) { d.Network.Version = "v1.0.3" }, "need network version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := sampleDocument()
			tt.mutate(doc)
			err := doc.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate = %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	from := sampleDocument()
	to := sampleDocument()
	if c := Diff(from, to); !c.Empty() {
		t.Fatalf("identical documents differ: %+v", c)
	}

	added := uuid.MustParse("7e3b1a52-9c4d-4e8f-b2a6-5d1c3e7f9a0b")
	to.Storage.Controllers = to.Storage.Controllers[:1]
	to.Storage.Controllers = append(to.Storage.Controllers, StorageController{
		InstanceID: added,
		Protocol:   ProtocolIDE,
	})
	to.Network.NICs[0].MTU = 1500

	c := Diff(from, to)
	if c.BaseChanged {
		t.Errorf("base reported changed")
	}
	if len(c.Added) != 1 || c.Added[0] != (DeviceRef{KindStorage, added}) {
		t.Errorf("added %v", c.Added)
	}
	if len(c.Removed) != 1 || c.Removed[0] != (DeviceRef{KindStorage, nvmeID}) {
		t.Errorf("removed %v", c.Removed)
	}
	if len(c.Changed) != 1 || c.Changed[0] != (DeviceRef{KindNIC, nicID}) {
		t.Errorf("changed %v", c.Changed)
	}

	to.Base.VPCount = 8
	if !Diff(from, to).BaseChanged {
		t.Errorf("vp count change not reported")
	}
	if c := Diff(nil, from); len(c.Added) != 3 || !c.BaseChanged {
		t.Errorf("diff from nothing: %+v", c)
	}
}
