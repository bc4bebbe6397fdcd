package settings

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary encoding. A message's first byte is the tag
// of its lowest present field, so field 1 is only ever a varint (tag 0x08)
// and field 4 is never a varint (tag 0x20 is a space). Length-delimited
// fields start at 2.
const (
	docBase    protowire.Number = 2
	docStorage protowire.Number = 3
	docNetwork protowire.Number = 5

	baseArchitecture       protowire.Number = 1
	baseVersion            protowire.Number = 2
	baseVPCount            protowire.Number = 3
	baseMemorySize         protowire.Number = 5
	baseSidecarRingSize    protowire.Number = 6
	baseHypercallRepBudget protowire.Number = 7
	baseSidecarVPs         protowire.Number = 8
	baseMemoryMB           protowire.Number = 9 // deprecated, MiB

	storageVersion     protowire.Number = 2
	storageControllers protowire.Number = 3

	controllerProtocol   protowire.Number = 1
	controllerInstanceID protowire.Number = 2
	controllerLUNs       protowire.Number = 3
	controllerProtocolID protowire.Number = 6 // deprecated numbering

	lunLocation   protowire.Number = 1
	lunDevicePath protowire.Number = 2
	lunReadOnly   protowire.Number = 3
	lunSize       protowire.Number = 5

	networkVersion protowire.Number = 2
	networkNICs    protowire.Number = 3

	nicInstanceID  protowire.Number = 2
	nicMAC         protowire.Number = 3
	nicMTU         protowire.Number = 5
	nicQueueCount  protowire.Number = 6
	nicAccelerated protowire.Number = 7
	nicMaxQueues   protowire.Number = 8 // deprecated

	accelInstanceID protowire.Number = 2
	accelPCIAddress protowire.Number = 3
	accelVPort      protowire.Number = 5
)

// Marshal returns the binary encoding of doc.
func Marshal(doc *Document) []byte {
	var b []byte
	if doc.Base != nil {
		b = appendMessage(b, docBase, marshalBase(doc.Base))
	}
	if doc.Storage != nil {
		b = appendMessage(b, docStorage, marshalStorage(doc.Storage))
	}
	if doc.Network != nil {
		b = appendMessage(b, docNetwork, marshalNetwork(doc.Network))
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always emits the field so that a present but empty
// namespace survives a round trip.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	if id == uuid.Nil {
		return b
	}
	return appendBytes(b, num, id[:])
}

func marshalBase(m *Base) []byte {
	var b []byte
	b = appendVarint(b, baseArchitecture, uint64(m.Architecture))
	b = appendString(b, baseVersion, m.Version)
	b = appendVarint(b, baseVPCount, uint64(m.VPCount))
	b = appendVarint(b, baseMemorySize, m.MemorySize)
	b = appendVarint(b, baseSidecarRingSize, uint64(m.SidecarRingSize))
	b = appendVarint(b, baseHypercallRepBudget, uint64(m.HypercallRepBudget))
	if len(m.SidecarVPs) > 0 {
		var packed []byte
		for _, vp := range m.SidecarVPs {
			packed = protowire.AppendVarint(packed, uint64(vp))
		}
		b = appendBytes(b, baseSidecarVPs, packed)
	}
	return b
}

func marshalStorage(m *Storage) []byte {
	var b []byte
	b = appendString(b, storageVersion, m.Version)
	for i := range m.Controllers {
		b = appendMessage(b, storageControllers, marshalController(&m.Controllers[i]))
	}
	return b
}

func marshalController(m *StorageController) []byte {
	var b []byte
	b = appendVarint(b, controllerProtocol, uint64(m.Protocol))
	b = appendUUID(b, controllerInstanceID, m.InstanceID)
	for i := range m.LUNs {
		b = appendMessage(b, controllerLUNs, marshalLUN(&m.LUNs[i]))
	}
	return b
}

func marshalLUN(m *LUN) []byte {
	var b []byte
	b = appendVarint(b, lunLocation, uint64(m.Location))
	b = appendString(b, lunDevicePath, m.DevicePath)
	b = appendBool(b, lunReadOnly, m.ReadOnly)
	b = appendVarint(b, lunSize, m.Size)
	return b
}

func marshalNetwork(m *Network) []byte {
	var b []byte
	b = appendString(b, networkVersion, m.Version)
	for i := range m.NICs {
		b = appendMessage(b, networkNICs, marshalNIC(&m.NICs[i]))
	}
	return b
}

func marshalNIC(m *NIC) []byte {
	var b []byte
	b = appendUUID(b, nicInstanceID, m.InstanceID)
	b = appendBytes(b, nicMAC, m.MAC)
	b = appendVarint(b, nicMTU, uint64(m.MTU))
	b = appendVarint(b, nicQueueCount, uint64(m.QueueCount))
	if m.Accelerated != nil {
		b = appendMessage(b, nicAccelerated, marshalAccelerated(m.Accelerated))
	}
	return b
}

func marshalAccelerated(m *AcceleratedNIC) []byte {
	var b []byte
	b = appendUUID(b, accelInstanceID, m.InstanceID)
	b = appendString(b, accelPCIAddress, m.PCIAddress)
	b = appendVarint(b, accelVPort, uint64(m.VPort))
	return b
}

// field is one decoded wire field. Only the value matching typ is set.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

// DecodeError reports malformed binary input.
type DecodeError struct {
	Message string
	Field   protowire.Number
	Err     error
}

func (e *DecodeError) Error() string {
	msg := "settings: decode " + e.Message
	if e.Field != 0 {
		msg += fmt.Sprintf(" field %d", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// eachField walks the fields of one message. Unknown fields and wire types
// are skipped, as protobuf readers do.
func eachField(msg string, b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Message: msg, Err: protowire.ParseError(n)}
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return &DecodeError{Message: msg, Field: num, Err: protowire.ParseError(n)}
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) varint(msg string) (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, &DecodeError{Message: msg, Field: f.num, Err: fmt.Errorf("wire type %d, want varint", f.typ)}
	}
	return f.u, nil
}

func (f field) bytes(msg string) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, &DecodeError{Message: msg, Field: f.num, Err: fmt.Errorf("wire type %d, want bytes", f.typ)}
	}
	return f.b, nil
}

func (f field) uint32(msg string) (uint32, error) {
	v, err := f.varint(msg)
	if err != nil {
		return 0, err
	}
	if v > 1<<32-1 {
		return 0, &DecodeError{Message: msg, Field: f.num, Err: fmt.Errorf("value %d overflows uint32", v)}
	}
	return uint32(v), nil
}

func (f field) uuid(msg string) (uuid.UUID, error) {
	b, err := f.bytes(msg)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, &DecodeError{Message: msg, Field: f.num, Err: err}
	}
	return id, nil
}

// UnmarshalBinary decodes the binary encoding.
func UnmarshalBinary(b []byte) (*Document, error) {
	doc := &Document{}
	err := eachField("document", b, func(f field) error {
		var err error
		switch f.num {
		case docBase:
			var v []byte
			if v, err = f.bytes("document"); err == nil {
				doc.Base, err = unmarshalBase(v)
			}
		case docStorage:
			var v []byte
			if v, err = f.bytes("document"); err == nil {
				doc.Storage, err = unmarshalStorage(v)
			}
		case docNetwork:
			var v []byte
			if v, err = f.bytes("document"); err == nil {
				doc.Network, err = unmarshalNetwork(v)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func unmarshalBase(b []byte) (*Base, error) {
	const msg = "base"
	m := &Base{}
	var memoryMB uint64
	err := eachField(msg, b, func(f field) error {
		var err error
		switch f.num {
		case baseArchitecture:
			var v uint64
			v, err = f.varint(msg)
			m.Architecture = Architecture(v)
		case baseVersion:
			var v []byte
			v, err = f.bytes(msg)
			m.Version = string(v)
		case baseVPCount:
			m.VPCount, err = f.uint32(msg)
		case baseMemorySize:
			m.MemorySize, err = f.varint(msg)
		case baseSidecarRingSize:
			m.SidecarRingSize, err = f.uint32(msg)
		case baseHypercallRepBudget:
			m.HypercallRepBudget, err = f.uint32(msg)
		case baseSidecarVPs:
			err = unmarshalVPList(f, &m.SidecarVPs)
		case baseMemoryMB:
			memoryMB, err = f.varint(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.MemorySize == 0 {
		m.MemorySize = memoryMB << 20
	}
	return m, nil
}

// unmarshalVPList accepts the packed and the unpacked repeated form.
func unmarshalVPList(f field, out *[]uint32) error {
	const msg = "base"
	if f.typ == protowire.VarintType {
		v, err := f.uint32(msg)
		*out = append(*out, v)
		return err
	}
	b, err := f.bytes(msg)
	if err != nil {
		return err
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return &DecodeError{Message: msg, Field: f.num, Err: protowire.ParseError(n)}
		}
		*out = append(*out, uint32(v))
		b = b[n:]
	}
	return nil
}

func unmarshalStorage(b []byte) (*Storage, error) {
	const msg = "storage"
	m := &Storage{}
	err := eachField(msg, b, func(f field) error {
		switch f.num {
		case storageVersion:
			v, err := f.bytes(msg)
			m.Version = string(v)
			return err
		case storageControllers:
			v, err := f.bytes(msg)
			if err != nil {
				return err
			}
			c, err := unmarshalController(v)
			if err != nil {
				return err
			}
			m.Controllers = append(m.Controllers, *c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalController(b []byte) (*StorageController, error) {
	const msg = "storage controller"
	m := &StorageController{}
	legacyID, haveLegacy := uint64(0), false
	err := eachField(msg, b, func(f field) error {
		var err error
		switch f.num {
		case controllerProtocol:
			var v uint64
			v, err = f.varint(msg)
			m.Protocol = StorageProtocol(v)
		case controllerInstanceID:
			m.InstanceID, err = f.uuid(msg)
		case controllerLUNs:
			var v []byte
			if v, err = f.bytes(msg); err != nil {
				return err
			}
			var lun *LUN
			if lun, err = unmarshalLUN(v); err == nil {
				m.LUNs = append(m.LUNs, *lun)
			}
		case controllerProtocolID:
			legacyID, err = f.varint(msg)
			haveLegacy = true
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.Protocol == ProtocolUnspecified && haveLegacy {
		if m.Protocol, err = legacyProtocol(legacyID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func unmarshalLUN(b []byte) (*LUN, error) {
	const msg = "lun"
	m := &LUN{}
	err := eachField(msg, b, func(f field) error {
		var err error
		switch f.num {
		case lunLocation:
			m.Location, err = f.uint32(msg)
		case lunDevicePath:
			var v []byte
			v, err = f.bytes(msg)
			m.DevicePath = string(v)
		case lunReadOnly:
			var v uint64
			v, err = f.varint(msg)
			m.ReadOnly = v != 0
		case lunSize:
			m.Size, err = f.varint(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalNetwork(b []byte) (*Network, error) {
	const msg = "network"
	m := &Network{}
	err := eachField(msg, b, func(f field) error {
		switch f.num {
		case networkVersion:
			v, err := f.bytes(msg)
			m.Version = string(v)
			return err
		case networkNICs:
			v, err := f.bytes(msg)
			if err != nil {
				return err
			}
			nic, err := unmarshalNIC(v)
			if err != nil {
				return err
			}
			m.NICs = append(m.NICs, *nic)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalNIC(b []byte) (*NIC, error) {
	const msg = "nic"
	m := &NIC{}
	var maxQueues uint32
	err := eachField(msg, b, func(f field) error {
		var err error
		switch f.num {
		case nicInstanceID:
			m.InstanceID, err = f.uuid(msg)
		case nicMAC:
			var v []byte
			v, err = f.bytes(msg)
			m.MAC = net.HardwareAddr(append([]byte(nil), v...))
		case nicMTU:
			m.MTU, err = f.uint32(msg)
		case nicQueueCount:
			m.QueueCount, err = f.uint32(msg)
		case nicMaxQueues:
			maxQueues, err = f.uint32(msg)
		case nicAccelerated:
			var v []byte
			if v, err = f.bytes(msg); err == nil {
				m.Accelerated, err = unmarshalAccelerated(v)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.QueueCount == 0 {
		m.QueueCount = maxQueues
	}
	return m, nil
}

func unmarshalAccelerated(b []byte) (*AcceleratedNIC, error) {
	const msg = "accelerated nic"
	m := &AcceleratedNIC{}
	err := eachField(msg, b, func(f field) error {
		var err error
		switch f.num {
		case accelInstanceID:
			m.InstanceID, err = f.uuid(msg)
		case accelPCIAddress:
			var v []byte
			v, err = f.bytes(msg)
			m.PCIAddress = string(v)
		case accelVPort:
			m.VPort, err = f.uint32(msg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
