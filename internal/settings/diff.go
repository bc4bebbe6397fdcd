package settings

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

type DeviceKind string

const (
	KindStorage DeviceKind = "storage"
	KindNIC     DeviceKind = "nic"
)

// DeviceRef names one device of the dynamic topology.
type DeviceRef struct {
	Kind DeviceKind
	ID   uuid.UUID
}

func (r DeviceRef) String() string { return fmt.Sprintf("%s/%s", r.Kind, r.ID) }

// Changes is the difference between two documents. A changed device is
// one whose definition differs under the same instance id.
type Changes struct {
	BaseChanged bool
	Added       []DeviceRef
	Removed     []DeviceRef
	Changed     []DeviceRef
}

func (c Changes) Empty() bool {
	return !c.BaseChanged && len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares two documents. Devices are matched by instance id and
// compared by their binary encoding.
func Diff(from, to *Document) Changes {
	var c Changes
	c.BaseChanged = !bytes.Equal(encodedBase(from), encodedBase(to))
	c.diff(devices(from), devices(to))
	return c
}

type device struct {
	ref     DeviceRef
	encoded []byte
}

func devices(doc *Document) []device {
	if doc == nil {
		return nil
	}
	var out []device
	if doc.Storage != nil {
		for i := range doc.Storage.Controllers {
			c := &doc.Storage.Controllers[i]
			out = append(out, device{DeviceRef{KindStorage, c.InstanceID}, marshalController(c)})
		}
	}
	if doc.Network != nil {
		for i := range doc.Network.NICs {
			n := &doc.Network.NICs[i]
			out = append(out, device{DeviceRef{KindNIC, n.InstanceID}, marshalNIC(n)})
		}
	}
	return out
}

func (c *Changes) diff(from, to []device) {
	before := make(map[DeviceRef][]byte, len(from))
	for _, d := range from {
		before[d.ref] = d.encoded
	}
	after := make(map[DeviceRef]bool, len(to))
	for _, d := range to {
		after[d.ref] = true
		prev, ok := before[d.ref]
		switch {
		case !ok:
			c.Added = append(c.Added, d.ref)
		case !bytes.Equal(prev, d.encoded):
			c.Changed = append(c.Changed, d.ref)
		}
	}
	for _, d := range from {
		if !after[d.ref] {
			c.Removed = append(c.Removed, d.ref)
		}
	}
}

func encodedBase(doc *Document) []byte {
	if doc == nil || doc.Base == nil {
		return nil
	}
	return marshalBase(doc.Base)
}

// Controller returns the storage controller with the given id.
func (doc *Document) Controller(id uuid.UUID) (*StorageController, bool) {
	if doc.Storage == nil {
		return nil, false
	}
	for i := range doc.Storage.Controllers {
		if doc.Storage.Controllers[i].InstanceID == id {
			return &doc.Storage.Controllers[i], true
		}
	}
	return nil, false
}

// NIC returns the network device with the given id.
func (doc *Document) NIC(id uuid.UUID) (*NIC, bool) {
	if doc.Network == nil {
		return nil, false
	}
	for i := range doc.Network.NICs {
		if doc.Network.NICs[i].InstanceID == id {
			return &doc.Network.NICs[i], true
		}
	}
	return nil, false
}

// Devices lists every device of the dynamic topology in document order.
func (doc *Document) Devices() []DeviceRef {
	var out []DeviceRef
	for _, d := range devices(doc) {
		out = append(out, d.ref)
	}
	return out
}
