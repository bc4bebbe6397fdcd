package supervisor

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/chipset"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/settings"
)

const (
	doorbellWindow = 0x1000

	// Register offsets inside a doorbell window.
	regDoorbell = 0x00
	regCount    = 0x08
	regSignals  = 0x10
)

// stubDevice is the paravisor end of one external device model: a doorbell
// MMIO window, an event connection the guest signals through hypercalls,
// and an interrupt line back to the guest. Device semantics live outside
// the paravisor; the stub only counts traffic and raises completions.
type stubDevice struct {
	ref        settings.DeviceRef
	window     hv.MMIOAllocation
	connection uint32
	line       uint32
	irq        chipset.LineInterrupt

	running   atomic.Bool
	doorbells atomic.Uint64
	signals   atomic.Uint64
}

var _ chipset.Device = (*stubDevice)(nil)

func (d *stubDevice) Name() string { return d.ref.String() }

func (d *stubDevice) Start() error {
	d.running.Store(true)
	return nil
}

func (d *stubDevice) Stop() error {
	d.running.Store(false)
	return nil
}

func (d *stubDevice) Reset() error {
	d.doorbells.Store(0)
	d.signals.Store(0)
	return nil
}

func (d *stubDevice) SupportsPortIO() *chipset.PortIOIntercept { return nil }

func (d *stubDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: d.window.Base, Size: d.window.Size}},
		Handler: d,
	}
}

func (d *stubDevice) SupportsConnections() *chipset.ConnectionIntercept {
	return &chipset.ConnectionIntercept{
		Events: []chipset.EventConnection{{ID: d.connection, Notify: d.notify}},
	}
}

func (d *stubDevice) SupportsHypercalls() *chipset.HypercallIntercept { return nil }

func (d *stubDevice) notify(flag uint16) {
	d.signals.Add(1)
	slog.Debug("supervisor: device signalled", "device", d.Name(), "flag", flag)
}

func (d *stubDevice) ReadMMIO(addr uint64, data []byte) error {
	var v uint64
	switch addr - d.window.Base {
	case regCount:
		v = d.doorbells.Load()
	case regSignals:
		v = d.signals.Load()
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data, buf[:])
	return nil
}

// WriteMMIO rings the doorbell. A running device completes the request at
// once by pulsing its interrupt line.
func (d *stubDevice) WriteMMIO(addr uint64, data []byte) error {
	if addr-d.window.Base != regDoorbell {
		return fmt.Errorf("supervisor: %s: write to read-only register 0x%x", d.Name(), addr-d.window.Base)
	}
	d.doorbells.Add(1)
	if d.running.Load() {
		d.irq.PulseInterrupt()
	}
	return nil
}

// DeviceStatus describes one attached device.
type DeviceStatus struct {
	Name       string `json:"name"`
	MMIOBase   uint64 `json:"mmio_base"`
	Connection uint32 `json:"connection"`
	Line       uint32 `json:"line"`
	Doorbells  uint64 `json:"doorbells"`
	Signals    uint64 `json:"signals"`
}

func (d *stubDevice) status() DeviceStatus {
	return DeviceStatus{
		Name:       d.Name(),
		MMIOBase:   d.window.Base,
		Connection: d.connection,
		Line:       d.line,
		Doorbells:  d.doorbells.Load(),
		Signals:    d.signals.Load(),
	}
}
