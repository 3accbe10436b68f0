package visa

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USBTMC interface class codes.
const (
	usbtmcClass    = gousb.Class(0xFE)
	usbtmcSubClass = gousb.Class(0x03)
)

// USBTMC bulk message IDs.
const (
	msgDevDepMsgOut        = 1
	msgRequestDevDepMsgIn  = 2
	msgDevDepMsgIn         = 2
	usbtmcHeaderSize       = 12
	usbtmcAttrEOM          = 0x01
	defaultUSBTMCChunkSize = 1024 * 1024
)

var errBadHeader = errors.New("usbtmc: malformed bulk-in header")

// encodeDevDepMsgOut frames payload as a single DEV_DEP_MSG_OUT transfer with
// EOM set, padded to a four byte boundary.
func encodeDevDepMsgOut(tag byte, payload []byte) []byte {
	n := usbtmcHeaderSize + len(payload)
	pad := (4 - n%4) % 4
	b := make([]byte, n+pad)
	b[0] = msgDevDepMsgOut
	b[1] = tag
	b[2] = ^tag
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(payload)))
	b[8] = usbtmcAttrEOM
	copy(b[usbtmcHeaderSize:], payload)
	return b
}

// encodeRequestDevDepMsgIn asks the device to send up to size bytes.
func encodeRequestDevDepMsgIn(tag byte, size uint32) []byte {
	b := make([]byte, usbtmcHeaderSize)
	b[0] = msgRequestDevDepMsgIn
	b[1] = tag
	b[2] = ^tag
	binary.LittleEndian.PutUint32(b[4:8], size)
	return b
}

// parseDevDepMsgIn validates a bulk-in header against the expected tag and
// returns the announced transfer size and the EOM flag.
func parseDevDepMsgIn(b []byte, tag byte) (size uint32, eom bool, err error) {
	if len(b) < usbtmcHeaderSize {
		return 0, false, fmt.Errorf("%w: %d bytes", errBadHeader, len(b))
	}
	if b[0] != msgDevDepMsgIn {
		return 0, false, fmt.Errorf("%w: message id %d", errBadHeader, b[0])
	}
	if b[1] != tag || b[2] != ^tag {
		return 0, false, fmt.Errorf("%w: tag %d, want %d", errBadHeader, b[1], tag)
	}
	return binary.LittleEndian.Uint32(b[4:8]), b[8]&usbtmcAttrEOM != 0, nil
}

// nextTag returns the bTag after t; zero is never used.
func nextTag(t byte) byte {
	t++
	if t == 0 {
		t = 1
	}
	return t
}

// USBTMCBus lists and opens USB Test & Measurement Class devices through
// libusb. Only devices exposing a USBTMC interface are reported.
type USBTMCBus struct {
	ChunkSize int
}

// List opens each USBTMC device briefly to read its serial number.
func (b *USBTMCBus) List(ctx context.Context) ([]string, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, _, ok := findUSBTMC(desc)
		return ok
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}

	var out []string
	for _, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			slog.Debug("usb serial number unreadable", "vid", d.Desc.Vendor, "pid", d.Desc.Product, "err", err)
			continue
		}
		out = append(out, Address{
			Interface: InterfaceUSB,
			Vendor:    uint16(d.Desc.Vendor),
			Product:   uint16(d.Desc.Product),
			Serial:    serial,
			Resource:  ResourceInstr,
		}.String())
	}
	return out, nil
}

// findUSBTMC locates the first USBTMC interface setting in desc.
func findUSBTMC(desc *gousb.DeviceDesc) (cfg int, setting gousb.InterfaceSetting, ok bool) {
	for num, c := range desc.Configs {
		for _, intf := range c.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == usbtmcClass && alt.SubClass == usbtmcSubClass {
					return num, alt, true
				}
			}
		}
	}
	return 0, gousb.InterfaceSetting{}, false
}

// Open claims the USBTMC interface of the device matching addr.
func (b *USBTMCBus) Open(ctx context.Context, addr Address, opts Options) (Handle, error) {
	opts = opts.withDefaults()
	uctx := gousb.NewContext()

	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == addr.Vendor && uint16(desc.Product) == addr.Product
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, fmt.Errorf("usb open %s: %w", addr, err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			if s, err := d.SerialNumber(); err == nil && s == addr.Serial {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		uctx.Close()
		return nil, fmt.Errorf("usb device %s not found", addr)
	}
	dev.SetAutoDetach(true)

	cfgNum, setting, ok := findUSBTMC(dev.Desc)
	if !ok {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("usb device %s has no USBTMC interface", addr)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("usb config %d: %w", cfgNum, err)
	}
	intf, err := cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, fmt.Errorf("usb claim interface %d: %w", setting.Number, err)
	}

	h := &usbtmcHandle{
		ctx:     uctx,
		dev:     dev,
		cfg:     cfg,
		intf:    intf,
		timeout: opts.Timeout,
		term:    opts.WriteTerminator,
		chunk:   b.ChunkSize,
	}
	if h.chunk <= 0 {
		h.chunk = defaultUSBTMCChunkSize
	}
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if h.in == nil {
				h.in, err = intf.InEndpoint(ep.Number)
			}
		case gousb.EndpointDirectionOut:
			if h.out == nil {
				h.out, err = intf.OutEndpoint(ep.Number)
			}
		}
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("usb endpoint %d: %w", ep.Number, err)
		}
	}
	if h.in == nil || h.out == nil {
		h.Close()
		return nil, fmt.Errorf("usb device %s lacks bulk endpoints", addr)
	}
	slog.Debug("usbtmc device opened", "addr", addr.String(), "config", cfgNum, "interface", setting.Number)
	return h, nil
}

type usbtmcHandle struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	mu      sync.Mutex
	timeout time.Duration
	term    string
	chunk   int
	tag     byte
	pending []byte
	eom     bool
}

func (h *usbtmcHandle) opContext() (context.Context, context.CancelFunc) {
	h.mu.Lock()
	d := h.timeout
	h.mu.Unlock()
	return context.WithTimeout(context.Background(), d)
}

func (h *usbtmcHandle) WriteLine(s string) error {
	h.tag = nextTag(h.tag)
	ctx, cancel := h.opContext()
	defer cancel()
	if _, err := h.out.WriteContext(ctx, encodeDevDepMsgOut(h.tag, []byte(s+h.term))); err != nil {
		return usbErr("write", err)
	}
	h.pending = nil
	h.eom = false
	return nil
}

// fill performs one REQUEST_DEV_DEP_MSG_IN / DEV_DEP_MSG_IN exchange and
// appends the payload to pending.
func (h *usbtmcHandle) fill(max int) error {
	if max > h.chunk {
		max = h.chunk
	}
	h.tag = nextTag(h.tag)
	tag := h.tag

	ctx, cancel := h.opContext()
	defer cancel()
	if _, err := h.out.WriteContext(ctx, encodeRequestDevDepMsgIn(tag, uint32(max))); err != nil {
		return usbErr("request", err)
	}

	pkt := h.in.Desc.MaxPacketSize
	if pkt <= 0 {
		pkt = 512
	}
	size := usbtmcHeaderSize + max
	size += (pkt - size%pkt) % pkt
	buf := make([]byte, size)
	n, err := h.in.ReadContext(ctx, buf)
	if err != nil {
		return usbErr("read", err)
	}
	want, eom, err := parseDevDepMsgIn(buf[:n], tag)
	if err != nil {
		return err
	}
	data := append([]byte(nil), buf[usbtmcHeaderSize:n]...)
	for uint32(len(data)) < want {
		n, err := h.in.ReadContext(ctx, buf)
		if err != nil {
			return usbErr("read", err)
		}
		data = append(data, buf[:n]...)
	}
	h.pending = append(h.pending, data[:want]...)
	h.eom = eom
	return nil
}

func (h *usbtmcHandle) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(h.pending, '\n'); i >= 0 {
			line := string(h.pending[:i])
			h.pending = h.pending[i+1:]
			return string(bytes.TrimRight([]byte(line), "\r")), nil
		}
		if h.eom && len(h.pending) > 0 {
			line := string(h.pending)
			h.pending = nil
			return line, nil
		}
		if err := h.fill(h.chunk); err != nil {
			return "", err
		}
	}
}

func (h *usbtmcHandle) ReadBytes(max int) ([]byte, error) {
	if max <= 0 {
		return nil, errors.New("read bytes: non-positive size")
	}
	if len(h.pending) == 0 {
		if err := h.fill(max); err != nil {
			return nil, err
		}
		if len(h.pending) == 0 {
			return nil, fmt.Errorf("read bytes: %w: empty transfer", ErrTimeout)
		}
	}
	n := min(max, len(h.pending))
	out := h.pending[:n:n]
	h.pending = h.pending[n:]
	return out, nil
}

func (h *usbtmcHandle) SetTimeout(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
	return nil
}

func (h *usbtmcHandle) Close() error {
	if h.intf != nil {
		h.intf.Close()
	}
	var err error
	if h.cfg != nil {
		err = h.cfg.Close()
	}
	if h.dev != nil {
		err = errors.Join(err, h.dev.Close())
	}
	if h.ctx != nil {
		err = errors.Join(err, h.ctx.Close())
	}
	return err
}

func usbErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("usbtmc %s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("usbtmc %s: %w", op, err)
}
