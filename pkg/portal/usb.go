package portal

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/thoas/go-funk"
)

// Response signal statuses, shared by every portal request.
const (
	responseSuccess   = uint32(0)
	responseCancelled = uint32(1)
)

// maxFinishPages bounds the AcquireDevicesFinish paging loop so a broker
// that never reports completion cannot spin the client forever.
const maxFinishPages = 4096

// UsbDeviceAcquireRequest names one device of a batch acquisition request.
type UsbDeviceAcquireRequest struct {
	ID       string
	Writable bool
}

// AcquiredUsbDevice is the broker's verdict on one requested device. Fd is
// -1 unless the device was granted; Error carries the broker's reason when
// it was not. Per-device failure is not an operation-level error.
type AcquiredUsbDevice struct {
	ID      string
	Success bool
	Fd      int
	Error   string
}

// EnumeratedUsbDevice is one device visible to the caller, as reported by
// EnumerateDevices. Wire form (sa{sv}).
type EnumeratedUsbDevice struct {
	ID         string
	Properties map[string]dbus.Variant
}

// UsbDeviceEvent is one entry of a DeviceEvents signal: a device appearing
// ("add") or disappearing ("remove"). Wire form (ssa{sv}).
type UsbDeviceEvent struct {
	Action     string
	ID         string
	Properties map[string]dbus.Variant
}

// UsbAcquireHandle tracks one answered acquisition request. The broker holds
// the granted descriptors until they are drained with
// FinishAcquireUsbDevices, keyed by the request's correlation path.
type UsbAcquireHandle struct {
	path    dbus.ObjectPath
	results []AcquiredUsbDevice
}

// Path returns the correlation object path of the acquisition request.
func (h *UsbAcquireHandle) Path() dbus.ObjectPath {
	return h.path
}

// Results returns the per-device outcomes decoded from the broker's initial
// Response, in request order. FinishAcquireUsbDevices remains the
// authoritative source for granted descriptors.
func (h *UsbAcquireHandle) Results() []AcquiredUsbDevice {
	return h.results
}

// acquireDeviceSpec is the wire form of one requested device in an
// AcquireDevices call: (sa{sv}) with a "writable" option.
type acquireDeviceSpec struct {
	ID      string
	Options map[string]dbus.Variant
}

// usbDeviceOutcome is the wire form (sa{sv}) of one per-device result, in
// Response signals and AcquireDevicesFinish pages alike.
type usbDeviceOutcome struct {
	ID   string
	Info map[string]dbus.Variant
}

func (r UsbDeviceAcquireRequest) toWire() acquireDeviceSpec {
	return acquireDeviceSpec{
		ID: r.ID,
		Options: map[string]dbus.Variant{
			"writable": dbus.MakeVariant(r.Writable),
		},
	}
}

func (s acquireDeviceSpec) toRequest() UsbDeviceAcquireRequest {
	request := UsbDeviceAcquireRequest{ID: s.ID}
	if v, ok := s.Options["writable"]; ok {
		if writable, ok := v.Value().(bool); ok {
			request.Writable = writable
		}
	}
	return request
}

// acquired decodes the broker's result map for one device. Missing or
// false "success" means the device was denied; its descriptor stays -1 and
// the broker's error string, if any, is carried along.
func (o usbDeviceOutcome) acquired() AcquiredUsbDevice {
	device := AcquiredUsbDevice{ID: o.ID, Fd: -1}

	if v, ok := o.Info["success"]; ok {
		if success, ok := v.Value().(bool); ok {
			device.Success = success
		}
	}

	if device.Success {
		if v, ok := o.Info["fd"]; ok {
			switch fd := v.Value().(type) {
			case dbus.UnixFD:
				device.Fd = int(fd)
			case int32:
				device.Fd = int(fd)
			}
		}
	} else if v, ok := o.Info["error"]; ok {
		if message, ok := v.Value().(string); ok {
			device.Error = message
		}
	}

	return device
}

// CreateUsbSession asks the broker for a new USB monitoring session and
// wraps the returned session path into a UsbSession. The call is resolved
// directly by the broker's reply; no Response signal is involved.
func (p *Portal) CreateUsbSession(ctx context.Context) (*UsbSession, error) {
	call := p.newUsbCall("create_session")
	call.watchCancellation(ctx)

	options := map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(requestToken()),
	}

	ch := make(chan *dbus.Call, 1)
	p.object().Go(usbInterface+".CreateSession", 0, ch, options)

	go func() {
		reply := <-ch
		if reply.Err != nil {
			call.completeErr(fmt.Errorf("create USB session: %w", reply.Err))
			return
		}

		var sessionPath dbus.ObjectPath
		if err := reply.Store(&sessionPath); err != nil {
			call.completeErr(fmt.Errorf("decode CreateSession reply: %w", err))
			return
		}

		call.complete(func() usbCallResult {
			return usbCallResult{session: p.newUsbSession(sessionPath)}
		})
	}()

	result := call.await()
	return result.session, result.err
}

// EnumerateUsbDevices returns the devices currently visible to the caller.
// Synchronous round trip; an empty broker state yields an empty list.
func (p *Portal) EnumerateUsbDevices() ([]EnumeratedUsbDevice, error) {
	var devices []EnumeratedUsbDevice

	options := map[string]dbus.Variant{}
	err := p.object().Call(usbInterface+".EnumerateDevices", 0, options).Store(&devices)
	if err != nil {
		p.logger.Warnw("Failed to enumerate USB devices", "error", err)
		return nil, fmt.Errorf("enumerate USB devices: %w", err)
	}

	return devices, nil
}

// AcquireUsbDevices asks the broker to grant access to a batch of devices.
// When parent carries a window reference that was never exported, the handle
// is exported first and the request is not sent until that completes. The
// call blocks until the broker's Response signal arrives on the request's
// correlation path (or ctx is cancelled) and returns a handle whose granted
// descriptors must then be drained with FinishAcquireUsbDevices.
func (p *Portal) AcquireUsbDevices(ctx context.Context, parent *Parent, devices []UsbDeviceAcquireRequest) (*UsbAcquireHandle, error) {
	call := p.newUsbCall("acquire_devices")
	call.parent = parent
	call.devices = append([]UsbDeviceAcquireRequest(nil), devices...)

	go call.runAcquire(ctx)

	result := call.await()
	return result.handle, result.err
}

func (c *usbCall) runAcquire(ctx context.Context) {
	handle, err := c.parent.resolveHandle(ctx)
	if err != nil {
		c.completeErr(fmt.Errorf("export parent window: %w", err))
		return
	}
	c.parentHandle = handle

	token := requestToken()
	c.requestPath = c.portal.requestPath(token)

	// Subscribe before sending, or the Response could arrive while nobody
	// is listening on the correlation path.
	signalID, err := c.portal.signals.subscribe(requestInterface, "Response", c.requestPath, c.handleAcquireResponse)
	if err != nil {
		c.completeErr(err)
		return
	}
	c.signalID = signalID

	c.watchCancellation(ctx)

	specs := make([]acquireDeviceSpec, 0, len(c.devices))
	for _, device := range c.devices {
		specs = append(specs, device.toWire())
	}
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	c.logger.Debugw("Sending AcquireDevices request",
		"path", c.requestPath, "devices", len(specs))

	ch := make(chan *dbus.Call, 1)
	c.portal.object().Go(usbInterface+".AcquireDevices", 0, ch, c.parentHandle, specs, options)

	reply := <-ch
	if reply.Err != nil {
		c.completeErr(fmt.Errorf("acquire USB devices: %w", reply.Err))
		return
	}

	var returnedPath dbus.ObjectPath
	if err := reply.Store(&returnedPath); err != nil {
		c.completeErr(fmt.Errorf("decode AcquireDevices reply: %w", err))
		return
	}
	if returnedPath != c.requestPath {
		// The handle_token contract makes both sides derive the same path;
		// a mismatch means the broker ignored the token.
		c.logger.Warnw("Broker returned unexpected request path",
			"expected", c.requestPath, "returned", returnedPath)
	}
}

func (c *usbCall) handleAcquireResponse(sig *dbus.Signal) {
	var (
		status   uint32
		outcomes []usbDeviceOutcome
	)
	if err := dbus.Store(sig.Body, &status, &outcomes); err != nil {
		c.completeErr(fmt.Errorf("decode acquire Response signal: %w", err))
		return
	}

	switch status {
	case responseSuccess:
		results := make([]AcquiredUsbDevice, 0, len(outcomes))
		for _, outcome := range outcomes {
			results = append(results, outcome.acquired())
		}
		c.complete(func() usbCallResult {
			return usbCallResult{handle: &UsbAcquireHandle{path: c.requestPath, results: results}}
		})
	case responseCancelled:
		c.completeErr(fmt.Errorf("%w: acquire USB devices", ErrCancelled))
	default:
		c.completeErr(fmt.Errorf("%w: acquire USB devices (status %d)", ErrRequestFailed, status))
	}
}

// FinishAcquireUsbDevices drains the results of an answered acquisition
// request, one synchronous page per round trip, until the broker reports
// completion. The returned list holds one record per requested device, in
// request order, granted or not.
func (p *Portal) FinishAcquireUsbDevices(handle *UsbAcquireHandle) ([]AcquiredUsbDevice, error) {
	var devices []AcquiredUsbDevice
	options := map[string]dbus.Variant{}

	for page := 0; page < maxFinishPages; page++ {
		var (
			id       string
			info     map[string]dbus.Variant
			finished bool
		)
		err := p.object().
			Call(usbInterface+".AcquireDevicesFinish", 0, handle.path, options).
			Store(&id, &info, &finished)
		if err != nil {
			p.logger.Warnw("Failed to drain acquire results",
				"path", handle.path, "page", page, "error", err)
			return nil, fmt.Errorf("drain acquire results for %s: %w", handle.path, err)
		}

		// The final page may be a bare finished marker with no device.
		if id != "" {
			devices = append(devices, usbDeviceOutcome{ID: id, Info: info}.acquired())
		}

		if finished {
			return devices, nil
		}
	}

	return nil, fmt.Errorf("%w: broker never finished acquire request %s", ErrRequestFailed, handle.path)
}

// ReleaseUsbDevices tells the broker the caller no longer needs the given
// devices. Duplicate ids are collapsed before the call.
func (p *Portal) ReleaseUsbDevices(deviceIDs []string) error {
	ids := funk.UniqString(deviceIDs)

	call := p.object().Call(usbInterface+".ReleaseDevices", 0, ids)
	if call.Err != nil {
		p.logger.Warnw("Failed to release USB devices", "deviceIDs", ids, "error", call.Err)
		return fmt.Errorf("release USB devices: %w", call.Err)
	}

	p.logger.Debugw("Released USB devices", "deviceIDs", ids)
	return nil
}
