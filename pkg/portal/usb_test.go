package portal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestEnumerateEmptyBrokerStateReturnsEmptyList(t *testing.T) {
	p, bus := newTestPortal(t)

	bus.handle(usbInterface+".EnumerateDevices", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		return []interface{}{[][]interface{}{}}, nil
	})

	devices, err := p.EnumerateUsbDevices()
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected empty device list, got %d entries", len(devices))
	}
}

func TestEnumerateDecodesDevices(t *testing.T) {
	p, bus := newTestPortal(t)

	bus.handle(usbInterface+".EnumerateDevices", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		return []interface{}{[][]interface{}{
			{"usb:001", map[string]dbus.Variant{"vendor": dbus.MakeVariant("acme")}},
			{"usb:002", map[string]dbus.Variant{}},
		}}, nil
	})

	devices, err := p.EnumerateUsbDevices()
	if err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "usb:001" || devices[1].ID != "usb:002" {
		t.Errorf("device ids mismatch: got %q, %q", devices[0].ID, devices[1].ID)
	}
	if vendor, ok := devices[0].Properties["vendor"]; !ok || vendor.Value() != "acme" {
		t.Errorf("device properties not decoded: %+v", devices[0].Properties)
	}
}

func TestAcquireSurfacesPerDeviceDenial(t *testing.T) {
	p, bus := newTestPortal(t)

	scriptAcquireResponse(bus, responseSuccess, [][]interface{}{
		{"usb:001", map[string]dbus.Variant{
			"success": dbus.MakeVariant(false),
			"error":   dbus.MakeVariant("denied"),
		}},
	})

	handle, err := p.AcquireUsbDevices(context.Background(), nil, []UsbDeviceAcquireRequest{
		{ID: "usb:001", Writable: true},
	})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	results := handle.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	device := results[0]
	if device.ID != "usb:001" || device.Success || device.Fd != -1 || device.Error != "denied" {
		t.Errorf("unexpected per-device result: %+v", device)
	}
}

func TestAcquireDecodesGrantedDescriptor(t *testing.T) {
	p, bus := newTestPortal(t)

	scriptAcquireResponse(bus, responseSuccess, [][]interface{}{
		{"usb:001", map[string]dbus.Variant{
			"success": dbus.MakeVariant(true),
			"fd":      dbus.MakeVariant(dbus.UnixFD(7)),
		}},
	})

	handle, err := p.AcquireUsbDevices(context.Background(), nil, []UsbDeviceAcquireRequest{{ID: "usb:001"}})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	results := handle.Results()
	if len(results) != 1 || !results[0].Success || results[0].Fd != 7 {
		t.Errorf("unexpected granted result: %+v", results)
	}
}

func TestAcquireCancelledStatusYieldsCancellationError(t *testing.T) {
	p, bus := newTestPortal(t)
	scriptAcquireResponse(bus, responseCancelled, [][]interface{}{})

	handle, err := p.AcquireUsbDevices(context.Background(), nil, []UsbDeviceAcquireRequest{{ID: "usb:001"}})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if handle != nil {
		t.Errorf("expected no acquire handle, got %+v", handle)
	}
}

func TestAcquireFailureStatusYieldsDistinctError(t *testing.T) {
	p, bus := newTestPortal(t)
	scriptAcquireResponse(bus, uint32(2), [][]interface{}{})

	_, err := p.AcquireUsbDevices(context.Background(), nil, []UsbDeviceAcquireRequest{{ID: "usb:001"}})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatal("failure status must be distinguishable from cancellation")
	}
}

type scriptedExporter struct {
	mu     sync.Mutex
	order  []string
	handle string
	err    error
}

func (e *scriptedExporter) Export(ctx context.Context) (string, error) {
	e.record("export")
	return e.handle, e.err
}

func (e *scriptedExporter) record(step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.order = append(e.order, step)
}

func (e *scriptedExporter) steps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func TestAcquireWaitsForParentExport(t *testing.T) {
	p, bus := newTestPortal(t)

	exporter := &scriptedExporter{handle: "wayland:abc"}

	bus.handle(usbInterface+".AcquireDevices", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		exporter.record("acquire")

		if got := args[0].(string); got != "wayland:abc" {
			t.Errorf("request sent with wrong parent handle %q", got)
		}

		options := args[2].(map[string]dbus.Variant)
		token := options["handle_token"].Value().(string)
		requestPath := dbus.ObjectPath(requestPathPrefix + "1_42/" + token)
		bus.emit(requestPath, requestInterface+".Response", responseSuccess, [][]interface{}{})
		return []interface{}{requestPath}, nil
	})

	_, err := p.AcquireUsbDevices(context.Background(), NewParent(exporter), []UsbDeviceAcquireRequest{{ID: "usb:001"}})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	order := exporter.steps()
	if len(order) != 2 || order[0] != "export" || order[1] != "acquire" {
		t.Errorf("expected export to complete before the request is sent, got order %v", order)
	}
}

func TestAcquireParentExportFailureAbortsRequest(t *testing.T) {
	p, bus := newTestPortal(t)

	exporter := &scriptedExporter{err: errors.New("compositor refused")}

	_, err := p.AcquireUsbDevices(context.Background(), NewParent(exporter), []UsbDeviceAcquireRequest{{ID: "usb:001"}})
	if err == nil || !strings.Contains(err.Error(), "export parent window") {
		t.Fatalf("expected export failure, got %v", err)
	}

	if calls := bus.recordedCalls(usbInterface + ".AcquireDevices"); len(calls) != 0 {
		t.Errorf("request must not be sent when the export fails, got %d calls", len(calls))
	}
}

func TestFinishAccumulatesAllPages(t *testing.T) {
	p, bus := newTestPortal(t)

	pages := [][]interface{}{
		{"usb:001", map[string]dbus.Variant{"success": dbus.MakeVariant(true), "fd": dbus.MakeVariant(dbus.UnixFD(4))}, false},
		{"usb:002", map[string]dbus.Variant{"success": dbus.MakeVariant(false), "error": dbus.MakeVariant("busy")}, false},
		{"usb:003", map[string]dbus.Variant{"success": dbus.MakeVariant(true), "fd": dbus.MakeVariant(dbus.UnixFD(5))}, true},
	}
	page := 0
	bus.handle(usbInterface+".AcquireDevicesFinish", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		body := pages[page]
		page++
		return body, nil
	})

	handle := &UsbAcquireHandle{path: dbus.ObjectPath(requestPathPrefix + "1_42/portaltest")}
	devices, err := p.FinishAcquireUsbDevices(handle)
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	if len(devices) != 3 {
		t.Fatalf("expected one record per requested device, got %d", len(devices))
	}
	if page != 3 {
		t.Errorf("expected the loop to stop at the finished page, made %d calls", page)
	}
	if devices[0].Fd != 4 || devices[1].Error != "busy" || !devices[2].Success {
		t.Errorf("pages decoded incorrectly: %+v", devices)
	}

	calls := bus.recordedCalls(usbInterface + ".AcquireDevicesFinish")
	for _, call := range calls {
		if got := call.args[0].(dbus.ObjectPath); got != handle.path {
			t.Errorf("finish call sent with wrong request path %q", got)
		}
	}
}

func TestFinishAbortsOnPageError(t *testing.T) {
	p, bus := newTestPortal(t)

	calls := 0
	bus.handle(usbInterface+".AcquireDevicesFinish", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		calls++
		if calls == 1 {
			return []interface{}{"usb:001", map[string]dbus.Variant{"success": dbus.MakeVariant(true)}, false}, nil
		}
		return nil, errors.New("broker gone")
	})

	handle := &UsbAcquireHandle{path: "/request/1"}
	_, err := p.FinishAcquireUsbDevices(handle)
	if err == nil || !strings.Contains(err.Error(), "drain acquire results") {
		t.Fatalf("expected a descriptive page error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected the loop to abort on the failing page, made %d calls", calls)
	}
}

func TestFinishTerminatesOnMisbehavingBroker(t *testing.T) {
	p, bus := newTestPortal(t)

	// finished never becomes true; the safety bound must kick in.
	bus.handle(usbInterface+".AcquireDevicesFinish", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		return []interface{}{"usb:001", map[string]dbus.Variant{}, false}, nil
	})

	handle := &UsbAcquireHandle{path: "/request/1"}
	_, err := p.FinishAcquireUsbDevices(handle)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed from the paging bound, got %v", err)
	}

	calls := bus.recordedCalls(usbInterface + ".AcquireDevicesFinish")
	if len(calls) != maxFinishPages {
		t.Errorf("expected the loop to stop at the paging bound, made %d calls", len(calls))
	}
}

func TestAcquireRequestWireRoundTrip(t *testing.T) {
	request := UsbDeviceAcquireRequest{ID: "usb:001", Writable: true}

	decoded := request.toWire().toRequest()
	if decoded != request {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, request)
	}

	readonly := UsbDeviceAcquireRequest{ID: "usb:002"}
	if decoded := readonly.toWire().toRequest(); decoded != readonly {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, readonly)
	}
}

func TestReleaseCollapsesDuplicateIDs(t *testing.T) {
	p, bus := newTestPortal(t)

	bus.handle(usbInterface+".ReleaseDevices", func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error) {
		return nil, nil
	})

	if err := p.ReleaseUsbDevices([]string{"usb:001", "usb:002", "usb:001"}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	calls := bus.recordedCalls(usbInterface + ".ReleaseDevices")
	if len(calls) != 1 {
		t.Fatalf("expected one release call, got %d", len(calls))
	}
	ids := calls[0].args[0].([]string)
	if len(ids) != 2 {
		t.Errorf("expected duplicate ids to collapse, got %v", ids)
	}
}
