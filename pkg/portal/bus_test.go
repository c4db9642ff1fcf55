package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// fakeHandler services one bus method. It returns the reply body the broker
// would produce.
type fakeHandler func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error)

type recordedCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

// fakeBus is an in-memory busConn: method calls are dispatched to scripted
// handlers and signals are injected with emit.
type fakeBus struct {
	mu               sync.Mutex
	names            []string
	handlers         map[string]fakeHandler
	calls            []recordedCall
	signalCh         chan<- *dbus.Signal
	addMatchCount    int
	removeMatchCount int
	closed           bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		names:    []string{":1.42"},
		handlers: make(map[string]fakeHandler),
	}
}

func (b *fakeBus) handle(method string, fn fakeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = fn
}

// emit injects a signal as if the broker had sent it.
func (b *fakeBus) emit(path dbus.ObjectPath, name string, body ...interface{}) {
	b.mu.Lock()
	ch := b.signalCh
	b.mu.Unlock()

	if ch != nil {
		ch <- &dbus.Signal{Sender: portalBusName, Path: path, Name: name, Body: body}
	}
}

func (b *fakeBus) recordedCalls(method string) []recordedCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []recordedCall
	for _, call := range b.calls {
		if call.method == method {
			matched = append(matched, call)
		}
	}
	return matched
}

func (b *fakeBus) removeMatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeMatchCount
}

func (b *fakeBus) Names() []string {
	return b.names
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, dest: dest, path: path}
}

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addMatchCount++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeMatchCount++
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalCh = ch
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signalCh == ch {
		b.signalCh = nil
	}
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeObject struct {
	bus  *fakeBus
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) dispatch(method string, args []interface{}) *dbus.Call {
	o.bus.mu.Lock()
	o.bus.calls = append(o.bus.calls, recordedCall{path: o.path, method: method, args: args})
	handler := o.bus.handlers[method]
	o.bus.mu.Unlock()

	call := &dbus.Call{Destination: o.dest, Path: o.path, Method: method, Args: args}
	if handler == nil {
		call.Err = fmt.Errorf("fake bus: no handler for %s", method)
		return call
	}

	call.Body, call.Err = handler(o.path, args)
	return call
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.dispatch(method, args)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.dispatch(method, args)
}

func (o *fakeObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	call := o.dispatch(method, args)
	call.Done = ch
	if ch != nil {
		ch <- call
	}
	return call
}

func (o *fakeObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return o.Go(method, flags, ch, args...)
}

func (o *fakeObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, errors.New("fake bus: properties not supported")
}

func (o *fakeObject) StoreProperty(p string, value interface{}) error {
	return errors.New("fake bus: properties not supported")
}

func (o *fakeObject) SetProperty(p string, v interface{}) error {
	return errors.New("fake bus: properties not supported")
}

func (o *fakeObject) Destination() string {
	return o.dest
}

func (o *fakeObject) Path() dbus.ObjectPath {
	return o.path
}
