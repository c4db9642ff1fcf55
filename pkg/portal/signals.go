package portal

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// signalHandler is one registered consumer of a matched bus signal. An empty
// path matches signals on any object path.
type signalHandler struct {
	iface  string
	member string
	path   dbus.ObjectPath
	fn     func(*dbus.Signal)
}

// signalRouter funnels every signal delivered on the connection through a
// single dispatch goroutine and fans it out to matching handlers. Handlers
// are identified by a non-zero numeric id; 0 always means "not subscribed".
type signalRouter struct {
	logger *zap.SugaredLogger
	bus    busConn
	ch     chan *dbus.Signal

	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]signalHandler
	stopped  bool
}

func newSignalRouter(logger *zap.SugaredLogger, bus busConn) *signalRouter {
	r := &signalRouter{
		logger:   logger.Named("signals"),
		bus:      bus,
		ch:       make(chan *dbus.Signal, 32),
		handlers: make(map[uint64]signalHandler),
	}

	bus.Signal(r.ch)
	go r.run()

	return r
}

// subscribe adds a bus match rule for iface.member (optionally scoped to one
// object path) and registers fn to receive matching signals. The returned id
// is passed to unsubscribe.
func (r *signalRouter) subscribe(iface, member string, path dbus.ObjectPath, fn func(*dbus.Signal)) (uint64, error) {
	if err := r.bus.AddMatchSignal(matchOptions(iface, member, path)...); err != nil {
		r.logger.Warnw("Failed to add signal match rule",
			"interface", iface, "member", member, "path", path, "error", err)
		return 0, fmt.Errorf("add match rule for %s.%s: %w", iface, member, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[id] = signalHandler{iface: iface, member: member, path: path, fn: fn}

	r.logger.Debugw("Subscribed to signal", "id", id, "interface", iface, "member", member, "path", path)
	return id, nil
}

// unsubscribe removes the handler and its match rule. Unknown or
// already-removed ids are ignored, so teardown paths can call it freely.
func (r *signalRouter) unsubscribe(id uint64) {
	if id == 0 {
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[id]
	if ok {
		delete(r.handlers, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.bus.RemoveMatchSignal(matchOptions(handler.iface, handler.member, handler.path)...); err != nil {
		r.logger.Warnw("Failed to remove signal match rule", "id", id, "error", err)
	}

	r.logger.Debugw("Unsubscribed from signal", "id", id, "interface", handler.iface, "member", handler.member)
}

// stop detaches the router from the connection and ends dispatch. Signals
// already queued are dropped.
func (r *signalRouter) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.bus.RemoveSignal(r.ch)
	close(r.ch)
}

func (r *signalRouter) run() {
	for sig := range r.ch {
		r.dispatch(sig)
	}
}

func (r *signalRouter) dispatch(sig *dbus.Signal) {
	// Snapshot matches first: handlers may unsubscribe (themselves or
	// others) from inside fn.
	r.mu.Lock()
	var matched []func(*dbus.Signal)
	for _, handler := range r.handlers {
		if sig.Name != handler.iface+"."+handler.member {
			continue
		}
		if handler.path != "" && sig.Path != handler.path {
			continue
		}
		matched = append(matched, handler.fn)
	}
	r.mu.Unlock()

	for _, fn := range matched {
		fn(sig)
	}
}

func matchOptions(iface, member string, path dbus.ObjectPath) []dbus.MatchOption {
	options := []dbus.MatchOption{
		dbus.WithMatchSender(portalBusName),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if path != "" {
		options = append(options, dbus.WithMatchObjectPath(path))
	}
	return options
}
