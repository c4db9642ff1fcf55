package portal

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// sessionRegistry tracks which broker session paths currently have a
// UsbSession attached. It stands in for a back-reference from Session to
// UsbSession: a Session can ask whether a UsbSession exists without holding
// on to it.
type sessionRegistry struct {
	logger *zap.SugaredLogger
	mu     sync.Mutex
	m      map[dbus.ObjectPath]*UsbSession
}

func newSessionRegistry(logger *zap.SugaredLogger) *sessionRegistry {
	return &sessionRegistry{
		logger: logger.Named("sessions"),
		m:      make(map[dbus.ObjectPath]*UsbSession),
	}
}

func (r *sessionRegistry) attach(path dbus.ObjectPath, session *UsbSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.m[path]; ok {
		r.logger.DPanicw("USB session already attached to session path", "path", path)
	}
	r.m[path] = session
}

func (r *sessionRegistry) lookup(path dbus.ObjectPath) (*UsbSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.m[path]
	return session, ok
}

// detach removes the session's registry entry. Finding the entry already
// gone, or held by a different session, means the caller lost count of its
// session lifetimes; that is reported loudly and cleanup proceeds anyway.
func (r *sessionRegistry) detach(path dbus.ObjectPath, session *UsbSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attached, ok := r.m[path]
	if !ok {
		r.logger.DPanicw("Detaching USB session that was never attached", "path", path)
		return
	}
	if attached != session {
		r.logger.DPanicw("Detaching USB session attached under another session's path", "path", path)
	}
	delete(r.m, path)
}

// closeAll force-closes sessions the caller never closed. Called on portal
// teardown; leaked sessions are a caller bug and are logged as such.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	leaked := make([]*UsbSession, 0, len(r.m))
	for _, session := range r.m {
		leaked = append(leaked, session)
	}
	r.mu.Unlock()

	for _, session := range leaked {
		r.logger.Warnw("Closing leaked USB session on portal teardown",
			"path", session.session.Path())
		if err := session.Close(); err != nil {
			r.logger.Warnw("Failed to close leaked USB session", "error", err)
		}
	}
}

// Session is a generic broker-tracked session, identified by its object
// path. Specialized sessions (currently only UsbSession) are layered on top
// of it and must be closed before it.
type Session struct {
	portal *Portal
	logger *zap.SugaredLogger
	path   dbus.ObjectPath

	mu     sync.Mutex
	closed bool
}

func newSession(p *Portal, path dbus.ObjectPath) *Session {
	s := &Session{
		portal: p,
		logger: p.logger.Named("session"),
		path:   path,
	}
	s.logger.Debugw("Created session instance", "path", path)
	return s
}

// Path returns the broker's object path for this session.
func (s *Session) Path() dbus.ObjectPath {
	return s.path
}

// UsbSession returns the USB session attached to this session, if any. The
// lookup is non-owning: it reflects the current registry state and does not
// extend the USB session's lifetime.
func (s *Session) UsbSession() *UsbSession {
	attached, ok := s.portal.sessions.lookup(s.path)
	if !ok {
		return nil
	}
	return attached
}

// Close asks the broker to end the session. Closing an already-closed
// session is a no-op. Closing while a UsbSession is still attached is a
// lifetime bug in the caller; it is reported loudly and the close proceeds.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if attached := s.UsbSession(); attached != nil {
		s.logger.DPanicw("Session closed while its USB session is still attached; "+
			"close the USB session first", "path", s.path)
	}

	s.logger.Debugw("Closing session", "path", s.path)

	call := s.portal.bus.Object(portalBusName, s.path).Call(sessionInterface+".Close", 0)
	if call.Err != nil {
		s.logger.Warnw("Failed to close session on broker", "path", s.path, "error", call.Err)
		return fmt.Errorf("close session %s: %w", s.path, call.Err)
	}

	return nil
}

// UsbSession monitors USB device events through a broker session. It owns
// its underlying Session and an event-signal subscription; both are released
// by Close, in one step, exactly once.
type UsbSession struct {
	logger *zap.SugaredLogger

	mu             sync.Mutex
	session        *Session
	signalID       uint64
	closed         bool
	eventConsumers []chan []UsbDeviceEvent
}

// newUsbSession builds the Session/UsbSession pair for a freshly created
// session path and subscribes to the broker's DeviceEvents signal. The
// signal carries no per-path match; events for foreign sessions are filtered
// out locally.
func (p *Portal) newUsbSession(path dbus.ObjectPath) *UsbSession {
	us := &UsbSession{
		logger:  p.logger.Named("usb_session"),
		session: newSession(p, path),
	}

	p.sessions.attach(path, us)

	signalID, err := p.signals.subscribe(usbInterface, "DeviceEvents", "", us.handleDeviceEvents)
	if err != nil {
		// Broker-side session still works; the caller just won't see events.
		us.logger.Warnw("Failed to subscribe to device events", "path", path, "error", err)
	}
	us.signalID = signalID

	us.logger.Debugw("Created USB session instance", "path", path)
	return us
}

// Session returns the generic session underlying this USB session, or nil
// once the USB session has been closed.
func (us *UsbSession) Session() *Session {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.session
}

// SubscribeToDeviceEvents returns a channel delivering batches of device
// events for this session. Slow consumers may miss batches.
func (us *UsbSession) SubscribeToDeviceEvents() chan []UsbDeviceEvent {
	ch := make(chan []UsbDeviceEvent, 16)

	us.mu.Lock()
	us.eventConsumers = append(us.eventConsumers, ch)
	us.mu.Unlock()

	return ch
}

// Close tears the USB session down: the event subscription is removed, the
// registry entry detached and the underlying Session closed, in one step.
// Further Close calls are no-ops. Finding the underlying Session already
// gone means the caller lost count of its session lifetimes; that is
// reported loudly and cleanup proceeds best-effort.
func (us *UsbSession) Close() error {
	us.mu.Lock()
	if us.closed {
		us.mu.Unlock()
		return nil
	}
	us.closed = true
	session := us.session
	us.session = nil
	signalID := us.signalID
	us.signalID = 0
	us.mu.Unlock()

	if session == nil {
		us.logger.DPanicw("USB session torn down after its underlying session; " +
			"session lifetimes are miscounted")
		return ErrSessionClosed
	}

	session.portal.signals.unsubscribe(signalID)
	session.portal.sessions.detach(session.Path(), us)

	us.logger.Debugw("Closed USB session", "path", session.Path())
	return session.Close()
}

func (us *UsbSession) handleDeviceEvents(sig *dbus.Signal) {
	var (
		sessionPath dbus.ObjectPath
		events      []UsbDeviceEvent
	)
	if err := dbus.Store(sig.Body, &sessionPath, &events); err != nil {
		us.logger.Warnw("Failed to decode device events signal", "error", err)
		return
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	// The broker broadcasts DeviceEvents without per-path filtering; ignore
	// events belonging to sessions we do not own.
	if us.session == nil || sessionPath != us.session.Path() {
		return
	}
	if len(events) == 0 {
		return
	}

	for _, ch := range us.eventConsumers {
		select {
		case ch <- events:
		default:
			us.logger.Warnw("Dropping device events for slow consumer",
				"path", sessionPath, "events", len(events))
		}
	}
}
