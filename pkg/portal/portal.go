// Package portal provides a client for the org.freedesktop.portal.Usb
// interface of the XDG desktop portal: enumerating, acquiring and releasing
// USB devices, and monitoring device events through a portal session.
package portal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	portalBusName    = "org.freedesktop.portal.Desktop"
	portalObjectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

	usbInterface     = "org.freedesktop.portal.Usb"
	requestInterface = "org.freedesktop.portal.Request"
	sessionInterface = "org.freedesktop.portal.Session"

	requestPathPrefix = "/org/freedesktop/portal/desktop/request/"
)

// busConn is the subset of *dbus.Conn the portal client uses. Tests
// substitute a scripted fake; production code always wraps the session bus.
type busConn interface {
	Names() []string
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// Portal is a connection to the desktop portal broker. It is shared by all
// in-flight calls and sessions created through it.
type Portal struct {
	logger   *zap.SugaredLogger
	bus      busConn
	ownsBus  bool
	sender   string
	signals  *signalRouter
	sessions *sessionRegistry
}

// New connects to the session bus and creates a new Portal instance.
func New(logger *zap.SugaredLogger) (*Portal, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		logger.Errorw("Failed to connect to session bus", "error", err)
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	p, err := newWithBus(logger, conn)
	if err != nil {
		return nil, err
	}

	p.ownsBus = true
	return p, nil
}

// newWithBus creates a Portal over an existing bus connection.
func newWithBus(logger *zap.SugaredLogger, bus busConn) (*Portal, error) {
	logger = logger.Named("portal")

	names := bus.Names()
	if len(names) == 0 {
		return nil, errors.New("portal: bus connection has no unique name")
	}

	p := &Portal{
		logger: logger,
		bus:    bus,
		sender: senderToken(names[0]),
	}
	p.signals = newSignalRouter(logger, bus)
	p.sessions = newSessionRegistry(logger)

	logger.Debugw("Created portal instance", "sender", p.sender)
	return p, nil
}

// Close shuts down signal dispatch, closes any sessions the caller leaked,
// and, when the Portal owns the bus connection, closes it too.
func (p *Portal) Close() error {
	p.logger.Debug("Closing portal instance")

	p.sessions.closeAll()
	p.signals.stop()

	if p.ownsBus {
		if err := p.bus.Close(); err != nil {
			p.logger.Warnw("Failed to close bus connection", "error", err)
			return fmt.Errorf("close bus connection: %w", err)
		}
	}

	return nil
}

// object returns the broker's portal object.
func (p *Portal) object() dbus.BusObject {
	return p.bus.Object(portalBusName, portalObjectPath)
}

// requestPath derives the correlation object path under which the broker
// delivers the Response signal for the given per-call token.
func (p *Portal) requestPath(token string) dbus.ObjectPath {
	return dbus.ObjectPath(requestPathPrefix + p.sender + "/" + token)
}

// requestToken generates a per-call correlation token. Tokens end up as
// object path elements, so only [A-Za-z0-9_] is allowed.
func requestToken() string {
	return "portal" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// senderToken mangles the connection's unique bus name (":1.42") into the
// form the broker uses inside request object paths ("1_42").
func senderToken(uniqueName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(uniqueName, ":"), ".", "_")
}
