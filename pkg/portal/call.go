package portal

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// usbCallResult carries the outcome of one asynchronous broker call. Exactly
// one of the payload fields is set, matching the operation that created the
// call.
type usbCallResult struct {
	session *UsbSession       // CreateSession
	handle  *UsbAcquireHandle // AcquireDevices
	err     error
}

// usbCall is the client-side record of one outstanding asynchronous broker
// operation: a response-correlation subscription, an optional cancellation
// watcher, and the eventual delivery of a typed result to the caller.
//
// A call resolves exactly once, through whichever of these paths fires first:
// transport failure, decoded reply, Response signal, or cancellation. After
// resolution the response subscription and the cancellation watcher are gone,
// so nothing can fire against a torn-down call.
type usbCall struct {
	portal *Portal
	logger *zap.SugaredLogger

	done chan usbCallResult
	once sync.Once

	signalID    uint64          // Response signal subscription, 0 if none
	requestPath dbus.ObjectPath // correlation path, empty until derived
	cancelStop  chan struct{}   // detaches the cancellation watcher, nil if none

	// AcquireDevices payload
	parent       *Parent
	parentHandle string
	devices      []UsbDeviceAcquireRequest
}

func (p *Portal) newUsbCall(name string) *usbCall {
	return &usbCall{
		portal: p,
		logger: p.logger.Named(name),
		done:   make(chan usbCallResult, 1),
	}
}

// complete resolves the call with the result built by fn, tearing down the
// response subscription and cancellation watcher first. It reports whether
// this invocation won the resolution; fn never runs on a lost race, so
// late-arriving replies cannot construct and leak resources.
func (c *usbCall) complete(fn func() usbCallResult) bool {
	won := false
	c.once.Do(func() {
		won = true

		c.portal.signals.unsubscribe(c.signalID)
		c.signalID = 0

		if c.cancelStop != nil {
			close(c.cancelStop)
		}

		c.done <- fn()
	})
	return won
}

func (c *usbCall) completeErr(err error) bool {
	return c.complete(func() usbCallResult { return usbCallResult{err: err} })
}

// watchCancellation attaches a watcher that reacts to the caller's context.
// When it fires before resolution, a best-effort Close is sent against the
// correlation path (reply discarded) and the call resolves with ErrCancelled.
// Contexts that cannot be cancelled attach nothing.
func (c *usbCall) watchCancellation(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}

	stop := make(chan struct{})
	c.cancelStop = stop

	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-stop:
				// already resolved through another path
				return
			default:
			}
			c.closeRequest()
			c.completeErr(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		case <-stop:
		}
	}()
}

// closeRequest notifies the broker that the in-flight request should be
// aborted. The broker's reply is not awaited and its outcome is discarded.
func (c *usbCall) closeRequest() {
	if c.requestPath == "" {
		c.logger.Debug("No correlation path for in-flight call, skipping Close")
		return
	}

	c.logger.Debugw("Sending Close for cancelled request", "path", c.requestPath)
	c.portal.bus.Object(portalBusName, c.requestPath).
		Go(requestInterface+".Close", dbus.FlagNoReplyExpected, nil)
}

// await blocks until the call resolves and unpacks the result.
func (c *usbCall) await() usbCallResult {
	return <-c.done
}
