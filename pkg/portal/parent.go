package portal

import "context"

// WindowExporter converts a toolkit window reference into the handle string
// the broker understands ("wayland:..." or "x11:..."). Implementations live
// with the caller's UI toolkit; the portal only consumes the result.
type WindowExporter interface {
	Export(ctx context.Context) (string, error)
}

// Parent identifies the window on whose behalf a privileged request is made,
// so the broker can attach its dialog to it.
type Parent struct {
	handle   string
	exported bool
	exporter WindowExporter
}

// NewParent wraps an exporter whose handle will be resolved lazily, right
// before the first request that needs it is sent.
func NewParent(exporter WindowExporter) *Parent {
	return &Parent{exporter: exporter}
}

// NewExportedParent wraps an already-exported window handle.
func NewExportedParent(handle string) *Parent {
	return &Parent{handle: handle, exported: true}
}

// resolveHandle returns the exported handle, exporting it first if needed.
func (p *Parent) resolveHandle(ctx context.Context) (string, error) {
	if p == nil {
		return "", nil
	}
	if p.exported {
		return p.handle, nil
	}

	handle, err := p.exporter.Export(ctx)
	if err != nil {
		return "", err
	}

	p.handle = handle
	p.exported = true
	return handle, nil
}
