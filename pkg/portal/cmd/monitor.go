package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/hfiguiere/libportal/pkg/portal"
	"github.com/hfiguiere/libportal/pkg/portal/util"
)

const (
	crashlogDirectory       = "logs"
	crashlogFilename        = "portal-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"
)

// Monitor wires the portal client, configuration and notifier into the
// command-line monitoring tool.
type Monitor struct {
	logger   *zap.SugaredLogger
	notifier portal.Notifier
	config   *portal.CanonicalConfig
	portal   *portal.Portal
	verbose  bool
}

// NewMonitor creates a new Monitor instance.
func NewMonitor(logger *zap.SugaredLogger, verbose bool) (*Monitor, error) {
	logger = logger.Named("monitor")

	notifier, err := portal.NewDesktopNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create notifier", "error", err)
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	config, err := portal.NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create configuration", "error", err)
		return nil, fmt.Errorf("failed to create configuration: %w", err)
	}

	if err := config.Load(); err != nil {
		logger.Errorw("Failed to load configuration", "error", err)
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	p, err := portal.New(logger)
	if err != nil {
		logger.Errorw("Failed to connect to the desktop portal", "error", err)
		return nil, fmt.Errorf("failed to connect to the desktop portal: %w", err)
	}

	m := &Monitor{
		logger:   logger,
		notifier: notifier,
		config:   config,
		portal:   p,
		verbose:  verbose,
	}

	logger.Debug("Monitor instance created successfully")
	return m, nil
}

// Enumerate prints the devices currently visible through the portal.
func (m *Monitor) Enumerate() error {
	defer m.recoverFromPanic()
	defer m.portal.Close()

	devices, err := m.portal.EnumerateUsbDevices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No USB devices visible through the portal.")
		return nil
	}

	for _, device := range devices {
		fmt.Printf("%s\n", device.ID)
		for key, value := range device.Properties {
			fmt.Printf("  %s: %s\n", key, value.String())
		}
	}

	return nil
}

// AcquireConfigured acquires the devices listed in the configuration, prints
// the per-device outcome and releases every granted device again.
func (m *Monitor) AcquireConfigured() error {
	defer m.recoverFromPanic()
	defer m.portal.Close()

	if len(m.config.Acquire) == 0 {
		fmt.Println("No devices configured for acquisition (see the 'acquire' config key).")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-util.SetupCloseHandler()
		m.logger.Info("Interrupt received, cancelling acquisition")
		cancel()
	}()

	handle, err := m.portal.AcquireUsbDevices(ctx, nil, m.config.Acquire)
	if err != nil {
		return fmt.Errorf("acquire devices: %w", err)
	}

	devices, err := m.portal.FinishAcquireUsbDevices(handle)
	if err != nil {
		return fmt.Errorf("finish acquiring devices: %w", err)
	}

	var granted []string
	for _, device := range devices {
		if device.Success {
			fmt.Printf("%s: granted (fd %d)\n", device.ID, device.Fd)
			granted = append(granted, device.ID)
		} else {
			fmt.Printf("%s: denied (%s)\n", device.ID, device.Error)
		}
	}

	if len(granted) > 0 {
		if err := m.portal.ReleaseUsbDevices(granted); err != nil {
			return fmt.Errorf("release devices: %w", err)
		}
	}

	return nil
}

// Watch creates a monitoring session and reports device events until
// interrupted.
func (m *Monitor) Watch() error {
	defer m.recoverFromPanic()
	defer m.portal.Close()

	go m.config.WatchConfigFileChanges()
	defer m.config.StopWatchingConfigFile()

	session, err := m.portal.CreateUsbSession(context.Background())
	if err != nil {
		return fmt.Errorf("create monitoring session: %w", err)
	}
	defer session.Close()

	m.logger.Infow("Monitoring session created", "path", session.Session().Path())
	fmt.Println("Watching for USB device events, press Ctrl-C to stop.")

	events := session.SubscribeToDeviceEvents()
	interrupt := util.SetupCloseHandler()

	for {
		select {
		case batch := <-events:
			for _, event := range batch {
				fmt.Printf("%s %s\n", event.Action, event.ID)
				if m.config.NotifyOnEvents {
					m.notifier.Notify("USB device event",
						fmt.Sprintf("%s: %s", event.Action, event.ID))
				}
			}

		case sig := <-interrupt:
			m.logger.Debugw("Interrupt received, shutting down", "signal", sig)
			return nil
		}
	}
}

// recoverFromPanic handles application panics, logs the error, and attempts
// to shut down gracefully.
func (m *Monitor) recoverFromPanic() {
	if r := recover(); r != nil {
		m.handlePanic(r)
	}
}

// handlePanic logs the panic details, writes a crash log file, and notifies
// the user.
func (m *Monitor) handlePanic(recoverValue interface{}) {
	now := time.Now()
	crashlogPath := filepath.Join(crashlogDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	content := fmt.Sprintf("Time: %s\nPanic occurred: %s\nStack trace:\n%s\n",
		now.Format(crashlogTimestampFormat), recoverValue, debug.Stack())

	if err := util.EnsureDirExists(crashlogDirectory); err != nil {
		panic(fmt.Errorf("failed to create crash log directory: %w", err))
	}
	if err := os.WriteFile(crashlogPath, []byte(content), 0644); err != nil {
		panic(fmt.Errorf("failed to write crash log: %w", err))
	}

	m.logger.Errorw("Application panic encountered",
		"crashlogPath", crashlogPath,
		"error", recoverValue)

	m.notifier.Notify("Unexpected crash occurred",
		fmt.Sprintf("Details logged to: %s", crashlogPath))

	os.Exit(1)
}
