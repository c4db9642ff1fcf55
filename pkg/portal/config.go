package portal

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hfiguiere/libportal/pkg/portal/util"
)

// CanonicalConfig provides centralized access to the monitor's configuration
// fields.
type CanonicalConfig struct {
	NotifyOnEvents bool
	Acquire        []UsbDeviceAcquireRequest

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan struct{}

	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyNotifyOnEvents  = "notify_on_events"
	configKeyAcquire         = "acquire"
	configKeyWritableDefault = "writable_default"
)

// acquireEntry is the config-file shape of one device to acquire. Writable
// is a pointer so a missing key can fall back to writable_default.
type acquireEntry struct {
	ID       string `mapstructure:"id"`
	Writable *bool  `mapstructure:"writable"`
}

// NewConfig initializes the configuration manager.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    make([]chan bool, 0),
		stopWatcherChannel: make(chan struct{}),
	}

	cc.userConfig = initializeViper(userConfigName, userConfigPath, map[string]interface{}{
		configKeyNotifyOnEvents:  true,
		configKeyAcquire:         []map[string]interface{}{},
		configKeyWritableDefault: false,
	})

	logger.Debug("Created configuration instance")
	return cc, nil
}

// initializeViper creates and configures a Viper instance.
func initializeViper(name, path string, defaults map[string]interface{}) *viper.Viper {
	config := viper.New()
	config.SetConfigName(name)
	config.SetConfigType(configType)
	config.AddConfigPath(path)

	for key, value := range defaults {
		config.SetDefault(key, value)
	}

	return config
}

// Load reads and validates the configuration file. A missing file is fine;
// defaults apply.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading user configuration", "path", userConfigFilepath)

	if util.FileExists(userConfigFilepath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			return cc.handleConfigError(err)
		}
	} else {
		cc.logger.Debugw("No configuration file found, using defaults", "path", userConfigFilepath)
	}

	return cc.populateFromViper()
}

// handleConfigError processes errors during config file loading.
func (cc *CanonicalConfig) handleConfigError(err error) error {
	cc.logger.Warnw("Failed to load configuration", "error", err)

	if strings.Contains(err.Error(), "yaml:") {
		cc.notifier.Notify("Invalid configuration format!",
			"Ensure the YAML file is properly formatted.")
	} else {
		cc.notifier.Notify("Error loading configuration!", "Check logs for more details.")
	}
	return fmt.Errorf("read user config: %w", err)
}

// populateFromViper reads configuration fields into structured fields.
func (cc *CanonicalConfig) populateFromViper() error {
	cc.NotifyOnEvents = cc.userConfig.GetBool(configKeyNotifyOnEvents)

	var entries []acquireEntry
	if err := cc.userConfig.UnmarshalKey(configKeyAcquire, &entries); err != nil {
		cc.logger.Warnw("Invalid acquire list in configuration", "error", err)
		return fmt.Errorf("parse %s: %w", configKeyAcquire, err)
	}

	writableDefault := cc.userConfig.GetBool(configKeyWritableDefault)

	cc.Acquire = make([]UsbDeviceAcquireRequest, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			cc.logger.Warnw("Skipping acquire entry with empty device id")
			continue
		}

		writable := writableDefault
		if entry.Writable != nil {
			writable = *entry.Writable
		}
		cc.Acquire = append(cc.Acquire, UsbDeviceAcquireRequest{ID: entry.ID, Writable: writable})
	}

	cc.logger.Debugw("Configuration populated successfully",
		"notifyOnEvents", cc.NotifyOnEvents, "acquire", len(cc.Acquire))
	return nil
}

// SubscribeToChanges allows external components to receive a notification
// whenever the configuration is successfully reloaded.
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	ch := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, ch)
	return ch
}

// WatchConfigFileChanges watches the configuration file and reloads it when
// it changes, debouncing editor write bursts.
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cc.logger.Warnw("Failed to create filesystem watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(userConfigPath); err != nil {
		cc.logger.Warnw("Failed to watch config directory", "error", err)
		return
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Name != userConfigFilepath && !strings.HasSuffix(event.Name, "/"+userConfigFilepath) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			now := time.Now()
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
				continue
			}
			lastAttemptedReload = now

			// let the editor finish writing before re-reading
			time.Sleep(delayBetweenEventAndReload)

			cc.logger.Info("Config file changed, attempting reload")
			if err := cc.Load(); err != nil {
				cc.logger.Warnw("Failed to reload configuration", "error", err)
				continue
			}

			for _, consumer := range cc.reloadConsumers {
				select {
				case consumer <- true:
				default:
				}
			}

		case err := <-watcher.Errors:
			cc.logger.Warnw("Filesystem watcher error", "error", err)

		case <-cc.stopWatcherChannel:
			cc.logger.Debug("Stopping user config file watcher")
			return
		}
	}
}

// StopWatchingConfigFile signals the watcher started by
// WatchConfigFileChanges to stop.
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	close(cc.stopWatcherChannel)
}
