package pwgraph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/pwgraph/pkg/pwgraph/util"
)

// Blocklists are read-only predicates consumed during event ingestion
type Blocklists struct {
	AppIDs        []string
	NodeNames     []string
	MediaRoles    []string
	OutputStreams []string
	InputStreams  []string
}

// Routing holds the stream routing preferences
type Routing struct {
	ProcessAllOutputs      bool
	ProcessAllInputs       bool
	ExcludeMonitorStreams  bool
	OutputDevice           string
	InputDevice            string
	UseDefaultOutputDevice bool
	UseDefaultInputDevice  bool
}

// Timing holds the session's blocking bounds
type Timing struct {
	SyncTimeout           time.Duration
	BootstrapTimeout      time.Duration
	BootstrapPollInterval time.Duration
	InactivityTimeout     time.Duration
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the configuration file
type CanonicalConfig struct {
	EventFeedPort      int
	ProbePulseDefaults bool

	mu         sync.RWMutex
	blocklists    Blocklists
	routing       Routing
	timing        Timing
	outputFilters []string

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	consumersLock   sync.Mutex
	reloadConsumers []chan bool

	userConfig *viper.Viper
	path       string
}

const (
	userConfigName = "config"
	userConfigPath = "."
	configType     = "yaml"

	configKeyBlocklistAppID         = "blocklist.app_id"
	configKeyBlocklistNodeName      = "blocklist.node_name"
	configKeyBlocklistMediaRole     = "blocklist.media_role"
	configKeyBlocklistOutputStreams = "blocklist.output_streams"
	configKeyBlocklistInputStreams  = "blocklist.input_streams"

	configKeyProcessAllOutputs      = "process_all_outputs"
	configKeyProcessAllInputs       = "process_all_inputs"
	configKeyExcludeMonitorStreams  = "exclude_monitor_streams"
	configKeyOutputDevice           = "output_device"
	configKeyInputDevice            = "input_device"
	configKeyUseDefaultOutputDevice = "use_default_output_device"
	configKeyUseDefaultInputDevice  = "use_default_input_device"

	configKeySyncTimeout           = "sync_timeout"
	configKeyBootstrapTimeout      = "bootstrap_timeout"
	configKeyBootstrapPollInterval = "bootstrap_poll_interval"
	configKeyInactivityTimeout     = "inactivity_timeout"

	configKeyOutputFilters = "output_filters"

	configKeyEventFeedPort      = "event_feed_port"
	configKeyProbePulseDefaults = "probe_pulse_defaults"

	defaultSyncTimeout           = 30 * time.Second
	defaultBootstrapTimeout      = 30 * time.Second
	defaultBootstrapPollInterval = time.Millisecond
)

// nodes of our own and of well-known control applications never show up in the model
var defaultBlocklistNodeNames = []string{
	"pwgraph",
	"pwgraph_soe",
	"pwgraph_sie",
	"pavucontrol",
	"PulseAudio Volume Control",
	"libcanberra",
	"gsd-media-keys",
	"GNOME Shell",
	"speech-dispatcher",
	"speech-dispatcher-dummy",
	"Mutter",
	"gameoverlayui",
}

var defaultBlocklistMediaRoles = []string{"event", "Notification"}

// NewConfig creates a config instance and sets up the viper instance behind it
func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               userConfigName + "." + configType,
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyBlocklistAppID, []string{})
	userConfig.SetDefault(configKeyBlocklistNodeName, defaultBlocklistNodeNames)
	userConfig.SetDefault(configKeyBlocklistMediaRole, defaultBlocklistMediaRoles)
	userConfig.SetDefault(configKeyBlocklistOutputStreams, []string{})
	userConfig.SetDefault(configKeyBlocklistInputStreams, []string{})

	userConfig.SetDefault(configKeyProcessAllOutputs, false)
	userConfig.SetDefault(configKeyProcessAllInputs, false)
	userConfig.SetDefault(configKeyExcludeMonitorStreams, true)
	userConfig.SetDefault(configKeyOutputDevice, "")
	userConfig.SetDefault(configKeyInputDevice, "")
	userConfig.SetDefault(configKeyUseDefaultOutputDevice, true)
	userConfig.SetDefault(configKeyUseDefaultInputDevice, true)

	userConfig.SetDefault(configKeySyncTimeout, defaultSyncTimeout)
	userConfig.SetDefault(configKeyBootstrapTimeout, defaultBootstrapTimeout)
	userConfig.SetDefault(configKeyBootstrapPollInterval, defaultBootstrapPollInterval)
	userConfig.SetDefault(configKeyInactivityTimeout, 10*time.Second)

	userConfig.SetDefault(configKeyOutputFilters, []string{})

	userConfig.SetDefault(configKeyEventFeedPort, 0)
	userConfig.SetDefault(configKeyProbePulseDefaults, true)

	cc.userConfig = userConfig

	// defaults are usable right away, before Load is ever called
	cc.populateFromViper()

	logger.Debug("Created config instance")

	return cc, nil
}

// SetPath points the config at a different file, mostly useful for tests
func (cc *CanonicalConfig) SetPath(path string) {
	cc.path = path
	cc.userConfig.SetConfigFile(path)
}

// Load reads the config file from disk and tries to parse it. A missing file leaves the defaults in place
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if !util.FileExists(cc.path) {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.path)
		cc.populateFromViper()
		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.path))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
		}
		return fmt.Errorf("read user config: %w", err)
	}

	cc.populateFromViper()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"blocklists", cc.Blocklists(),
		"routing", cc.Routing(),
		"timing", cc.Timing(),
		"eventFeedPort", cc.EventFeedPort,
	)

	return nil
}

// Blocklists returns a snapshot of the configured blocklists
func (cc *CanonicalConfig) Blocklists() Blocklists {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return Blocklists{
		AppIDs:        copyOf(cc.blocklists.AppIDs),
		NodeNames:     copyOf(cc.blocklists.NodeNames),
		MediaRoles:    copyOf(cc.blocklists.MediaRoles),
		OutputStreams: copyOf(cc.blocklists.OutputStreams),
		InputStreams:  copyOf(cc.blocklists.InputStreams),
	}
}

// Routing returns a snapshot of the routing preferences
func (cc *CanonicalConfig) Routing() Routing {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.routing
}

// Timing returns a snapshot of the timing bounds
func (cc *CanonicalConfig) Timing() Timing {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.timing
}

// OutputFilters returns the names of the filter nodes chained between the virtual sink and the output device
func (cc *CanonicalConfig) OutputFilters() []string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return copyOf(cc.outputFilters)
}

// SetOutputDevice changes the selected output device at runtime
func (cc *CanonicalConfig) SetOutputDevice(name string) {
	cc.mu.Lock()
	cc.routing.OutputDevice = name
	cc.mu.Unlock()
}

// SetInputDevice changes the selected input device at runtime
func (cc *CanonicalConfig) SetInputDevice(name string) {
	cc.mu.Lock()
	cc.routing.InputDevice = name
	cc.mu.Unlock()
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
		// watcher was never started
	}

	cc.closeReloadChannels()
}

func (cc *CanonicalConfig) closeReloadChannels() {
	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromViper() {
	blocklists := Blocklists{
		AppIDs:        cleanList(cc.userConfig.GetStringSlice(configKeyBlocklistAppID)),
		NodeNames:     cleanList(cc.userConfig.GetStringSlice(configKeyBlocklistNodeName)),
		MediaRoles:    cleanList(cc.userConfig.GetStringSlice(configKeyBlocklistMediaRole)),
		OutputStreams: cleanList(cc.userConfig.GetStringSlice(configKeyBlocklistOutputStreams)),
		InputStreams:  cleanList(cc.userConfig.GetStringSlice(configKeyBlocklistInputStreams)),
	}

	routing := Routing{
		ProcessAllOutputs:      cc.userConfig.GetBool(configKeyProcessAllOutputs),
		ProcessAllInputs:       cc.userConfig.GetBool(configKeyProcessAllInputs),
		ExcludeMonitorStreams:  cc.userConfig.GetBool(configKeyExcludeMonitorStreams),
		OutputDevice:           cc.userConfig.GetString(configKeyOutputDevice),
		InputDevice:            cc.userConfig.GetString(configKeyInputDevice),
		UseDefaultOutputDevice: cc.userConfig.GetBool(configKeyUseDefaultOutputDevice),
		UseDefaultInputDevice:  cc.userConfig.GetBool(configKeyUseDefaultInputDevice),
	}

	timing := Timing{
		SyncTimeout:           positiveOr(cc.userConfig.GetDuration(configKeySyncTimeout), defaultSyncTimeout),
		BootstrapTimeout:      positiveOr(cc.userConfig.GetDuration(configKeyBootstrapTimeout), defaultBootstrapTimeout),
		BootstrapPollInterval: positiveOr(cc.userConfig.GetDuration(configKeyBootstrapPollInterval), defaultBootstrapPollInterval),
		InactivityTimeout:     cc.userConfig.GetDuration(configKeyInactivityTimeout),
	}

	outputFilters := cleanList(cc.userConfig.GetStringSlice(configKeyOutputFilters))

	cc.mu.Lock()
	cc.blocklists = blocklists
	cc.outputFilters = outputFilters
	// a device picked at runtime survives a reload that doesn't name one
	if routing.OutputDevice == "" {
		routing.OutputDevice = cc.routing.OutputDevice
	}
	if routing.InputDevice == "" {
		routing.InputDevice = cc.routing.InputDevice
	}
	cc.routing = routing
	cc.timing = timing
	cc.mu.Unlock()

	cc.EventFeedPort = cc.userConfig.GetInt(configKeyEventFeedPort)
	cc.ProbePulseDefaults = cc.userConfig.GetBool(configKeyProbePulseDefaults)

	cc.logger.Debug("Populated config fields from viper")
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}

// cleanList trims entries and drops empty and duplicate ones
func cleanList(list []string) []string {
	cleaned := make([]string, 0, len(list))

	for _, entry := range list {
		if entry = strings.TrimSpace(entry); entry != "" {
			cleaned = append(cleaned, entry)
		}
	}

	return funk.UniqString(cleaned)
}

func positiveOr(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}
