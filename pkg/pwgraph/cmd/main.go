package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/stalexteam/pwgraph/pkg/pwgraph"
	"github.com/stalexteam/pwgraph/pkg/pwgraph/chain"
	"github.com/stalexteam/pwgraph/pkg/pwgraph/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging graph events)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()
}

func main() {

	// first we need a logger
	logger, err := pwgraph.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	notifier, err := pwgraph.NewToastNotifier(logger)
	if err != nil {
		named.Fatalw("Failed to create notifier", "error", err)
	}

	config, err := pwgraph.NewConfig(logger, notifier)
	if err != nil {
		named.Fatalw("Failed to create config", "error", err)
	}

	config.SetPath(configPath)

	if err := config.Load(); err != nil {
		named.Fatalw("Failed to load config during initialization", "error", err)
	}

	transport, err := pwgraph.NewCLITransport(logger)
	if err != nil {
		notifier.Notify("Can't reach the graph server", "Please make sure PipeWire and its tools are installed.")
		named.Fatalw("Failed to create graph server transport", "error", err)
	}

	session, err := pwgraph.NewSession(logger, config, notifier, transport, verbose)
	if err != nil {
		named.Fatalw("Failed to create session", "error", err)
	}

	var feed *pwgraph.EventFeed
	if config.EventFeedPort > 0 {
		feed = pwgraph.NewEventFeed(session, logger)
	}

	links := session.SubscribeToLinkEvents()
	defaults := session.SubscribeToDefaultDeviceEvents()

	if err := session.Connect(); err != nil {
		notifier.Notify("Can't connect to the graph server", "Please check the logs for more details.")
		named.Fatalw("Failed to connect to graph server", "error", err)
	}

	if feed != nil {
		if err := feed.Start(config.EventFeedPort); err != nil {
			named.Warnw("Failed to start event feed", "error", err)
		}
	}

	// an unset output device follows the default sink
	if routing := config.Routing(); routing.OutputDevice == "" {
		config.SetOutputDevice(session.DefaultOutputDeviceName())
	}

	outputChain := chain.NewOutputChain(session, config, logger, chain.NodeFiltersFromNames(session, config.OutputFilters()))
	if err := outputChain.Connect(); err != nil {
		named.Infow("Output chain not linked yet", "reason", err)
	}

	go outputChain.Run(links, defaults)

	reloads := config.SubscribeToChanges()

	go config.WatchConfigFileChanges()
	go watchFilterChanges(reloads, config, outputChain, session, named)

	interruptChannel := util.SetupCloseHandler()
	signal := <-interruptChannel
	named.Debugw("Interrupted", "signal", signal)

	outputChain.Stop()

	if feed != nil {
		feed.Stop()
	}

	config.StopWatchingConfigFile()

	if err := session.Shutdown(); err != nil {
		named.Warnw("Session did not shut down cleanly", "error", err)
	}

	named.Info("Shutdown complete")
}

// watchFilterChanges relinks the chain when a config reload changes its filters
func watchFilterChanges(reloads chan bool, config *pwgraph.CanonicalConfig, outputChain *chain.OutputChain, session *pwgraph.Session, logger *zap.SugaredLogger) {
	current := config.OutputFilters()

	for range reloads {
		filters := config.OutputFilters()
		if equalNames(current, filters) {
			continue
		}

		current = filters

		if err := outputChain.SetFilters(chain.NodeFiltersFromNames(session, filters)); err != nil {
			logger.Warnw("Failed to relink output chain after config reload", "error", err)
		}
	}
}

func equalNames(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
