package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hfiguiere/libportal/pkg/portal"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose   bool
	enumerate bool
	acquire   bool
	watch     bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "Show verbose logs (useful for debugging portal traffic)")
	flag.BoolVar(&verbose, "v", false, "Shorthand for --verbose")
	flag.BoolVar(&enumerate, "enumerate", false, "List USB devices visible through the portal and exit")
	flag.BoolVar(&acquire, "acquire", false, "Acquire the devices listed in the configuration, then release them")
	flag.BoolVar(&watch, "watch", false, "Monitor USB device events until interrupted")
	flag.Parse()
}

func main() {
	// First we need a logger
	logger, err := portal.NewLogger(buildType)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	if versionTag != "" || gitCommit != "" {
		named.Infow("Version info", "gitCommit", gitCommit, "versionTag", versionTag, "buildType", buildType)
	}

	if verbose {
		named.Debug("Verbose mode enabled, all log messages will be shown")
	}

	m, err := NewMonitor(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create monitor instance", "error", err)
	}

	switch {
	case enumerate:
		err = m.Enumerate()
	case acquire:
		err = m.AcquireConfigured()
	case watch:
		err = m.Watch()
	default:
		err = m.Enumerate()
	}

	if err != nil {
		named.Fatalw("Monitor run failed", "error", err)
	}
}
