package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adobe/aemfs/cmd/common"
	"github.com/adobe/aemfs/fs"
	"github.com/adobe/aemfs/fs/remote"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Printf(`aemfs - expose a remote assets repository as a local file share.

This program connects to the assets HTTP API of the configured host and
keeps a write-behind local mirror of the remote tree. Files are fetched
on demand and cached locally; local changes are queued and pushed to the
remote in the background.

Usage: aemfs [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(),
		"A YAML-formatted configuration file used by aemfs.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. "+
			"Can be one of: fatal, error, warn, info, debug, trace")
	logOutput := flag.StringP("log-output", "o", "",
		"Set the output location for logs. "+
			"Can be STDOUT, STDERR, JOURNAL, or a file path. Default is STDERR.")
	localPath := flag.StringP("local-path", "c", "",
		"Change the local cache directory used by aemfs. "+
			"Will be created if the path does not already exist.")
	wipeCache := flag.BoolP("wipe-cache", "w", false,
		"Delete the existing aemfs cache directory and then exit. "+
			"This is equivalent to resetting the program.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	statsFlag := flag.BoolP("stats", "", false,
		"Display statistics about the local cache and outstanding changes, "+
			"then close the share without a final drain and exit.")
	noDBus := flag.BoolP("no-dbus", "n", false,
		"Disable broadcasting sync events on the D-Bus session bus.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("aemfs", common.Version())
		os.Exit(0)
	}

	config := common.LoadConfig(*configPath)
	// command line options override config options
	if *localPath != "" {
		config.LocalPath = *localPath
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *logOutput != "" {
		config.LogOutput = *logOutput
	}
	common.SetupLogger(config.LogLevel, config.LogOutput)

	if *wipeCache {
		log.Info().Str("path", config.LocalPath).Msg("Removing cache.")
		if err := os.RemoveAll(config.LocalPath); err != nil {
			log.Error().Err(err).Msg("Failed to remove cache directory.")
		}
		os.Exit(0)
	}

	var client remote.Client
	switch config.Backend {
	case "jcr":
		client = remote.NewJCRClient(config.Host, config.Port, config.Path)
	default:
		client = remote.NewDAMClient(config.Host, config.Port, config.Path)
	}

	share, err := fs.NewShare(client, fs.Options{
		LocalPath:         config.LocalPath,
		ContentCacheTTL:   time.Duration(config.ContentCacheTTL) * time.Millisecond,
		CacheTTL:          time.Duration(config.CacheTTL) * time.Millisecond,
		ModifiedThreshold: time.Duration(config.ModifiedThreshold) * time.Millisecond,
		MaxRetries:        config.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect share.")
	}

	if *statsFlag {
		stats := share.Stats()
		fmt.Printf("Pending requests: %d\n", stats.PendingRequests)
		for method, count := range stats.PendingByMethod {
			fmt.Printf("  %-6s %d\n", method, count)
		}
		fmt.Printf("Cached files:     %d (%d bytes)\n", stats.CachedFiles, stats.CachedBytes)
		fmt.Printf("Temp files:       %d\n", stats.TempFiles)
		share.Close()
		os.Exit(0)
	}

	var broadcaster *fs.EventBroadcaster
	if !*noDBus {
		broadcaster = fs.NewEventBroadcaster(share)
		if err := broadcaster.Start(); err != nil {
			log.Warn().Err(err).Msg("D-Bus unavailable, sync events stay local.")
			broadcaster = nil
		}
	}

	log.Info().
		Str("host", config.Host).
		Int("port", config.Port).
		Str("path", config.Path).
		Str("backend", config.Backend).
		Msg("Share connected, waiting for termination signal.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Signal received, disconnecting share.")

	if err := share.Disconnect(); err != nil {
		log.Error().Err(err).Msg("Error during disconnect.")
	}
	if broadcaster != nil {
		broadcaster.Stop()
	}
}
