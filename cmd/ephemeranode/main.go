// Command ephemeranode runs a single Ephemera node from an on-disk config
// file. Subcommand tooling, config-file management and key generation live
// outside this binary; this entrypoint only loads a config and runs the
// node until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrussal/ephemera-go/pkg/application"
	"github.com/andrussal/ephemera-go/pkg/config"
	"github.com/andrussal/ephemera-go/pkg/core"
	"github.com/andrussal/ephemera-go/pkg/logging"
	"github.com/andrussal/ephemera-go/pkg/membership"
	"github.com/andrussal/ephemera-go/pkg/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "ephemera.json", "path to the node's JSON config file")
	peersPath := flag.String("peers", "", "path to a static peers JSON file (omitted: dev mode, single-node topology)")
	storagePath := flag.String("storage-path", "ephemera.db", "bbolt database file path")
	flag.Parse()

	log := logging.NewDefaultLogger("ephemera")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	builder, err := core.NewBuilder(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	store, err := storage.OpenBoltStorage(*storagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		return 1
	}

	// With a peers file the node runs the signature-verifying application
	// against the configured membership; without one it runs a single-node
	// dev topology that accepts everything.
	var appStage *core.ApplicationStage
	if *peersPath != "" {
		provider, err := membership.NewStaticProvider(*peersPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			return 1
		}
		appStage = builder.
			WithStorage(store).
			WithMembership(provider).
			WithSignatureVerification()
	} else {
		appStage = builder.
			WithStorage(store).
			WithMembership(membership.NewDummyProvider()).
			WithApplication(application.DefaultApplication{})
	}

	node, err := appStage.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("ephemera: received shutdown signal")
		cancel()
	}()

	if err := node.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return 2
	}
	return 0
}
