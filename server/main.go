package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/strato-sh/strato/manifest"
	"github.com/strato-sh/strato/server/flags"
	"github.com/strato-sh/strato/server/log"
	"github.com/strato-sh/strato/store"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var dataRoot string

// db is the resource store shared by the engine and the manifest loader.
var db store.Store

// Global context for shutdown cascading. When cancel() is called (from signal handler),
// all goroutines watching ctx.Done() begin their shutdown sequence.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the engine goroutine; main() blocks on wg.Wait() until shutdown
// has completed and the final snapshot is on disk.
var wg sync.WaitGroup

var rootCmd = &cobra.Command{
	Use:           "stratod",
	Short:         "Strato cross-cloud reconciliation engine",
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().AddFlagSet(flags.FlagSet)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		return err
	}
	log.Info("Strato server starting up...", "version", version, "commit", commit)

	// Create data directory
	dataRoot = viper.GetString(flags.Data)
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Restore the last known state; a missing snapshot means a fresh start
	db = store.NewMemory()
	snapshotFile := path.Join(dataRoot, "state.snapshot")
	if err := store.LoadSnapshot(db, snapshotFile); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	// Setup the reconciliation engine; its event loop starts immediately and
	// the initial resync picks up every resource restored from the snapshot.
	if err := createEngine(); err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// listenEvents runs in its own goroutine, turning engine events into logs.
	channel, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	go listenEvents(channel)

	// Declarative resources: the engine reconciles them like any API apply
	if dir := viper.GetString(flags.ManifestDir); dir != "" {
		if err := applyManifests(dir); err != nil {
			return fmt.Errorf("failed to apply manifests: %w", err)
		}
	}

	// Engine shutdown goroutine: Shutdown() stops the event loop, Wait()
	// blocks until in-flight reconciles finish, then the final snapshot is
	// written so instances survive the restart.
	wg.Add(1)
	go func() {
		<-ctx.Done() // triggered by cancel() in signal handler
		engine.Shutdown()
		engine.Wait()
		if err := store.SaveSnapshot(db, snapshotFile); err != nil {
			log.Error("Failed to save snapshot", "error", err)
		}
		wg.Done()
	}()

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
	return nil
}

func applyManifests(dir string) error {
	resources, err := manifest.ReadDir(dir, manifest.ReadOptions{})
	if err != nil {
		return err
	}
	for _, res := range resources {
		applied, err := db.Apply(res)
		if err != nil {
			return fmt.Errorf("apply '%s': %w", res.Metadata.Key(), err)
		}
		log.Info("Applied manifest resource", "resource", applied.ID, "kind", applied.Kind, "name", applied.Metadata.Key())
	}
	return nil
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done() to all goroutines
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1) // buffered: won't miss a signal while processing
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel() // triggers ctx.Done() everywhere
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
