package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanocl-io/nanocl/pkg/api"
	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/metrics"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/reconciler"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/state"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/tasks"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
	"github.com/nanocl-io/nanocl/pkg/vmimage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nanocld",
	Short: "Nanocl daemon - container and virtual machine orchestrator",
	Long: `Nanocld manages cargoes (replicated containers), virtual machines,
jobs, secrets and extensible resources on a single node, exposing a
versioned HTTP API over unix and tcp sockets.`,
	Version: version.Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nanocld version %s\nChannel: %s\nCommit: %s\n",
		version.Version, version.Channel, version.CommitId,
	))

	flags := rootCmd.Flags()
	flags.StringSlice("hosts", []string{"unix:///run/nanocl/nanocl.sock"}, "Listen addresses (unix:// or tcp://)")
	flags.String("state-dir", "/var/lib/nanocl", "Directory holding the store and vm images")
	flags.String("runtime-socket", runtime.DefaultSocketPath, "Container runtime socket")
	flags.String("gateway", "", "Host gateway address advertised to proxies")
	flags.String("cert", "", "TLS certificate for tcp hosts")
	flags.String("cert-key", "", "TLS certificate key for tcp hosts")
	flags.String("cert-ca", "", "TLS CA enabling mutual auth")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	hosts, _ := flags.GetStringSlice("hosts")
	stateDir, _ := flags.GetString("state-dir")
	runtimeSocket, _ := flags.GetString("runtime-socket")
	gateway, _ := flags.GetString("gateway")
	cert, _ := flags.GetString("cert")
	certKey, _ := flags.GetString("cert-key")
	certCa, _ := flags.GetString("cert-ca")
	logLevel, _ := flags.GetString("log-level")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
	logger := log.WithComponent("daemon")
	logger.Info().Str("version", version.Version).Msg("starting nanocld")

	config := types.DaemonConfig{
		Hosts:         hosts,
		StateDir:      stateDir,
		RuntimeSocket: runtimeSocket,
		HostGateway:   gateway,
		Cert:          cert,
		CertKey:       certKey,
		CertCa:        certCa,
	}

	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	st, err := store.New(stateDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	node, err := os.Hostname()
	if err != nil {
		node = "localhost"
	}

	bus := events.New(st, node)
	bus.OnEmit = func(ev *types.Event) {
		metrics.EventsEmitted.WithLabelValues(string(ev.Kind), string(ev.Action)).Inc()
	}
	bus.Start()
	defer bus.Stop()

	rt, err := runtime.NewContainerdRuntime(runtimeSocket, filepath.Join(stateDir, "networks"))
	if err != nil {
		return fmt.Errorf("failed to connect runtime: %w", err)
	}
	defer rt.Close()

	proc := process.New(st, rt, bus, node)
	objs := objects.New(objects.Deps{Store: st, Bus: bus, Proc: proc})
	images := vmimage.New(st, stateDir)
	tm := tasks.New()

	recon := reconciler.New(st, bus, tm, proc, objs, images)
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(st, bus)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := objs.Namespaces.EnsureDefault(ctx); err != nil {
		return fmt.Errorf("failed to ensure default namespace: %w", err)
	}
	if err := proc.Sync(ctx); err != nil {
		logger.Warn().Err(err).Msg("process sync failed")
	}

	srv := api.New(api.Deps{
		Store:   st,
		Bus:     bus,
		Objs:    objs,
		Proc:    proc,
		Images:  images,
		Applier: state.New(objs, version.ApiVersion),
		Config:  config,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Listen(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
