package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/proxy"
	"github.com/nanocl-io/nanocl/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ncproxy",
	Short: "Nanocl proxy companion - renders nginx config from proxy rules",
	Long: `Ncproxy runs next to nanocld. It validates proxy rule resources over
its controller socket, renders them as nginx config fragments and keeps
the fragments in sync with the daemon's event stream.`,
	Version: version.Version,
	RunE:    runProxy,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("daemon", "unix:///run/nanocl/nanocl.sock", "Daemon socket url")
	flags.String("socket", "/run/nanocl/proxy.sock", "Controller socket path")
	flags.String("conf-dir", "/etc/nginx/sites-enabled", "Directory for rendered fragments")
	flags.String("nginx", "nginx", "Nginx binary")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
}

func runProxy(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	daemonURL, _ := flags.GetString("daemon")
	socketPath, _ := flags.GetString("socket")
	confDir, _ := flags.GetString("conf-dir")
	nginxBin, _ := flags.GetString("nginx")
	logLevel, _ := flags.GetString("log-level")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
	logger := log.WithComponent("proxy")
	logger.Info().Str("version", version.Version).Msg("starting ncproxy")

	client, err := proxy.DialDaemon(daemonURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := client.WaitReady(ctx, 30*time.Second); err != nil {
		return err
	}
	info, err := client.Info(ctx)
	if err != nil {
		return err
	}

	srv := proxy.NewServer(client, proxy.NewNginx(confDir, nginxBin), info.HostGateway)
	go srv.Watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(ctx, socketPath)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
