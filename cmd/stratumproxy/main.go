package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/config"
	"github.com/mjl-/stratumproxy/instrument"
	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/relay"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "stratumproxy",
		Short: "Stratum mining relay",
		Long: `Stratumproxy accepts connections from miners and relays each of them over its
own connection to a mining pool.

Miners speaking Stratum V2 can be required to use the encrypted Noise
transport, the relay then presents a certificate signed by an authority key
the miners trust. Connections to the pool may themselves be encrypted, the
relay verifies the pool's certificate against the configured authority.

When miners speak Stratum V2 and the pool only speaks Stratum V1, the relay
translates: a single standard mining channel per connection is mapped onto a
V1 subscription, jobs are turned into V2 jobs and shares into V1 submissions.

The configuration file is looked up in the current directory and its parents
when not specified.

SIGHUP reopens the log file, SIGINT and SIGTERM stop the relay.`,
		Example: `  # Start with stratumproxy.toml from the current directory or a parent
  stratumproxy

  # Start with an explicit configuration file
  stratumproxy -f /etc/stratumproxy.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				name, err := config.Nearest(config.DefaultFileName)
				if err != nil {
					return xerrors.Errorf("looking for %s: %w", config.DefaultFileName, err)
				}
				configFile = name
			}
			return run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "", "path to the configuration file (TOML format)")
	return cmd
}

func main() {
	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return xerrors.Errorf("loading config file %s: %w", configFile, err)
	}

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return xerrors.Errorf("initializing logging: %w", err)
	}
	mlog := backend.GetLogger("main")
	mlog.Noticef("stratumproxy %s, config %s", versioninfo.Short(), configFile)

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	if addr := cfg.Metrics.Address; addr != "" {
		srv, err := instrument.Listen(addr, func(err error) {
			mlog.Errorf("metrics: %v", err)
		})
		if err != nil {
			return xerrors.Errorf("metrics listener: %w", err)
		}
		defer srv.Close()
		mlog.Noticef("metrics on http://%s/metrics", addr)
	}

	svr, err := relay.New(cfg, backend)
	if err != nil {
		return xerrors.Errorf("starting relay: %w", err)
	}
	defer svr.Shutdown()

	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}
