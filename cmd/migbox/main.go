// Command migbox synchronizes a local directory tree with a peer tree:
// another local directory, or a remote tree served over the secure
// transport by `migbox serve`.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bertl4398/MiGBox/config"
	"github.com/bertl4398/MiGBox/daemon"
	"github.com/bertl4398/MiGBox/fs"
	"github.com/bertl4398/MiGBox/metrics"
	"github.com/bertl4398/MiGBox/sftp"
	"github.com/bertl4398/MiGBox/state"
	"github.com/bertl4398/MiGBox/watcher"
)

// Exit codes: 0 clean stop, 1 configuration error, 2 transport error.
const (
	exitOK = iota
	exitConfig
	exitTransport
)

var version = "0.5.0"

func main() {
	var (
		cfgPath string
		debug   bool
	)

	root := &cobra.Command{
		Use:           "migbox",
		Short:         "Two-way file synchronization with delta transfer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	loadConfig := func() (*config.Config, error) {
		path := cfgPath
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if debug {
			cfg.Logging.Loglevel = "DEBUG"
		}
		return cfg, nil
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync daemon",
	}

	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Synchronize two local directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitErr(exitConfig, err)
			}
			applyFlag(cmd, "source", &cfg.Sync.Source)
			applyFlag(cmd, "destination", &cfg.Sync.Destination)
			if err := cfg.ValidateLocal(); err != nil {
				return exitErr(exitConfig, err)
			}
			logger := newLogger(cfg)

			peer, err := fs.NewLocal(cfg.Sync.Destination, nil, logger)
			if err != nil {
				return exitErr(exitConfig, err)
			}
			return runDaemon(cfg, peer, logger)
		},
	}
	localCmd.Flags().String("source", "", "source directory")
	localCmd.Flags().String("destination", "", "destination directory")

	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Synchronize against a remote host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitErr(exitConfig, err)
			}
			applyFlag(cmd, "source", &cfg.Sync.Source)
			applyFlag(cmd, "host", &cfg.Connection.Host)
			applyIntFlag(cmd, "port", &cfg.Connection.Port)
			applyFlag(cmd, "hostkey", &cfg.KeyAuth.Hostkey)
			applyFlag(cmd, "userkey", &cfg.KeyAuth.Userkey)
			if err := cfg.ValidateRemote(); err != nil {
				return exitErr(exitConfig, err)
			}
			logger := newLogger(cfg)

			client, err := sftp.Dial(sftp.DialOptions{
				Host:    cfg.Connection.Host,
				Port:    cfg.Connection.Port,
				Hostkey: cfg.KeyAuth.Hostkey,
				Userkey: cfg.KeyAuth.Userkey,
			})
			if err != nil {
				return exitErr(exitTransport, err)
			}
			peer, err := fs.NewRemote(client, "/", logger)
			if err != nil {
				client.Close()
				return exitErr(exitTransport, err)
			}
			return runDaemon(cfg, peer, logger)
		},
	}
	remoteCmd.Flags().String("source", "", "source directory")
	remoteCmd.Flags().String("host", "", "remote host")
	remoteCmd.Flags().Int("port", 0, "remote port")
	remoteCmd.Flags().String("hostkey", "", "host public key file")
	remoteCmd.Flags().String("userkey", "", "user private key file")

	syncCmd.AddCommand(localCmd, remoteCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory tree over the secure transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return exitErr(exitConfig, err)
			}
			rootPath, _ := cmd.Flags().GetString("root")
			applyFlag(cmd, "host", &cfg.Connection.Host)
			applyIntFlag(cmd, "port", &cfg.Connection.Port)
			applyFlag(cmd, "hostkey", &cfg.KeyAuth.Hostkey)
			applyFlag(cmd, "userkey", &cfg.KeyAuth.Userkey)
			if rootPath == "" {
				return exitErr(exitConfig, fmt.Errorf("root is required"))
			}
			logger := newLogger(cfg)

			srv, err := sftp.NewServer(rootPath, logger)
			if err != nil {
				return exitErr(exitConfig, err)
			}
			addr := fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port)
			err = sftp.ListenAndServe(sftp.ListenOptions{
				Addr:    addr,
				Hostkey: cfg.KeyAuth.Hostkey,
				Userkey: cfg.KeyAuth.Userkey,
			}, srv, logger)
			if err != nil {
				return exitErr(exitTransport, err)
			}
			return nil
		},
	}
	serveCmd.Flags().String("root", "", "served directory root")
	serveCmd.Flags().String("host", "", "listen host")
	serveCmd.Flags().Int("port", 0, "listen port")
	serveCmd.Flags().String("hostkey", "", "host private key file")
	serveCmd.Flags().String("userkey", "", "authorized user public key file")

	root.AddCommand(syncCmd, serveCmd)

	if err := root.Execute(); err != nil {
		var ee *exitError
		code := exitConfig
		if errors.As(err, &ee) {
			code = ee.code
			err = ee.err
		}
		fmt.Fprintln(os.Stderr, "migbox:", err)
		os.Exit(code)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

func applyFlag(cmd *cobra.Command, name string, dst *string) {
	if v, _ := cmd.Flags().GetString(name); v != "" {
		*dst = v
	}
}

func applyIntFlag(cmd *cobra.Command, name string, dst *int) {
	if v, _ := cmd.Flags().GetInt(name); v != 0 {
		*dst = v
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.LogLevelDebug() {
		level = zerolog.DebugLevel
	}
	writer := zerolog.MultiLevelWriter(os.Stderr)
	if cfg.Logging.Logfile != "" {
		f, err := os.OpenFile(cfg.Logging.Logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			writer = zerolog.MultiLevelWriter(os.Stderr, f)
		}
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// runDaemon starts the pipeline over the source directory and peer, then
// blocks until a signal or a fatal transport failure.
func runDaemon(cfg *config.Config, peer fs.Replica, logger zerolog.Logger) error {
	w, err := watcher.New(watcher.DefaultConfig(cfg.Sync.Source), logger)
	if err != nil {
		peer.Close()
		return exitErr(exitConfig, err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		peer.Close()
		return exitErr(exitConfig, err)
	}

	local, err := fs.NewLocal(cfg.Sync.Source, w, logger)
	if err != nil {
		w.Stop()
		peer.Close()
		return exitErr(exitConfig, err)
	}

	journal, err := state.Open(config.StatePath())
	if err != nil {
		logger.Warn().Err(err).Msg("state journal unavailable, not recording")
	}

	opts := daemon.Options{
		Local:   local,
		Peer:    peer,
		Events:  w.Events(),
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Logger:  logger,
	}
	if journal != nil {
		opts.Journal = journal
	}

	d := daemon.New(opts)
	if err := d.Start(); err != nil {
		w.Stop()
		peer.Close()
		if journal != nil {
			journal.Close()
		}
		return exitErr(exitConfig, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	select {
	case <-sigs:
		logger.Info().Msg("shutdown signal received")
		d.Stop()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			logger.Warn().Msg("shutdown timed out")
		}
		return nil
	case err := <-done:
		d.Stop()
		if err != nil {
			return exitErr(exitTransport, err)
		}
		return nil
	}
}
