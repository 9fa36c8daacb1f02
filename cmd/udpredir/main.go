// Package main provides the CLI entry point for the udpredir client.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/outpostlabs/udpredir/internal/balancer"
	"github.com/outpostlabs/udpredir/internal/config"
	"github.com/outpostlabs/udpredir/internal/health"
	"github.com/outpostlabs/udpredir/internal/logging"
	"github.com/outpostlabs/udpredir/internal/redir"
	"github.com/outpostlabs/udpredir/internal/relay"
	"github.com/outpostlabs/udpredir/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpredir",
		Short: "udpredir - Transparent UDP redirect client",
		Long: `udpredir is a transparent proxy client for redirected UDP traffic.

It receives datagrams diverted by TPROXY firewall rules, tunnels them
to remote proxy servers over an encrypted datagram protocol, and sends
replies back to clients as if they came from the original destination.

Running it requires CAP_NET_ADMIN for the IP_TRANSPARENT sockets.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Generate a configuration file through an interactive setup wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the transparent UDP relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			bal, err := balancer.New(cfg.Servers)
			if err != nil {
				return fmt.Errorf("failed to build server pool: %w", err)
			}

			source, err := redir.ListenTransparent(cfg.Local.Address)
			if err != nil {
				return fmt.Errorf("failed to bind redirect listener (missing CAP_NET_ADMIN?): %w", err)
			}

			r := relay.New(relayConfig(cfg), source, bal, relay.Dialers{
				Remote: func() (net.PacketConn, error) {
					return net.ListenUDP("udp", nil)
				},
				Reply: func(orig netip.AddrPort) (relay.ReplyConn, error) {
					c, err := redir.DialOriginal(orig)
					if err != nil {
						return nil, err
					}
					return c, nil
				},
			}, logger)

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  health.DefaultServerConfig().ReadTimeout,
					WriteTimeout: health.DefaultServerConfig().WriteTimeout,
				}, statsAdapter{r})
				if err := healthSrv.Start(); err != nil {
					source.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				logger.Info("health server listening",
					logging.KeyLocalAddr, healthSrv.Address().String())
			}

			logger.Info("relay listening",
				logging.KeyLocalAddr, source.LocalAddr().String(),
				logging.KeyCount, bal.Len())

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- r.Serve()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			case err := <-serveErr:
				if err != nil {
					logger.Error("relay stopped", logging.KeyError, err)
				}
			}

			if healthSrv != nil {
				healthSrv.Stop()
			}
			if err := r.Close(); err != nil && !isClosedErr(err) {
				logger.Error("shutdown error", logging.KeyError, err)
				return err
			}

			logger.Info("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Load and validate the configuration file, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			fmt.Println()
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// relayConfig maps the file configuration onto relay engine tuning. A
// per-server udp_timeout extends the idle timeout so flows on that
// server are not evicted early.
func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.Config{
		IdleTimeout:     cfg.Relay.IdleTimeout,
		SendTimeout:     cfg.Relay.SendTimeout,
		QueueSize:       cfg.Relay.QueueSize,
		MaxPayload:      cfg.Relay.MaxPayload,
		MaxAssociations: cfg.Relay.MaxAssociations,
	}

	for _, s := range cfg.Servers {
		if s.UDPTimeout > rc.IdleTimeout {
			rc.IdleTimeout = s.UDPTimeout
		}
	}

	return rc
}

// statsAdapter exposes relay statistics to the health server.
type statsAdapter struct {
	relay *relay.Relay
}

func (a statsAdapter) IsRunning() bool {
	return a.relay.IsRunning()
}

func (a statsAdapter) Stats() health.Stats {
	s := a.relay.Stats()
	return health.Stats{
		Associations:   s.Associations,
		PacketsEgress:  s.PacketsEgress,
		PacketsIngress: s.PacketsIngress,
		BytesEgress:    s.BytesEgress,
		BytesIngress:   s.BytesIngress,
	}
}

func isClosedErr(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed)
}
