// Package main provides the CLI entry point for the Wirepost bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/wirepost/internal/client"
	"github.com/postalsys/wirepost/internal/config"
	"github.com/postalsys/wirepost/internal/keys"
	"github.com/postalsys/wirepost/internal/logging"
	"github.com/postalsys/wirepost/internal/metrics"
	"github.com/postalsys/wirepost/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wirepost",
		Short: "Wirepost - Secure TCP tunneling over message transports",
		Long: `Wirepost bridges message-oriented transports (WebSocket, QUIC) to an
encrypted multiplexed session and establishes TCP port-forwarding
tunnels across it, in both client and server roles.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(connectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var keyPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the server host key",
		Long:  "Generate the host key that identifies this endpoint to connecting clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, created, err := keys.LoadOrCreate(keyPath)
			if err != nil {
				return fmt.Errorf("failed to initialize host key: %w", err)
			}

			if created {
				fmt.Printf("Host key written to %s\n", keyPath)
			} else {
				fmt.Printf("Host key already exists in %s\n", keyPath)
			}
			fmt.Printf("Fingerprint: %s\n", keys.Fingerprint(signer))
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key-file", "k", "./data/host_key.pem", "Path for the host key")

	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server role",
		Long:  "Accept transport connections and serve authorized port forwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Address = fmt.Sprintf("127.0.0.1:%d", port)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			hostKey, created, err := keys.LoadOrCreate(cfg.Server.HostKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load host key: %w", err)
			}
			if created {
				logger.Info("host key generated", "path", cfg.Server.HostKeyFile)
			}
			logger.Info("host key loaded", "fingerprint", keys.Fingerprint(hostKey))

			mx := metrics.Default()
			var metricsSrv *metrics.Server
			if cfg.Metrics.Enabled {
				metricsSrv = metrics.NewServer(cfg.Metrics.Address, logger)
				metricsSrv.Start()
				logger.Info("metrics endpoint up", "address", cfg.Metrics.Address)
			}

			srv := server.New(cfg, hostKey,
				server.WithLogger(logger),
				server.WithMetrics(mx))
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("Wirepost server listening on %s (%s)\n", srv.Addr(), cfg.Server.Transport)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Limits.DrainTimeout)
			defer cancel()

			if metricsSrv != nil {
				metricsSrv.Stop(ctx)
			}
			if err := srv.Shutdown(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Listening port (overrides config)")

	return cmd
}

func connectCmd() *cobra.Command {
	var configPath string
	var serverURL string
	var askPass bool

	cmd := &cobra.Command{
		Use:   "connect [-- command args...]",
		Short: "Run the client role",
		Long: `Connect to a Wirepost server, establish the configured port forwards,
and hold the session open. With a trailing command the session lives as
long as the command runs and is torn down when it exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if len(args) > 0 {
				cfg.Exec.Command = args[0]
				cfg.Exec.Args = args[1:]
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			opts := []client.Option{
				client.WithLogger(logger),
				client.WithMetrics(metrics.Default()),
			}
			if askPass {
				fmt.Fprint(os.Stderr, "Password: ")
				pw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				opts = append(opts, client.WithPassword(string(pw)))
			}

			cl := client.New(cfg, opts...)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := cl.Connect(ctx); err != nil {
				return err
			}
			defer cl.Close()

			for _, t := range cl.Tunnels() {
				fmt.Printf("Forwarding %s -> %s\n", t.BoundAddr(), t.RemoteAddr())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan error, 1)
			go func() { done <- cl.Wait() }()

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, disconnecting...\n", sig)
				cancel()
				cl.Close()
				return nil
			case err := <-done:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&serverURL, "url", "u", "", "Server URL (overrides config)")
	cmd.Flags().BoolVar(&askPass, "ask-pass", false, "Prompt for a session password")

	return cmd
}

// loadConfig reads configPath, falling back to defaults when the default
// path is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
