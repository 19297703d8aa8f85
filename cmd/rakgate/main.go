// Package main provides the CLI entry point for the rakgate server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/rakgate/internal/certutil"
	"github.com/postalsys/rakgate/internal/config"
	"github.com/postalsys/rakgate/internal/control"
	"github.com/postalsys/rakgate/internal/gateway"
	"github.com/postalsys/rakgate/internal/loadtest"
	"github.com/postalsys/rakgate/internal/logging"
	"github.com/postalsys/rakgate/internal/service"
	"github.com/postalsys/rakgate/internal/sysinfo"
	"github.com/postalsys/rakgate/internal/wizard"
	"github.com/postalsys/rakgate/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rakgate",
		Short: "rakgate - game server over a reliable UDP transport",
		Long: `rakgate hosts game sessions on top of a QUIC transport worker.

The worker owns the socket and its connections, while the game host
drives a fixed tick loop and exchanges batched, optionally encrypted
packets with every session through an in-process command channel.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(loadtestCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(playersCmd())
	rootCmd.AddCommand(kickCmd())
	rootCmd.AddCommand(blockCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var configPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long:  "Create a configuration file, interactively when attached to a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			if wizard.Interactive() {
				_, err := wizard.New().Run(configPath)
				return err
			}

			res, err := wizard.Apply(wizard.Defaults(configPath))
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", res.ConfigPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server",
		Long:  "Start the transport worker and the game host with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			g, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create gateway: %w", err)
			}
			if err := g.Start(); err != nil {
				return fmt.Errorf("failed to start gateway: %w", err)
			}

			fmt.Printf("rakgate %s listening on %s\n", sysinfo.Version, g.Addr())
			if ips := sysinfo.GetLocalIPs(); len(ips) > 0 {
				fmt.Printf("Local addresses: %v\n", ips)
			}
			fmt.Printf("Certificate fingerprint: %s\n", g.Fingerprint())
			if addr := g.HealthAddr(); addr != nil {
				fmt.Printf("Health endpoint: http://%s/healthz\n", addr)
			}
			if path := g.ControlPath(); path != "" {
				fmt.Printf("Control socket: %s\n", path)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := g.Run(ctx); err != nil {
				return fmt.Errorf("gateway stopped: %w", err)
			}
			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage the listener certificate",
	}
	cmd.AddCommand(certGenerateCmd())
	cmd.AddCommand(certShowCmd())
	return cmd
}

func certGenerateCmd() *cobra.Command {
	var outDir, name string
	var hosts []string
	var validFor time.Duration

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.ServerOptions(name, hosts...)
			opts.ValidFor = validFor
			cert, err := certutil.Generate(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", outDir, err)
			}
			certPath := filepath.Join(outDir, "server.crt")
			keyPath := filepath.Join(outDir, "server.key")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Key:         %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("Expires:     %s\n", humanize.Time(cert.Certificate.NotAfter))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().StringVarP(&name, "name", "n", "rakgate", "Certificate common name")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Extra DNS names or IPs")
	cmd.Flags().DurationVar(&validFor, "valid-for", certutil.DefaultValidity, "Validity period")

	return cmd
}

func certShowCmd() *cobra.Command {
	var certPath, keyPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show certificate details",
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := certutil.Load(certPath, keyPath)
			if err != nil {
				return err
			}
			c := cert.Certificate
			fmt.Printf("Subject:     %s\n", c.Subject.CommonName)
			fmt.Printf("Hosts:       %v %v\n", c.DNSNames, c.IPAddresses)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("Expires:     %s (%s)\n", c.NotAfter.Format(time.RFC3339), humanize.Time(c.NotAfter))
			if certutil.IsExpiringSoon(c, 7*24*time.Hour) {
				fmt.Println("Warning: certificate expires within a week")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&certPath, "cert", "./certs/server.crt", "Certificate file")
	cmd.Flags().StringVar(&keyPath, "key", "./certs/server.key", "Key file")

	return cmd
}

func pingCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Send an unconnected ping to a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pong, rtt, err := worker.Ping(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s (guid %d, %s)\n", args[0], pong.Name, pong.ServerGUID, rtt.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Reply timeout")

	return cmd
}

func loadtestCmd() *cobra.Command {
	var opts loadtest.LoginOptions
	var concurrency int
	var duration, hold time.Duration

	cmd := &cobra.Command{
		Use:   "loadtest <address>",
		Short: "Churn logins against a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Fingerprint == "" {
				return fmt.Errorf("--fingerprint is required")
			}
			opts.Address = args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Churning logins against %s with %d workers for %s...\n", opts.Address, concurrency, duration)
			m, err := loadtest.NewChurnTester(concurrency, duration, hold).Run(ctx, loadtest.LoginConnector(opts))
			if err != nil {
				return err
			}

			fmt.Printf("Logins:      %s ok, %s failed\n", humanize.Comma(m.SuccessfulLogins), humanize.Comma(m.FailedLogins))
			fmt.Printf("Rate:        %.1f/s\n", m.LoginsPerSecond)
			fmt.Printf("Login time:  avg %s, max %s\n", m.AvgLoginTime.Round(time.Microsecond), m.MaxLoginTime.Round(time.Microsecond))
			for reason, n := range m.Rejections {
				fmt.Printf("Rejected:    %q x%d\n", reason, n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "Pinned certificate fingerprint")
	cmd.Flags().IntVar(&opts.Protocol, "protocol", config.Default().Server.ProtocolVersion, "Protocol version sent at login")
	cmd.Flags().StringVar(&opts.UsernamePrefix, "prefix", "load", "Username prefix")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 4, "Concurrent clients")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")
	cmd.Flags().DurationVar(&hold, "hold", 100*time.Millisecond, "How long each client stays logged in")

	return cmd
}

// controlCommand builds a command that talks to the control socket of a
// running server.
func controlCommand(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, c *control.Client, args []string) error) *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socketPath)
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return run(ctx, c, args)
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", config.Default().Control.SocketPath, "Path to the control socket")

	return cmd
}

func statusCmd() *cobra.Command {
	return controlCommand("status", "Show server status", cobra.NoArgs,
		func(ctx context.Context, c *control.Client, _ []string) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Name:        %s\n", st.Name)
			fmt.Printf("Version:     %s\n", st.Version)
			fmt.Printf("Address:     %s\n", st.Address)
			fmt.Printf("Fingerprint: %s\n", st.Fingerprint)
			fmt.Printf("Running:     %v (up %s)\n", st.Running, st.Uptime)
			fmt.Printf("Sessions:    %s / %s\n", humanize.Comma(int64(st.Sessions)), humanize.Comma(int64(st.MaxPlayers)))
			return nil
		})
}

func playersCmd() *cobra.Command {
	return controlCommand("players", "List online players", cobra.NoArgs,
		func(ctx context.Context, c *control.Client, _ []string) error {
			players, err := c.Players(ctx)
			if err != nil {
				return err
			}
			if len(players) == 0 {
				fmt.Println("No players online.")
				return nil
			}
			for _, p := range players {
				enc := ""
				if p.Encrypted {
					enc = " (encrypted)"
				}
				fmt.Printf("%-16s %s:%d client %d%s\n", p.Name, p.Address, p.Port, p.ClientID, enc)
			}
			return nil
		})
}

func kickCmd() *cobra.Command {
	return controlCommand("kick <name> [reason]", "Disconnect a player", cobra.RangeArgs(1, 2),
		func(ctx context.Context, c *control.Client, args []string) error {
			reason := ""
			if len(args) == 2 {
				reason = args[1]
			}
			if err := c.Kick(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Kicked %s\n", args[0])
			return nil
		})
}

func blockCmd() *cobra.Command {
	return controlCommand("block <ip> <duration>", "Drop traffic from an address", cobra.ExactArgs(2),
		func(ctx context.Context, c *control.Client, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			if err := c.Block(ctx, args[0], d); err != nil {
				return err
			}
			fmt.Printf("Blocked %s for %s\n", args[0], d)
			return nil
		})
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var configPath, user, group string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("refusing to install with a broken config: %w", err)
			}
			cfg := service.DefaultConfig(configPath)
			cfg.User = user
			cfg.Group = group
			return service.Install(cfg)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	install.Flags().StringVar(&user, "user", "", "User to run as")
	install.Flags().StringVar(&group, "group", "", "Group to run as")

	var name string
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall(name)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd unit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsInstalled(name) {
				fmt.Printf("%s is not installed\n", name)
				return nil
			}
			st, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", name, st)
			return nil
		},
	}
	for _, c := range []*cobra.Command{uninstall, status} {
		c.Flags().StringVar(&name, "name", "rakgate", "Unit name")
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Printf("rakgate %s (%s, %s/%s)\n", info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}
