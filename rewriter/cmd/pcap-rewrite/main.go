package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/pcap-platform/pcaprewrite/common/logging"
	"github.com/pcap-platform/pcaprewrite/rewriter"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to an optional configuration file.
	ConfigPath string

	ServerSubnet string
	ServerMAC    string
	ClientSubnet string
	ClientMAC    string
	Auto         string
	LogLevel     string
}

var rootCmd = &cobra.Command{
	Use:   "pcap-rewrite <pcap_file>",
	Short: "Anonymize IP and MAC addresses in a capture using tcpprep and tcprewrite",
	Args:  cobra.ExactArgs(1),
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd, args[0]); err != nil {
			if errors.As(err, &Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to an optional YAML configuration file")
	flags.StringVar(&cmd.ServerSubnet, "server_subnet", "", "New server subnet (e.g. 192.168.1.0/24)")
	flags.StringVar(&cmd.ServerMAC, "server_mac", "", "Destination MAC for server->client packets (e.g. 00:11:22:33:44:55)")
	flags.StringVar(&cmd.ClientSubnet, "client_subnet", "", "New client subnet (e.g. 10.0.0.0/24)")
	flags.StringVar(&cmd.ClientMAC, "client_mac", "", "Destination MAC for client->server packets (e.g. AA:BB:CC:DD:EE:FF)")
	flags.StringVar(&cmd.Auto, "auto", "", "tcpprep auto mode: first (try auto, fall back), only (auto or fail), none (skip)")
	flags.StringVar(&cmd.LogLevel, "log-level", "", "Logging level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, pcapFile string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Complete(os.Stdin, os.Stdout); err != nil {
		return err
	}

	r := rewriter.NewRewriter(cfg, pcapFile, rewriter.WithLog(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var output string
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		defer cancel()

		out, err := r.Run(ctx)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		if errors.As(err, &Interrupted{}) {
			log.Infof("caught signal: %v", err)
			return err
		}
		return nil
	})

	if err := wg.Wait(); err != nil {
		return err
	}

	fmt.Printf("Rewritten pcap file saved to: %s\n", output)
	return nil
}

// loadConfig merges the optional configuration file with explicit flags;
// flags win.
func loadConfig(cmd Cmd) (*rewriter.Config, error) {
	cfg := rewriter.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := rewriter.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.ServerSubnet != "" {
		cfg.ServerSubnet = cmd.ServerSubnet
	}
	if cmd.ServerMAC != "" {
		cfg.ServerMAC = cmd.ServerMAC
	}
	if cmd.ClientSubnet != "" {
		cfg.ClientSubnet = cmd.ClientSubnet
	}
	if cmd.ClientMAC != "" {
		cfg.ClientMAC = cmd.ClientMAC
	}
	if cmd.Auto != "" {
		cfg.Auto = cmd.Auto
	}
	if cmd.LogLevel != "" {
		level, err := zapcore.ParseLevel(cmd.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.Logging.Level = level
	}

	return cfg, nil
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received
// or the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
