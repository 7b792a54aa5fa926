// Command ircoin is the IRC mining game: a broadcaster that announces
// transactions to mine, a miner that solves them, and a one-shot mine
// subcommand for arbitrary text.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ircoin/src/broadcaster"
	"ircoin/src/game"
	"ircoin/src/irc"
	"ircoin/src/metrics"
	"ircoin/src/miner"
	"ircoin/src/pow"
	"ircoin/src/settings"
	"ircoin/src/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	args := settings.GetSettings()

	root := &cobra.Command{
		Use:           "ircoin",
		Short:         "A proof-of-work mining game played over IRC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if args.ConfigFile != "" {
				if err := applyConfigFile(cmd.Flags(), args); err != nil {
					return err
				}
			}
			return args.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&args.Host, "host", args.Host, "IRC server host to connect to")
	pf.IntVar(&args.Port, "port", args.Port, "IRC server port")
	pf.StringVarP(&args.Channel, "channel", "c", args.Channel, "IRC channel to join")
	pf.StringVar(&args.ConfigFile, "config", "", "Path to a YAML config file")
	pf.BoolVar(&args.Debug, "debug", false, "Enable debug logging")

	root.AddCommand(newBroadcasterCommand(args))
	root.AddCommand(newMinerCommand(args))
	root.AddCommand(newMineCommand(args))
	return root
}

// applyConfigFile overlays the config file onto args for every flag the
// user did not set explicitly, so flags always win over the file.
func applyConfigFile(flags *pflag.FlagSet, args *settings.Arguments) error {
	fileArgs := settings.Defaults()
	if err := settings.LoadConfigFile(fileArgs, args.ConfigFile); err != nil {
		return err
	}

	overlay := map[string]func(){
		"host":            func() { args.Host = fileArgs.Host },
		"port":            func() { args.Port = fileArgs.Port },
		"channel":         func() { args.Channel = fileArgs.Channel },
		"nick":            func() { args.Nick = fileArgs.Nick },
		"difficulty":      func() { args.Difficulty = fileArgs.Difficulty },
		"workers":         func() { args.Workers = fileArgs.Workers },
		"store":           func() { args.StorePath = fileArgs.StorePath },
		"cron":            func() { args.CronSpec = fileArgs.CronSpec },
		"metrics-addr":    func() { args.MetricsAddr = fileArgs.MetricsAddr },
		"operator-secret": func() { args.OperatorSecret = fileArgs.OperatorSecret },
		"cooldown":        func() { args.CooldownSeconds = fileArgs.CooldownSeconds },
		"debug":           func() { args.Debug = fileArgs.Debug },
	}
	for name, apply := range overlay {
		if f := flags.Lookup(name); f == nil || !f.Changed {
			apply()
		}
	}
	return nil
}

// initLogger configures zap the way every process logs: verbose
// development output in debug mode, JSON production output otherwise.
func initLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}

func newBroadcasterCommand(args *settings.Arguments) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcaster",
		Short: "Run the game master: announce transactions and keep score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBroadcaster(args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&args.Nick, "nick", "broadcaster", "Nickname to register with")
	f.IntVarP(&args.Difficulty, "difficulty", "d", args.Difficulty, "Difficulty for new transactions")
	f.StringVar(&args.StorePath, "store", "", "Ledger database file (default: in-memory)")
	f.StringVar(&args.CronSpec, "cron", "", "Cron spec for automatic broadcasts, e.g. '@every 30s'")
	f.StringVar(&args.MetricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics")
	f.StringVar(&args.OperatorSecret, "operator-secret", "", "Secret for privileged channel commands")
	f.IntVar(&args.CooldownSeconds, "cooldown", args.CooldownSeconds, "Seconds between submissions per miner")
	return cmd
}

func runBroadcaster(args *settings.Arguments) error {
	logger, err := initLogger(args.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := store.Open(args.StorePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	g := game.NewGame(ledger, args.Difficulty, time.Duration(args.CooldownSeconds)*time.Second, logger)

	client, err := irc.Dial(ctx, args.Host, args.Port, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Register(ctx, args.Nick); err != nil {
		return err
	}
	logger.Infow("connected", "host", args.Host, "port", args.Port, "channel", args.Channel)

	b, err := broadcaster.New(client, g, broadcaster.Config{
		Channel:        args.Channel,
		CronSpec:       args.CronSpec,
		OperatorSecret: args.OperatorSecret,
	}, m, logger)
	if err != nil {
		return err
	}

	console := broadcaster.NewConsole(os.Stdin, os.Stdout, logger)
	return supervise(ctx, args.MetricsAddr, reg, logger, func(ctx context.Context) error {
		return b.Run(ctx, console)
	})
}

func newMinerCommand(args *settings.Arguments) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "miner NAME",
		Short: "Run a mining client under the given nickname",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			args.Nick = posArgs[0]
			return runMiner(args)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&args.Workers, "workers", "w", 0, "Mining worker goroutines (0 = all CPUs)")
	f.StringVar(&args.MetricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics")
	return cmd
}

func runMiner(args *settings.Arguments) error {
	logger, err := initLogger(args.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	client, err := irc.Dial(ctx, args.Host, args.Port, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Register(ctx, args.Nick); err != nil {
		return err
	}
	logger.Infow("connected", "host", args.Host, "port", args.Port, "channel", args.Channel)

	worker := pow.NewMiner(args.Workers, m.HashesAttempted, m.HashRate, logger)
	mc := miner.New(client, worker, args.Channel, logger)

	return supervise(ctx, args.MetricsAddr, reg, logger, mc.Run)
}

func newMineCommand(args *settings.Arguments) *cobra.Command {
	var beginNonce uint64

	cmd := &cobra.Command{
		Use:   "mine DIFFICULTY TEXT",
		Short: "Mine arbitrary text once and print the nonce and hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			difficulty, err := strconv.Atoi(posArgs[0])
			if err != nil {
				return fmt.Errorf("invalid difficulty %q: %w", posArgs[0], err)
			}
			if difficulty < 1 || difficulty > 64 {
				return fmt.Errorf("difficulty must be between 1 and 64, got %d", difficulty)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			worker := pow.NewMiner(args.Workers, nil, nil, nil)
			nonce, hash, err := worker.Mine(ctx, posArgs[1], difficulty, beginNonce)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), nonce)
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&args.Workers, "workers", "w", 0, "Mining worker goroutines (0 = all CPUs)")
	f.Uint64Var(&beginNonce, "begin-nonce", 1, "Nonce to start scanning from")
	return cmd
}

// supervise runs the process body alongside the optional metrics listener
// and tears both down together.
func supervise(ctx context.Context, metricsAddr string, reg *prometheus.Registry, logger *zap.SugaredLogger, body func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp := new(errgroup.Group)
	if metricsAddr != "" {
		grp.Go(func() error {
			err := metrics.ListenAndServe(runCtx, metricsAddr, reg, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	grp.Go(func() error {
		defer cancel()
		return body(runCtx)
	})
	return grp.Wait()
}
