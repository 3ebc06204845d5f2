// trafficd runs one of three small network services:
//
//	chat     a line-based TCP chat room (default)
//	unusual  a UDP key-value store
//	speed    the speed limit enforcement server for cameras and ticket dispatchers
//
// Configuration comes from defaults, an optional YAML file, TRAFFICD_* environment variables and
// flags, in increasing order of precedence. See the config package.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/benjaminclauss/trafficd/config"
	"github.com/benjaminclauss/trafficd/speeddaemon"
	"github.com/benjaminclauss/trafficd/ticketfeed"
)

const (
	commandChat    = "chat"
	commandUnusual = "unusual"
	commandSpeed   = "speed"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath   string
		listen       string
		statusListen string
		logLevel     string
		logFormat    string
		showVersion  bool
		help         bool
	)

	flagSet := pflag.NewFlagSet("trafficd", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (or $"+config.EnvConfigPath+")")
	flagSet.StringVar(&listen, "listen", "", "address the selected service listens on")
	flagSet.StringVar(&statusListen, "status-listen", "", "address for the build info and metrics page (empty disables)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if help {
		printHelp(stdout, flagSet)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "trafficd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	}

	command, err := parseCommand(flagSet.Args())
	if err != nil {
		return err
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		switch command {
		case commandChat:
			cfg.Chat.Listen = listen
		case commandUnusual:
			cfg.Unusual.Listen = listen
		case commandSpeed:
			cfg.Speed.Listen = listen
		}
	}
	if flagSet.Changed("status-listen") {
		cfg.Status.Listen = statusListen
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	handler, err := newLogHandler(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting trafficd", "command", command, "version", Version, "commit", Commit)
	return serve(ctx, command, cfg)
}

func parseCommand(args []string) (string, error) {
	switch len(args) {
	case 0:
		return commandChat, nil
	case 1:
		switch args[0] {
		case commandChat, commandUnusual, commandSpeed:
			return args[0], nil
		}
		return "", fmt.Errorf("unknown command %q (want %s, %s or %s)", args[0], commandChat, commandUnusual, commandSpeed)
	default:
		return "", fmt.Errorf("unexpected argument: %s", args[1])
	}
}

// serve runs command and the optional status page until ctx is cancelled or one of them fails.
// Every listener is opened before anything starts, so a bad address fails fast.
func serve(ctx context.Context, command string, cfg *config.Config) error {
	var (
		closers  []io.Closer
		services []func(context.Context) error
	)
	fail := func(err error) error {
		for _, c := range closers {
			CloseOrLog(c)
		}
		return err
	}

	if cfg.Status.Listen != "" {
		l, err := net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return fmt.Errorf("status listener: %w", err)
		}
		closers = append(closers, l)
		services = append(services, func(ctx context.Context) error {
			return serveStatus(ctx, l)
		})
	}

	switch command {
	case commandChat:
		l, err := net.Listen("tcp", cfg.Chat.Listen)
		if err != nil {
			return fail(fmt.Errorf("chat listener: %w", err))
		}
		chat := NewBudgetChat(cfg.Chat.Welcome)
		services = append(services, func(ctx context.Context) error {
			return chat.Serve(ctx, l)
		})
	case commandUnusual:
		conn, err := net.ListenPacket("udp", cfg.Unusual.Listen)
		if err != nil {
			return fail(fmt.Errorf("unusual listener: %w", err))
		}
		db := NewUnusualDatabaseProgram(cfg.Unusual.Version)
		services = append(services, func(ctx context.Context) error {
			return db.Serve(ctx, conn)
		})
	case commandSpeed:
		speed, err := speedServices(ctx, cfg.Speed)
		if err != nil {
			return fail(err)
		}
		services = append(services, speed...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, service := range services {
		g.Go(func() error {
			return service(ctx)
		})
	}
	return g.Wait()
}

// speedServices prepares the speed limit enforcement server and, when configured, its ticket feed.
func speedServices(ctx context.Context, cfg config.SpeedConfig) ([]func(context.Context) error, error) {
	var (
		services []func(context.Context) error
		observer speeddaemon.TicketObserver
		closer   io.Closer
	)
	if cfg.TicketFeed.Enabled() {
		publisher, err := ticketfeed.NewRedisPublisher(ctx, cfg.TicketFeed)
		if err != nil {
			return nil, err
		}
		feed := ticketfeed.New(publisher, cfg.TicketFeed.Buffer)
		services = append(services, func(ctx context.Context) error {
			defer CloseOrLog(publisher)
			return feed.Run(ctx)
		})
		observer = feed
		closer = publisher
		slog.Info("publishing tickets", "redis_addr", cfg.TicketFeed.RedisAddr, "channel", cfg.TicketFeed.Channel)
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		if closer != nil {
			CloseOrLog(closer)
		}
		return nil, fmt.Errorf("speed listener: %w", err)
	}
	server := speeddaemon.NewSpeedLimitEnforcementServer(cfg.InboundQueue, observer)
	services = append(services, func(ctx context.Context) error {
		return server.Serve(ctx, l)
	})
	return services, nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `trafficd runs a chat room, a UDP key-value store or a speed limit enforcement server.

Usage:
  trafficd [flags] [chat|unusual|speed]

Flags:
%s`, flagSet.FlagUsages())
}
