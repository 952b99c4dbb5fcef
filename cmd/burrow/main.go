package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shhac/burrow/internal/app"
	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/logging"
)

func main() {
	if err := runApp(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// runApp is the main entry point with panic recovery.
func runApp() (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

// cli carries state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "burrow",
		Short:         "Call gRPC services from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default $BURROW_CONFIG_DIR/config.yaml)")
	flags.Bool("debug", false, "enable debug logging")
	flags.Bool("reflection", false, "load descriptors from the server via reflection")
	flags.String("address", "", "default server address (host:port or http(s)://host:port)")
	flags.StringSlice("include", nil, "import path for .proto files")
	flags.StringSlice("proto", nil, ".proto file to compile")
	flags.StringSlice("protoset", nil, "compiled FileDescriptorSet file")
	flags.StringSlice("saved", nil, "name of a saved descriptor set")
	flags.Duration("timeout", 0, "per-call timeout")
	flags.Bool("tls", false, "use TLS")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.String("bearer", "", "bearer token")
	flags.String("basic", "", "basic credentials as user:password")

	for key, name := range map[string]string{
		"debug":                  "debug",
		"reflection":             "reflection",
		"server.default_address": "address",
		"includes":               "include",
		"files":                  "proto",
		"protosets":              "protoset",
		"saved":                  "saved",
		"server.timeout":         "timeout",
		"server.tls.enabled":     "tls",
		"server.tls.skip_verify": "insecure",
		"auth.bearer":            "bearer",
		"auth.basic":             "basic",
	} {
		if err := c.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.AddCommand(
		c.listCmd(),
		c.describeCmd(),
		c.templateCmd(),
		c.callCmd(),
		c.exportCmd(),
		c.saveCmd(),
	)
	return root
}

// withClient loads configuration, opens the log and runs fn with a client.
func (c *cli) withClient(cmd *cobra.Command, fn func(context.Context, *app.Client) error) error {
	cfg, err := app.LoadConfig(c.v, c.configFile)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{
		AppName: "burrow",
		Debug:   cfg.Debug,
		Path:    cfg.LogFile,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx := cmd.Context()
	client, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("shutdown", slog.Any("error", err))
		}
	}()
	return fn(ctx, client)
}

// printError renders err the way Classify describes it.
func printError(err error) {
	d := errors.Classify(err)
	if d == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", d.Title, d.Message)
	if d.Details != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", strings.ReplaceAll(d.Details, "\n", "\n  "))
	}
	for _, r := range d.Recovery {
		fmt.Fprintf(os.Stderr, "  - %s\n", r)
	}
}
