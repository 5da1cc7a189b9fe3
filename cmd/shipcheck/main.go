package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BearBump/ShipCheck/config"
)

var version = "0.1.0"

type globalFlags struct {
	configPath string
	logLevel   string
}

var flags globalFlags

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func commonFlagSet(f *globalFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("common", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv("configPath"), "path to the yaml config (env configPath)")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug | info | warn | error")
	return fs
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shipcheck",
		Short:         "Periodic shipment status checks against carrier APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(flags.logLevel)
			return nil
		},
	}
	root.PersistentFlags().AddFlagSet(commonFlagSet(&flags))

	var loop bool
	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Enqueue checks for shipments that are due",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return report(RunDispatch(cmd.Context(), cfg, defaultFactories(), loop))
		},
	}
	dispatchCmd.Flags().BoolVar(&loop, "loop", false, "keep dispatching every dispatch_interval_seconds")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the check queue and call carriers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return report(RunWorker(cmd.Context(), cfg, defaultFactories()))
		},
	}

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Tail operator alerts into the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return report(RunAlerts(cmd.Context(), cfg))
		},
	}

	root.AddCommand(dispatchCmd, workerCmd, alertsCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	if flags.configPath == "" {
		err := fmt.Errorf("config path is required: set --config or configPath")
		slog.Error("load config", "error", err.Error())
		return nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		slog.Error("ошибка парсинга конфига", "path", flags.configPath, "error", err.Error())
		return nil, err
	}
	return cfg, nil
}

// report hides a clean shutdown and logs everything else.
func report(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	slog.Error("shipcheck stopped", "error", err.Error())
	return err
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h).With("service", "shipcheck", "version", version))
}
