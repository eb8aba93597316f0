package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/davischen/twopc/internal/config"
	"github.com/davischen/twopc/internal/logging"
)

var (
	opts       = config.Default()
	configFile string
	logger     = zap.NewNop()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "JSON file with option defaults; flags given on the command line win")
	opts.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(localCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(participantCmd)
	rootCmd.AddCommand(checkCmd)
}

var rootCmd = &cobra.Command{
	Use:           "twopc",
	Short:         "Two-phase commit between a coordinator, its clients and its participants",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfig(cmd); err != nil {
				return err
			}
		}
		if err := opts.Validate(); err != nil {
			return err
		}
		l, err := logging.New(opts.Verbosity)
		if err != nil {
			return err
		}
		logger = l
		logging.RouteGRPC(logger)
		return nil
	},
}

// loadConfig applies the config file under the flags the user set
// explicitly, so the command line keeps precedence.
func loadConfig(cmd *cobra.Command) error {
	return applyConfig(cmd.Flags(), &opts, configFile)
}

func applyConfig(fs *pflag.FlagSet, o *config.Options, path string) error {
	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})
	if err := o.Load(path); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "twopc:", err)
		os.Exit(1)
	}
}
