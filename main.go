package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var flagConfigPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskboard",
		Short:         "Real-time collaborative task board",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitStorageCmd())
	cmd.AddCommand(newGenTokenCmd())
	return cmd
}

// newLogger writes text to a terminal and JSON everywhere else.
func newLogger(debug bool) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
