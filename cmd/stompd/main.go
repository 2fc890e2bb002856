package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/a-essam23/stompd/pkg/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stompd",
		Short:         "A STOMP publish/subscribe broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "stompd", "config file name (without .yaml) looked up in the working directory")
	root.AddCommand(ServeCmd(), TokenCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.New(logging.LevelInfo, "text").Error("Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
