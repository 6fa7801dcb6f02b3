package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

func main() {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:   "seminarbot",
		Short: "Seminar slot registration bot",
		Long: `Seminarbot lets students register for seminar presentation slots through telegram,
asks their supervisors for approval by email and promotes students from waiting lists
when places free up.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./seminarbot.yaml)")

	rootCmd.AddCommand(newServeCmd(&cfgFile))
	rootCmd.AddCommand(newMigrateCmd(&cfgFile))
	rootCmd.AddCommand(newSweepCmd(&cfgFile))
	rootCmd.AddCommand(newSlotsCmd(&cfgFile))
	rootCmd.AddCommand(newStatsCmd(&cfgFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
