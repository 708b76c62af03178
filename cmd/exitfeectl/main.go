package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts clientOptions

	rootCmd := &cobra.Command{
		Use:           "exitfeectl",
		Short:         "Operator tool for the exit fee service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	viper.AutomaticEnv()
	viper.SetDefault("EXITFEE_SERVER", "http://localhost:8080")

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", viper.GetString("EXITFEE_SERVER"), "exit fee service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.secret, "secret", viper.GetString("JWT_SECRET"), "HS256 secret used to sign the admin token")
	rootCmd.PersistentFlags().StringVar(&opts.operator, "operator", "exitfeectl", "subject of the admin token")

	rootCmd.AddCommand(sweepCmd(&opts))
	rootCmd.AddCommand(stuckCmd(&opts))
	rootCmd.AddCommand(reportCmd(&opts))
	rootCmd.AddCommand(revenueCmd(&opts))
	rootCmd.AddCommand(resolveCmd(&opts))
	return rootCmd
}
