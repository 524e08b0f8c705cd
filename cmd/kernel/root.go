// Command kernel is the CLI entry point for this teaching kernel's
// library-kernel harness: a "boot" subcommand that assembles and runs
// an instance, and a "fsck-swap" subcommand that inspects a swap
// backing file offline (mirroring gcsfuse's cmd package layout: one
// root command, cobra subcommands for the things that can be driven
// from outside a live mount).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/biscuit-teach/miniswap/internal/kernel"
)

var rootCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Boot and inspect the miniswap teaching kernel",
}

func init() {
	rootCmd.PersistentFlags().String("config-file", "", "path to a YAML config file")
	if err := kernel.BindFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(bootCmd, fsckSwapCmd)
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config-file")
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Fatal("reading config file")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
