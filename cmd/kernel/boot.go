package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/biscuit-teach/miniswap/internal/defs"
	"github.com/biscuit-teach/miniswap/internal/kernel"
	"github.com/biscuit-teach/miniswap/internal/trapframe"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Assemble a kernel instance and run init to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := kernel.LoadConfig()
		if err != nil {
			return err
		}

		k, err := kernel.Boot(cfg)
		if err != nil {
			return err
		}
		defer k.Shutdown()

		// Drive init's exit directly: this harness has no CPU interpreter
		// to fetch instructions from the loaded image, so the boot
		// subcommand demonstrates the lifecycle spec.md §8's scenarios
		// exercise in tests — load, run, reap — by issuing init's own
		// _exit(0) on its behalf (spec.md §4.5 "exit").
		k.Init.EntryFrame.Words[trapframe.R_SYSNO] = uint32(defs.SYS_EXIT)
		k.Init.EntryFrame.Words[trapframe.R_A0] = 0
		k.DispatchInit()

		logrus.WithField("pid", k.Init.Pid).Info("init exited, kernel halting")
		return nil
	},
}
