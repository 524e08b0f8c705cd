package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/biscuit-teach/miniswap/internal/mem"
)

var fsckSwapCmd = &cobra.Command{
	Use:   "fsck-swap [path]",
	Short: "Report the slot geometry of a swap backing file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("swap-file")
		if len(args) == 1 {
			path = args[0]
		}

		st, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "fsck-swap: stat %q", path)
		}

		size := st.Size()
		pgsize := int64(mem.PGSIZE)
		if size%pgsize != 0 {
			return errors.Errorf("fsck-swap: %q size %d is not a multiple of page size %d (truncated write?)", path, size, pgsize)
		}

		fmt.Printf("%s: %d slots (%d bytes)\n", path, size/pgsize, size)
		return nil
	},
}
