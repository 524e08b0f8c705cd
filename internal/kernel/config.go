// Package kernel wires the independently testable subsystems
// (internal/mem, internal/swap, internal/vm, internal/proc,
// internal/vfs, internal/syscall) into one bootable instance (spec.md
// §2 "System overview"), the way gcsfuse's cmd/cfg layer assembles a
// mount out of otherwise-standalone packages.
package kernel

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every boot-time parameter (spec.md §2's frame count,
// swap geometry, and the TLB's associative-set size), bound via
// pflag/viper the same way gcsfuse's cfg.Config is populated from its
// root command's persistent flags.
type Config struct {
	Frames      int    `mapstructure:"frames"`
	FixedPrefix int    `mapstructure:"fixed-prefix"`
	TLBEntries  int    `mapstructure:"tlb-entries"`
	SwapSlots   int    `mapstructure:"swap-slots"`
	SwapFile    string `mapstructure:"swap-file"`
	InitPath    string `mapstructure:"init"`
}

// DefaultConfig returns the parameters a small single-init boot needs:
// enough frames to run init plus headroom for one swap round trip
// (spec.md §8 scenario 4's 3-frame sizing, scaled up for general use).
func DefaultConfig() Config {
	return Config{
		Frames:      256,
		FixedPrefix: 8,
		TLBEntries:  16,
		SwapSlots:   64,
		SwapFile:    "swap.img",
		InitPath:    "init",
	}
}

// BindFlags registers this config's fields as persistent flags on fs
// and binds them into viper, mirroring gcsfuse's cfg.BindFlags/cmd's
// rootCmd.PersistentFlags() + viper.Unmarshal pairing.
func BindFlags(fs *pflag.FlagSet) error {
	def := DefaultConfig()
	fs.Int("frames", def.Frames, "number of physical page frames in the coremap")
	fs.Int("fixed-prefix", def.FixedPrefix, "frames reserved at the low end for kernel use")
	fs.Int("tlb-entries", def.TLBEntries, "software TLB associative-set size")
	fs.Int("swap-slots", def.SwapSlots, "number of swap slots in the backing store")
	fs.String("swap-file", def.SwapFile, "path to the swap backing file")
	fs.String("init", def.InitPath, "path to the init program's ELF image")

	for _, name := range []string{"frames", "fixed-prefix", "tlb-entries", "swap-slots", "swap-file", "init"} {
		if err := viper.BindPFlag(name, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig unmarshals viper's bound values (flags, config file, and
// defaults, in that precedence) into a Config.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
