// Package cli wires the espflash command tree. Each subcommand opens a
// Connection, runs the entry sequence, optionally loads the stub, and
// delegates to package flasher/image/partition for the actual work.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagPort      string
	flagBaud      int
	flagFlashBaud int
	flagNoStub    bool
	flagChipHint  string
)

// Execute builds and runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "espflash",
		Short: "Flash and inspect Espressif SoCs over a serial bootloader connection",
	}
	root.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "serial port device (required)")
	root.PersistentFlags().IntVarP(&flagBaud, "baud", "b", 115200, "initial baud rate")
	root.PersistentFlags().IntVar(&flagFlashBaud, "flash-baud", 0, "switch to this baud rate after connecting (0 keeps the initial rate)")
	root.PersistentFlags().BoolVar(&flagNoStub, "no-stub", false, "stay in ROM mode, skip stub upload")
	root.PersistentFlags().StringVar(&flagChipHint, "chip", "", "skip auto-detection and assume this chip (e.g. esp32c6)")

	root.AddCommand(
		newFlashCmd(),
		newWriteFlashCmd(),
		newReadFlashCmd(),
		newEraseFlashCmd(),
		newEraseRegionCmd(),
		newImageInfoCmd(),
		newPartitionTableCmd(),
	)
	return root.Execute()
}
