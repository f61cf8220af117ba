package cli

import (
	"github.com/spf13/cobra"

	"espflash/pkg/flasher"
)

func newEraseFlashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase-flash",
		Short: "Erase the entire attached flash chip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return flasher.New(c).EraseFlash()
		},
	}
}

func newEraseRegionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase-region <offset> <size>",
		Short: "Erase a sector-aligned region of flash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseOffset(args[0])
			if err != nil {
				return err
			}
			size, err := parseOffset(args[1])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return flasher.New(c).EraseRegion(offset, size)
		},
	}
}
