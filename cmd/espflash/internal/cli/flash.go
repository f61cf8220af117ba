package cli

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"espflash/pkg/flasher"
	"espflash/pkg/reset"
)

func newFlashCmd() *cobra.Command {
	var partitionCSV, bootloaderBin, after string
	var tableOffset, mmuPageSize uint32
	var compress, noVerify, noSkip bool

	cmd := &cobra.Command{
		Use:   "flash <elf-file>",
		Short: "Build a bootable image from an ELF and write the full layout to the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if partitionCSV == "" {
				return errors.New("cli: --partition-table is required")
			}
			elfBytes, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Annotatef(err, "cli: failed to read %s", args[0])
			}
			csvBytes, err := os.ReadFile(partitionCSV)
			if err != nil {
				return errors.Annotatef(err, "cli: failed to read %s", partitionCSV)
			}
			var bootloader []byte
			if bootloaderBin != "" {
				bootloader, err = os.ReadFile(bootloaderBin)
				if err != nil {
					return errors.Annotatef(err, "cli: failed to read %s", bootloaderBin)
				}
			}
			exit, err := parseExitStrategy(after)
			if err != nil {
				return err
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			opts := flasher.AppOptions{
				ELF:                  elfBytes,
				PartitionCSV:         csvBytes,
				Bootloader:           bootloader,
				PartitionTableOffset: tableOffset,
				MMUPageSize:          mmuPageSize,
				Write: flasher.WriteOptions{
					Skip:     !noSkip,
					Verify:   !noVerify,
					Compress: compress,
					Progress: newBarProgress(),
				},
			}
			if err := flasher.New(c).FlashApp(context.Background(), opts); err != nil {
				return errors.Trace(err)
			}
			return c.PostReset(exit)
		},
	}
	cmd.Flags().StringVar(&partitionCSV, "partition-table", "", "partition table CSV file (required)")
	cmd.Flags().StringVar(&bootloaderBin, "bootloader", "", "bootloader binary override")
	cmd.Flags().Var(hexFlag{&tableOffset}, "partition-table-offset", "partition table flash offset (default: target's)")
	cmd.Flags().Var(hexFlag{&mmuPageSize}, "mmu-page-size", "expected app-descriptor MMU page size")
	cmd.Flags().BoolVar(&compress, "compress", true, "send data DEFLATE-compressed")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip post-write MD5 verification")
	cmd.Flags().BoolVar(&noSkip, "no-skip", false, "always write, even if flash already matches")
	cmd.Flags().StringVar(&after, "after", "hard-reset", "exit strategy: hard-reset, soft-reset, watchdog-reset, no-reset")
	return cmd
}

func parseExitStrategy(s string) (reset.ExitStrategy, error) {
	switch s {
	case "hard-reset":
		return reset.ExitHard, nil
	case "soft-reset":
		return reset.ExitSoft, nil
	case "watchdog-reset":
		return reset.ExitWatchdog, nil
	case "no-reset":
		return reset.ExitNone, nil
	default:
		return reset.ExitNone, errors.Errorf("cli: unknown --after value %q", s)
	}
}
