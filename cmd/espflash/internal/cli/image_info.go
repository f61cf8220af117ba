package cli

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"espflash/pkg/chip"
	"espflash/pkg/image"
)

func newImageInfoCmd() *cobra.Command {
	var chipName, flashSize, flashMode string
	var flashFreq int
	var directBoot, hashAppended bool

	cmd := &cobra.Command{
		Use:   "image-info <elf-file>",
		Short: "Build a bootable image from an ELF and print its header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chipName == "" {
				return errors.New("cli: --chip is required")
			}
			id, err := parseChipHint(chipName)
			if err != nil {
				return err
			}
			target, err := chip.Get(id)
			if err != nil {
				return err
			}

			elfBytes, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Annotatef(err, "cli: failed to read %s", args[0])
			}

			mode, err := chip.ParseFlashMode(flashMode)
			if err != nil {
				return err
			}
			size, err := parseFlashSize(flashSize)
			if err != nil {
				return err
			}
			params := chip.FlashParams{SizeBytes: size, Mode: mode, FreqMHz: flashFreq}
			if err := params.Validate(target); err != nil {
				return err
			}

			format := image.FormatIDF
			if directBoot {
				format = image.FormatDirectBoot
			}
			out, err := image.Build(elfBytes, image.Options{
				Target:       target,
				FlashParams:  params,
				Format:       format,
				HashAppended: hashAppended,
			})
			if err != nil {
				return errors.Trace(err)
			}

			fmt.Printf("chip:        %s\n", target.ID)
			fmt.Printf("image bytes: %d\n", len(out))
			if format == image.FormatIDF {
				fmt.Printf("magic:       0x%02x\n", out[0])
				fmt.Printf("segments:    %d\n", out[1])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chipName, "chip", "", "target chip (required)")
	cmd.Flags().StringVar(&flashSize, "flash-size", "4M", "flash size (e.g. 4M, 16M)")
	cmd.Flags().StringVar(&flashMode, "flash-mode", "dio", "flash mode: qio, qout, dio, dout")
	cmd.Flags().IntVar(&flashFreq, "flash-freq", 40, "flash frequency in MHz")
	cmd.Flags().BoolVar(&directBoot, "direct-boot", false, "produce the historical direct-boot format")
	cmd.Flags().BoolVar(&hashAppended, "hash-appended", true, "append a SHA-256 trailer")
	return cmd
}

func parseFlashSize(s string) (int, error) {
	v, err := parseOffset(s[:len(s)-1])
	if err == nil {
		switch s[len(s)-1] {
		case 'M', 'm':
			return int(v) << 20, nil
		case 'K', 'k':
			return int(v) << 10, nil
		}
	}
	n, err := parseOffset(s)
	if err != nil {
		return 0, errors.Annotatef(err, "cli: invalid flash size %q", s)
	}
	return int(n), nil
}
