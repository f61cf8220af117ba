package cli

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"espflash/pkg/flasher"
	"espflash/pkg/image"
)

func newWriteFlashCmd() *cobra.Command {
	var compress, noVerify, noSkip, reboot bool

	cmd := &cobra.Command{
		Use:   "write-flash <offset> <file> [<offset> <file> ...]",
		Short: "Write one or more binary files to flash offsets",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args)%2 != 0 {
				return errors.New("cli: write-flash needs offset/file pairs")
			}
			segments, err := loadSegments(args)
			if err != nil {
				return err
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			f := flasher.New(c)
			if err := f.SpiAttach(); err != nil {
				return err
			}
			if err := f.SetFlashParams(f.DefaultFlashParams()); err != nil {
				return err
			}

			opts := flasher.WriteOptions{
				Skip:     !noSkip,
				Verify:   !noVerify,
				Compress: compress,
				Reboot:   reboot,
				Progress: newBarProgress(),
			}
			return f.WriteFlash(context.Background(), segments, opts)
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", true, "send data DEFLATE-compressed")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip post-write MD5 verification")
	cmd.Flags().BoolVar(&noSkip, "no-skip", false, "always write, even if flash already matches")
	cmd.Flags().BoolVar(&reboot, "reboot", true, "reboot the target after the final write")
	return cmd
}

func loadSegments(args []string) ([]image.Segment, error) {
	segments := make([]image.Segment, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		offset, err := parseOffset(args[i])
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(args[i+1])
		if err != nil {
			return nil, errors.Annotatef(err, "cli: failed to read %s", args[i+1])
		}
		segments = append(segments, image.Segment{Addr: offset, Data: data, Kind: image.Flash})
	}
	return segments, nil
}

func parseOffset(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "cli: invalid offset %q", s)
	}
	return uint32(v), nil
}
