package cli

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"espflash/pkg/flasher"
)

func newReadFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-flash <offset> <length> <out-file>",
		Short: "Read a region of flash to a local file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseOffset(args[0])
			if err != nil {
				return err
			}
			length, err := parseOffset(args[1])
			if err != nil {
				return err
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			buf := make([]byte, length)
			f := flasher.New(c)
			if err := f.ReadFlash(context.Background(), offset, length, buf, newBarProgress()); err != nil {
				return errors.Trace(err)
			}
			return os.WriteFile(args[2], buf, 0o644)
		},
	}
	return cmd
}
