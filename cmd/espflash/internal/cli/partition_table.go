package cli

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"espflash/pkg/partition"
)

func newPartitionTableCmd() *cobra.Command {
	var toBinary bool
	var flashSize, regionSize uint32

	cmd := &cobra.Command{
		Use:   "partition-table <in-file> <out-file>",
		Short: "Convert a partition table between CSV and binary form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Annotatef(err, "cli: failed to read %s", args[0])
			}

			if toBinary {
				table, err := partition.ParseCSV(string(in))
				if err != nil {
					return errors.Trace(err)
				}
				if err := table.Validate(flashSize); err != nil {
					return errors.Trace(err)
				}
				out, err := table.EncodeBinary(regionSize)
				if err != nil {
					return errors.Trace(err)
				}
				return os.WriteFile(args[1], out, 0o644)
			}

			table, err := partition.DecodeBinary(in)
			if err != nil {
				return errors.Trace(err)
			}
			return os.WriteFile(args[1], []byte(partition.WriteCSV(table)), 0o644)
		},
	}
	cmd.Flags().BoolVar(&toBinary, "to-binary", false, "convert CSV to binary (default: binary to CSV)")
	cmd.Flags().Var(hexFlag{&flashSize}, "flash-size", "flash size in bytes, for fit validation (CSV->binary only)")
	cmd.Flags().Var(hexFlag{&regionSize}, "region-size", "max binary table size (default 0xC00)")
	return cmd
}

// hexFlag lets --flash-size/--region-size accept 0x-prefixed values
// through cobra's pflag.Value interface.
type hexFlag struct {
	dst *uint32
}

func (h hexFlag) String() string {
	if h.dst == nil {
		return "0"
	}
	return fmt.Sprintf("0x%x", *h.dst)
}

func (h hexFlag) Set(s string) error {
	v, err := parseOffset(s)
	if err != nil {
		return err
	}
	*h.dst = v
	return nil
}

func (h hexFlag) Type() string { return "hex" }
