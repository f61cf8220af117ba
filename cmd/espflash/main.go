// Command espflash is the CLI entry point: flash, write-flash, read-flash,
// erase-flash, erase-region, image-info, and partition-table
// subcommands over package conn/flasher/image/partition.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"espflash/cmd/espflash/internal/cli"
)

func main() {
	// glog registers its flags on the standard flag set; parse it so
	// logging doesn't warn, while cobra owns the real argument list.
	flag.CommandLine.Parse(nil)
	defer glog.Flush()
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "espflash:", err)
		os.Exit(1)
	}
}
