package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
)

var dumpCmd = &cobra.Command{
	Use:   "dump DEVICE SECTOR [COUNT]",
	Short: "Hex dump sectors of a disk or partition",
	Example: `  $ blkd dump vda 0
  $ blkd --image disk.img dump vda1 0 4`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(c *cobra.Command, args []string) error {
		sector, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return errors.Wrap(err, "parsing SECTOR")
		}
		count := uint64(1)
		if len(args) == 3 {
			if count, err = strconv.ParseUint(args[2], 0, 16); err != nil || count == 0 {
				return errors.Errorf("COUNT must be between 1 and 65535, got %q", args[2])
			}
		}

		s, teardown, err := bringUp(c.Context())
		if err != nil {
			return err
		}
		defer teardown()

		dev, ok := s.Manager().GetDevice(args[0])
		if !ok {
			return errors.Errorf("no device %q", args[0])
		}

		buf := make([]byte, count*block.SectorSize)
		if err := block.ReadSectors(c.Context(), dev, s.Mem(), block.SectorID(sector), buf); err != nil {
			return err
		}

		for i := uint64(0); i < count; i++ {
			fmt.Fprintln(os.Stdout, color.HiBlueString("%s sector %d", dev.Name(), sector+i))
			fmt.Fprint(os.Stdout, hex.Dump(buf[i*block.SectorSize:(i+1)*block.SectorSize]))
		}
		return nil
	},
}
