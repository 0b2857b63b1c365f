package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/tcfw/kernel/services/go/storage/devices"
	"github.com/tcfw/kernel/services/go/storage/drivers/block"
	"github.com/tcfw/kernel/services/go/storage/filesystems"
	"github.com/tcfw/kernel/services/go/storage/partition"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"k8s.io/klog/v2"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached disks and their partitions",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		s, teardown, err := bringUp(c.Context())
		if err != nil {
			return err
		}
		defer teardown()

		writeDeviceTable(c.Context(), s.Devices(), s.Mem())
		return nil
	},
}

type readOnlyer interface {
	ReadOnly() bool
}

func writeDeviceTable(ctx context.Context, devs []devices.Device, mem utils.DMAAllocator) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"NAME", "KIND", "DEV", "SIZE", "START", "TYPE", "FS", "RO"})
	t.SetStyle(table.StyleLight)

	for _, d := range devs {
		meta := d.Metadata()
		row := table.Row{
			d.Name(),
			d.Kind().String(),
			d.ID().String(),
			humanize.IBytes(meta.NrSectors * block.SectorSize),
			"-", "-", "-", "",
		}

		if p, ok := d.(*partition.Partition); ok {
			info := p.Info()
			row[4] = strconv.FormatUint(info.Start, 10)
			row[5] = partitionType(info)
			row[6] = fileSystemHint(ctx, p, mem).String()
		}

		if ro, ok := d.(readOnlyer); ok && ro.ReadOnly() {
			row[7] = color.HiYellowString("yes")
		}

		t.AppendRow(row)
	}

	t.Render()
}

// fileSystemHint prefers what the boot sector says over the partition table.
func fileSystemHint(ctx context.Context, p *partition.Partition, mem utils.DMAAllocator) filesystems.FileSystemType {
	boot := make([]byte, block.SectorSize)
	if err := block.ReadSectors(ctx, p, mem, 0, boot); err != nil {
		klog.V(2).InfoS("reading boot sector", "device", p.Name(), "err", err)
		return p.Info().FileSystem()
	}
	if fs := filesystems.Probe(boot); fs != filesystems.FileSystemUnknown {
		return fs
	}
	return p.Info().FileSystem()
}

func partitionType(info *partition.Info) string {
	if info.Scheme == partition.SchemeGPT {
		return info.TypeGUID.String()
	}
	return fmt.Sprintf("%#02x", info.Type)
}
