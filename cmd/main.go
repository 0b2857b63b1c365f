package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcfw/kernel/services/go/storage/config"
	"k8s.io/klog/v2"
)

// Version is set at build time with -ldflags="-X main.Version=..."
var Version string

var v = config.New()

var mainCmd = &cobra.Command{
	Use:           "blkd",
	Short:         "Run the block I/O subsystem against emulated virtio disks",
	SilenceUsage:  true,
	SilenceErrors: false,
	Version:       Version,
}

func init() {
	if mainCmd.Version == "" {
		mainCmd.Version = "dev"
	}

	kflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(kflags)
	mainCmd.PersistentFlags().AddGoFlagSet(kflags)

	_ = kflags.Set("logtostderr", "true")

	flags := mainCmd.PersistentFlags()
	flags.String("retry-policy", config.PolicySpin, "How the driver waits on a full hardware queue: spin or backoff")
	flags.Duration("retry-initial", 50*time.Microsecond, "First backoff delay")
	flags.Duration("retry-max", 10*time.Millisecond, "Largest backoff delay")
	flags.Int("max-ebr-chain", 128, "Most logical partitions followed per disk")
	flags.StringSlice("image", nil, "Disk image file to attach, repeatable. Without any a blank in-memory disk is used")
	flags.Int64("size", 64<<20, "Size in bytes of the in-memory disk")
	flags.Bool("flush", true, "Offer the FLUSH feature on emulated disks")
	flags.Int("queues", 1, "Number of queues emulated disks advertise")
	flags.Bool("read-only", false, "Attach disks read only")
	flags.Int("uevent-depth", 256, "Uevents buffered before new ones are dropped")

	for key, name := range map[string]string{
		config.KeyRetryPolicy:      "retry-policy",
		config.KeyRetryInitial:     "retry-initial",
		config.KeyRetryMax:         "retry-max",
		config.KeyMaxEBRChain:      "max-ebr-chain",
		config.KeyEmulatorImages:   "image",
		config.KeyEmulatorSize:     "size",
		config.KeyEmulatorFlush:    "flush",
		config.KeyEmulatorQueues:   "queues",
		config.KeyEmulatorReadOnly: "read-only",
		config.KeyUeventDepth:      "uevent-depth",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	mainCmd.AddCommand(listCmd)
	mainCmd.AddCommand(dumpCmd)
	mainCmd.AddCommand(runCmd)
}

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s := <-sigs
		klog.V(1).Infof("Exiting on signal %v", s)
		cancel()
		<-time.After(5 * time.Second)
		os.Exit(1)
	}()

	if err := mainCmd.ExecuteContext(ctx); err != nil {
		klog.ErrorS(err, "unable to execute command")
		os.Exit(1)
	}
}
