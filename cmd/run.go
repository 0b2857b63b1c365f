package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tcfw/kernel/services/go/storage/config"
	"github.com/tcfw/kernel/services/go/storage/metrics"
	"github.com/tcfw/kernel/services/go/storage/uevent"
	"k8s.io/klog/v2"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the disks, serve metrics and print uevents until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		ctx := c.Context()

		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return errors.Wrap(err, "registering metrics")
		}

		if addr := v.GetString(config.KeyMetricsAddress); addr != "" {
			srv := &http.Server{Addr: addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					klog.ErrorS(err, "metrics server", "address", addr)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			klog.InfoS("serving metrics", "address", addr)
		}

		s, teardown, err := bringUp(ctx)
		if err != nil {
			return err
		}
		defer teardown()

		writeDeviceTable(ctx, s.Devices(), s.Mem())
		return printEvents(ctx, s.Events())
	},
}

func init() {
	runCmd.Flags().String("metrics-address", "", "Serve prometheus metrics on this address, e.g. :9100")
	if err := v.BindPFlag(config.KeyMetricsAddress, runCmd.Flags().Lookup("metrics-address")); err != nil {
		panic(err)
	}
}

func printEvents(ctx context.Context, q *uevent.Queue) error {
	for {
		ev, err := q.Next(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}

		env := strings.TrimSpace(strings.ReplaceAll(uevent.FormatEnv(ev.Env), "\n", " "))
		color.New(color.FgHiGreen).Fprintf(os.Stdout, "%-7s", ev.Action)
		fmt.Fprintf(os.Stdout, " %d %s %s\n", ev.Seq, ev.DevPath, env)
	}
}
