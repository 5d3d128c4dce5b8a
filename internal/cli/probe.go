package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vincentbai/sessiontrace/internal/capture"
	"github.com/vincentbai/sessiontrace/internal/config"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

type probeOptions struct {
	configPath string
	apiURL     string
	sdkKey     string
	encoding   string
	events     int
	snapshots  int
	interval   time.Duration
	wait       time.Duration
}

// NewProbeCmd creates the sessiontrace-probe command.
func NewProbeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "sessiontrace-probe",
		Short: "Drive a capture engine against a collector",
		Long: `Runs one synthetic session through a capture engine: a page view,
a series of clicks and recorder snapshots, then an unload. Batches go out
through the regular transport and the final drain through the beacon.

The capture config file is optional; --api-url and --sdk-key override it.`,
		Example: `  sessiontrace-probe --api-url http://127.0.0.1:8123 --sdk-key dev
  sessiontrace-probe --config capture.yaml --events 200 --interval 10ms --encoding lz`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCapture(opts.configPath)
			if err != nil {
				return err
			}
			if opts.apiURL != "" {
				cfg.APIURL = opts.apiURL
			}
			if opts.sdkKey != "" {
				cfg.SDKKey = opts.sdkKey
			}
			if opts.encoding != "" {
				cfg.SnapshotEncoding = opts.encoding
			}
			logger := log.New(cmd.ErrOrStderr(), "probe: ", log.LstdFlags|log.Lmicroseconds)
			return runProbe(cmd.Context(), cfg, opts, logger, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "capture config YAML file")
	cmd.Flags().StringVar(&opts.apiURL, "api-url", "", "collector base URL")
	cmd.Flags().StringVar(&opts.sdkKey, "sdk-key", "", "SDK key")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "", "snapshot encoding: json, gzip, gzip-buffer or lz")
	cmd.Flags().IntVar(&opts.events, "events", 20, "number of click events")
	cmd.Flags().IntVar(&opts.snapshots, "snapshots", 5, "number of recorder snapshots")
	cmd.Flags().DurationVar(&opts.interval, "interval", 50*time.Millisecond, "delay between captures")
	cmd.Flags().DurationVar(&opts.wait, "wait", 5*time.Second, "how long to wait for in-flight requests on exit")

	return cmd
}

func runProbe(ctx context.Context, cfg capture.Config, opts probeOptions, logger *log.Logger, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var sends sync.WaitGroup
	beacon := transport.NewBeacon(cfg.WithDefaults().RequestTimeout, cfg.BeaconMaxBytes, logger)

	page := capture.Page{URL: "https://probe.sessiontrace.local/checkout", Path: "/checkout", Title: "Probe checkout"}
	hostname, _ := os.Hostname()
	engine := capture.New(cfg,
		capture.WithLogger(logger),
		capture.WithBeacon(beacon),
		capture.WithPage(func() capture.Page { return page }),
		capture.WithDevice(models.DeviceInfo{
			Viewport:  models.Viewport{Width: 1280, Height: 720},
			Language:  "en-US",
			UserAgent: "sessiontrace-probe/" + hostname,
			Platform:  runtime.GOOS,
			Timezone:  time.Local.String(),
		}),
		capture.WithDispatch(func(f func()) {
			sends.Add(1)
			go func() {
				defer sends.Done()
				f()
			}()
		}),
	)
	if err := engine.Err(); err != nil {
		return err
	}

	engine.Page()
	engine.Identify("probe-user", map[string]any{"source": "probe"})
	for i := 0; i < opts.events || i < opts.snapshots; i++ {
		if i < opts.events {
			engine.Track("click", map[string]any{"x": 10 * i, "y": 20 * i, "target": fmt.Sprintf("button#b%d", i)})
		}
		if i < opts.snapshots {
			engine.CaptureSnapshot(syntheticSnapshot(i, time.Now()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.interval):
		}
	}

	engine.OnHidden()
	stats := engine.Stats()
	engine.Teardown()

	waitCtx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sends.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		logger.Printf("gave up waiting for in-flight sends")
	}
	if err := beacon.Wait(waitCtx); err != nil {
		logger.Printf("gave up waiting for beacons: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d events, %d snapshots captured; %d events and %d snapshots evicted\n",
		stats.SessionID, opts.events, opts.snapshots, stats.DroppedEvents, stats.DroppedSnapshots)
	return nil
}

// syntheticSnapshot builds a recorder-shaped event: a full snapshot first,
// incremental mutations after.
func syntheticSnapshot(i int, now time.Time) map[string]any {
	if i == 0 {
		return map[string]any{
			"type":      2,
			"timestamp": now.UnixMilli(),
			"data": map[string]any{
				"node": map[string]any{"type": 0, "childNodes": []any{}, "id": 1},
			},
		}
	}
	return map[string]any{
		"type":      3,
		"timestamp": now.UnixMilli(),
		"data": map[string]any{
			"source": 0,
			"adds":   []any{map[string]any{"parentId": 1, "node": map[string]any{"type": 3, "textContent": fmt.Sprintf("tick %d", i), "id": i + 1}}},
		},
	}
}
