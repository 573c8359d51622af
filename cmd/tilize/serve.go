package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/ingest"
	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/monitoring"
)

const version = "0.1.0"

func newServeCmd() *cobra.Command {
	var (
		shapeFlag string
		hostFlag  string
		consume   bool
		slowPush  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Arrow Flight ingest into simulated device queues",
		Long: "Device memory is sized for tensors of --shape. With --consume a background\n" +
			"consumer drains published entries so streaming queues never stay full.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			descs, err := engine.LoadDescriptors(cfg.Queue.Descriptors)
			if err != nil {
				return err
			}
			dims, err := parseDims(shapeFlag, 4)
			if err != nil {
				return err
			}
			host, err := format.Parse(hostFlag)
			if err != nil {
				return err
			}
			s, err := newSession(cfg, descs, [4]int(dims), host)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if consume {
				d := s.startDrainer(ctx)
				defer d.stop(nil)
			}

			hm := monitoring.NewHealthMonitor(version, s.eng, monitoring.Thresholds{SlowPush: slowPush})
			go func() {
				if err := hm.Start(cfg.Server.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Log.Error("Health monitor stopped", "error", err)
				}
			}()

			srv := ingest.NewServer(s.eng, descs, ingest.Options{
				Timeout:         cfg.Queue.PushTimeout,
				MaxMessageBytes: cfg.Server.MaxMessageBytes,
				Observer:        hm,
			})
			if err := srv.Start(cfg.Server.FlightAddr); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Log.Info("Shutting down")
			srv.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hm.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&shapeFlag, "shape", "1x1x32x32", "Tensor shape WxZxRxC device memory is sized for")
	cmd.Flags().StringVar(&hostFlag, "host-format", "Float32", "Host data format")
	cmd.Flags().BoolVar(&consume, "consume", true, "Drain published entries in the background")
	cmd.Flags().DurationVar(&slowPush, "slow-push", time.Second, "Raise an alert for pushes slower than this (0 disables)")
	return cmd
}
