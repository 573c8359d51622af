package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/ingest"
)

func newSendCmd() *cobra.Command {
	var (
		tf      tensorFlags
		addr    string
		offline bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a tensor to a running ingest server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.FlightAddr
			}
			v, err := tf.load()
			if err != nil {
				return err
			}
			sh, err := tf.shuffleOptions()
			if err != nil {
				return err
			}

			c, err := ingest.Dial(addr, cfg.Server.MaxMessageBytes)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.SendTensor(cmd.Context(), ingest.Request{
				Queues:  tf.queues,
				Timeout: timeout,
				RAMSlot: tf.ramSlot,
				Offline: offline,
				Shuffle: sh,
			}, v)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	tf.register(cmd)
	_ = cmd.MarkFlagRequired("queue")
	cmd.Flags().StringVar(&addr, "addr", "", "Ingest server address (default server.flight_addr)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Write without waiting for queue space")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Backpressure timeout (0 uses the server default)")
	return cmd
}
