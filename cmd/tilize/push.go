package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/logger"
)

func newPushCmd() *cobra.Command {
	var (
		tf       tensorFlags
		drain    bool
		truncate bool
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a tensor into simulated device queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			descs, err := loadDescriptors(cfg, tf.queues)
			if err != nil {
				return err
			}
			v, err := tf.load()
			if err != nil {
				return err
			}
			sh, err := tf.shuffleOptions()
			if err != nil {
				return err
			}
			shape, err := pushShape(v, sh)
			if err != nil {
				return err
			}

			s, err := newSession(cfg, descs, shape, v.Format)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var consumer *drainer
			if drain {
				consumer = s.startDrainer(ctx)
			}
			res, err := s.eng.Push(ctx, descs, v, engine.PushOptions{
				Timeout:  cfg.Queue.PushTimeout,
				RAMSlot:  tf.ramSlot,
				Shuffle:  sh,
				Truncate: truncate,
			})
			var drained map[string]int
			if consumer != nil {
				drained, err = consumer.stop(err)
			}
			if err != nil {
				return err
			}
			logger.Log.Info("Push complete", "session", res.Session, "queues", len(res.Queues), "duration", res.Duration)

			out := struct {
				*engine.Result
				Drained map[string]int `json:"drained,omitempty"`
			}{Result: res, Drained: drained}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&drain, "drain", true, "Consume published entries while pushing")
	cmd.Flags().BoolVar(&truncate, "truncate", false, "Round toward zero when narrowing formats")
	return cmd
}
