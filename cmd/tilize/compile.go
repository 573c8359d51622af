package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/logger"
)

func newCompileCmd() *cobra.Command {
	var (
		tf  tensorFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Build queue memory images offline",
		Long: "Pushes a tensor without polling the device, as if every queue had unlimited\n" +
			"space, and writes the resulting queue memory to one file per region.",
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

			res, err := s.eng.Push(cmd.Context(), descs, v, engine.PushOptions{
				Offline: true,
				RAMSlot: tf.ramSlot,
				Shuffle: sh,
			})
			if err != nil {
				return err
			}
			files, err := s.sim.SaveImage(out)
			if err != nil {
				return err
			}
			logger.Log.Info("Image written", "dir", out, "files", len(files))
			return printJSON(cmd.OutOrStdout(), struct {
				*engine.Result
				Files []string `json:"files"`
			}{res, files})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "image", "Output directory")
	return cmd
}
