package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/format"
)

// gridInfo is the printable summary of one queue family's layout.
type gridInfo struct {
	Queue         string          `json:"queue"`
	Layout        string          `json:"layout"`
	HostFormat    string          `json:"host_format"`
	DeviceFormat  string          `json:"device_format"`
	QuadSize      int             `json:"quad_size"`
	QuadsPerEntry int             `json:"quads_per_entry"`
	EntrySize     int             `json:"entry_size"`
	Slots         int             `json:"slots"`
	Batch         int             `json:"batch"`
	Tiles         int             `json:"tiles"`
	Regions       []engine.Region `json:"regions"`
}

func newGeometryCmd() *cobra.Command {
	var (
		shapeFlag string
		hostFlag  string
		queues    []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the quad and queue layout for a tensor shape",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			descs, err := loadDescriptors(cfg, queues)
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
			grids, regions, err := engine.Layout(descs, [4]int(dims), host)
			if err != nil {
				return err
			}

			infos := make([]gridInfo, len(grids))
			for i, g := range grids {
				infos[i] = gridInfo{
					Queue:         g.Desc.Name,
					Layout:        g.Layout.String(),
					HostFormat:    g.HostFormat.String(),
					DeviceFormat:  g.DeviceFormat.String(),
					QuadSize:      g.QuadSize,
					QuadsPerEntry: g.QuadsPerEntry,
					EntrySize:     g.EntrySize,
					Slots:         g.Slots,
					Batch:         g.Limits.W,
					Tiles:         g.Tiles(),
				}
				for _, r := range regions {
					if r.Queue == g.Desc.Name {
						infos[i].Regions = append(infos[i].Regions, r)
					}
				}
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tLAYOUT\tFORMAT\tQUAD\tQUADS/ENTRY\tENTRY\tSLOTS\tBATCH\tCELLS")
			for _, in := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s->%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					in.Queue, in.Layout, in.HostFormat, in.DeviceFormat,
					in.QuadSize, in.QuadsPerEntry, in.EntrySize, in.Slots, in.Batch, len(in.Regions))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&shapeFlag, "shape", "1x1x32x32", "Tensor shape WxZxRxC")
	cmd.Flags().StringVar(&hostFlag, "host-format", "Float32", "Host data format")
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Queue families to show (default all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
