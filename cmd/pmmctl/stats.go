package main

import (
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show free memory statistics",
		Long: `The stats command boots a machine and prints the buddy allocator free
area table followed by the kmalloc size class caches.

Example:
  pmmctl stats
  pmmctl stats --frames 65536 --mmap=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd)
		},
	}
	return cmd
}

func runStats(cmd *cobra.Command) error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	out := cmd.OutOrStdout()
	p := newPrinter()

	p.Fprintf(out, "free pages: %d of %d\n\n", sys.NrFreePages(), sys.Config().Frames)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	p.Fprintf(tw, "order\tblock pages\tfree blocks\tfree pages\t\n")
	for _, area := range sys.FreeAreas() {
		pages := area.Order.Pages()
		p.Fprintf(tw, "%d\t%d\t%d\t%d\t\n", area.Order, pages, area.FreeBlocks, uint64(area.FreeBlocks)*pages)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	p.Fprintf(out, "\n")
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	p.Fprintf(tw, "cache\tobject size\torder\tobjs/slab\tpartial\tfull\tlive\t\n")
	for _, stats := range sys.CacheStats() {
		p.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			stats.Name, stats.ObjectSize, stats.Order, stats.ObjectsPerSlab,
			stats.PartialSlabs, stats.FullSlabs, stats.LiveObjects)
	}
	return tw.Flush()
}
