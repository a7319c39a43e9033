package main

import (
	"github.com/Aaronyzb/oslab2/kernel/kmain"
	"github.com/spf13/cobra"
)

var (
	checkBuddy bool
	checkSlub  bool
)

func init() {
	cmd := newCheckCmd()
	cmd.Flags().BoolVar(&checkBuddy, "buddy", false, "Run only the buddy allocator self-check")
	cmd.Flags().BoolVar(&checkSlub, "slub", false, "Run only the kmalloc self-check")
	rootCmd.AddCommand(cmd)
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the allocator self-checks",
		Long: `The check command boots a machine and runs the deterministic allocator
self-checks. Without flags both the buddy and the kmalloc checks run.

Example:
  pmmctl check
  pmmctl check --buddy --frames 1024 --reserved 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd)
		},
	}
	return cmd
}

func runCheck(cmd *cobra.Command) error {
	sys, err := bootSystem()
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	runBuddy, runSlub := checkBuddy, checkSlub
	if !runBuddy && !runSlub {
		runBuddy, runSlub = true, true
	}

	out := cmd.OutOrStdout()
	p := newPrinter()
	p.Fprintf(out, "free pages before: %d\n", sys.NrFreePages())

	checks := []struct {
		name    string
		enabled bool
		run     func(*kmain.System)
	}{
		{"buddy", runBuddy, (*kmain.System).CheckBuddy},
		{"slub", runSlub, (*kmain.System).CheckSlub},
	}
	for _, check := range checks {
		if !check.enabled {
			continue
		}

		if err := runGuarded(func() { check.run(sys) }); err != nil {
			return err
		}
		p.Fprintf(out, "%s check OK, free pages: %d\n", check.name, sys.NrFreePages())
	}

	p.Fprintf(out, "free pages after: %d\n", sys.NrFreePages())
	return nil
}
