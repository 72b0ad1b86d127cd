package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ternarybob/tokensmith/internal/app"
)

var planForce bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which stages the next run would execute",
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planForce, "force", false, "Plan as if every stage were forced")
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	analysis, err := application.Plan(context.Background(), planForce)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tRUN\tREASON\tPATH")
	for _, step := range application.Steps() {
		a := analysis[step.Name]
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", a.Step, a.NeedsRun, a.Reason, a.Path)
	}
	return w.Flush()
}
