package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

func newStatusCommand() *cobra.Command {
	var deadLetters bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its feature outcomes",
		Example: `  # Show a run
  parcelsat status 7d4a1b2c-...

  # Include quarantined failures
  parcelsat status 7d4a1b2c-... --dead-letters`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			runID := args[0]
			run, err := app.store.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", runID)
			}

			outcomes, err := app.store.ListOutcomes(cmd.Context(), runID)
			if err != nil {
				return err
			}

			var letters []pipeline.DeadLetter
			if deadLetters {
				letters, err = app.store.ListDeadLetters(cmd.Context(), runID)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"run":          run,
					"outcomes":     outcomes,
					"dead_letters": letters,
				})
			}

			if err := printRun(run); err != nil {
				return err
			}
			if len(outcomes) > 0 {
				fmt.Println()
				for _, o := range outcomes {
					line := fmt.Sprintf("  [%d] %-20s %s", o.Ordinal, o.FeatureName, o.Status)
					if o.SceneID != "" {
						line += fmt.Sprintf("  scene=%s", o.SceneID)
					}
					if o.Error != nil {
						line += fmt.Sprintf("  error=%s", o.Error.Message)
					}
					fmt.Println(line)
				}
			}
			if len(letters) > 0 {
				fmt.Println("\nDead letters:")
				for _, l := range letters {
					msg := ""
					if l.Error != nil {
						msg = l.Error.Message
					}
					fmt.Printf("  %s stage=%s error=%s\n", l.FeatureName, l.Stage, msg)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deadLetters, "dead-letters", false, "include quarantined failures")

	return cmd
}
