package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newDeadLettersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deadletters <run-id>",
		Short: "List quarantined feature failures for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			letters, err := app.store.ListDeadLetters(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(letters)
			}

			for _, l := range letters {
				msg := ""
				if l.Error != nil {
					msg = l.Error.Message
				}
				fmt.Printf("%s  %-20s stage=%-10s %s\n",
					l.RecordedAt.Format("2006-01-02 15:04:05"), l.FeatureName, l.Stage, msg)
			}
			return nil
		},
	}
}
