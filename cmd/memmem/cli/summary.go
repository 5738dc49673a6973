package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baleen37/memmem-sub003/internal/store"
)

var summaryCmd = &cobra.Command{
	Use:   "summary <session-id>",
	Short: "Show the end-of-session summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.NewSQLiteStore(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		sum, err := st.GetSummary(args[0])
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render(sum.Request))
		day := time.UnixMilli(sum.CreatedAt).Format("2006-01-02 15:04")
		fmt.Println(metaStyle.Render(fmt.Sprintf("  %s • %s • %s", sum.Project, sum.SessionID, day)))
		fmt.Println()

		printList("Investigated", sum.Investigated)
		printList("Learned", sum.Learned)
		printList("Completed", sum.Completed)
		printList("Next steps", sum.NextSteps)
		if sum.Notes != "" {
			fmt.Println(sectionStyle.Render("Notes"))
			fmt.Println(bodyStyle.Render(sum.Notes))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}
