package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/baleen37/memmem-sub003/internal/store"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	bodyStyle    = lipgloss.NewStyle().Padding(0, 2)
)

var showCmd = &cobra.Command{
	Use:   "show <observation-id>",
	Short: "Show one observation in full",
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

		o, err := st.GetObservation(args[0])
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render(o.Title))
		if o.Subtitle != "" {
			fmt.Println(metaStyle.Render("  " + o.Subtitle))
		}
		day := time.UnixMilli(o.Timestamp).Format("2006-01-02 15:04")
		fmt.Println(metaStyle.Render(strings.Join([]string{
			"  " + string(o.Type), o.Project, o.SessionID,
			fmt.Sprintf("prompt %d", o.PromptNumber), day,
		}, " • ")))
		fmt.Println()

		if o.Narrative != "" {
			fmt.Println(bodyStyle.Render(o.Narrative))
			fmt.Println()
		}
		printList("Facts", o.Facts)
		printList("Concepts", o.Concepts)
		printList("Files read", o.FilesRead)
		printList("Files modified", o.FilesModified)
		return nil
	},
}

func printList(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Println(sectionStyle.Render(label))
	for _, item := range items {
		fmt.Println(bodyStyle.Render("- " + item))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(showCmd)
}
