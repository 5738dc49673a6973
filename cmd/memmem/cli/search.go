package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/baleen37/memmem-sub003/internal/ratelimit"
	"github.com/baleen37/memmem-sub003/internal/retrieval"
	"github.com/baleen37/memmem-sub003/internal/store"
)

var (
	searchProjects []string
	searchSession  string
	searchAfter    string
	searchBefore   string
	searchFiles    []string
	searchLimit    int
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	scoreStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find observations by meaning",
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

		index, err := store.NewVectorIndex(cfg.IndexPath())
		if err != nil {
			return fmt.Errorf("failed to open vector index: %w", err)
		}

		embedder, err := newEmbedder(cfg)
		if err != nil {
			return err
		}
		limiter := ratelimit.New(ratelimit.Config{
			Capacity: cfg.EmbeddingLimit.Capacity,
			Refill:   cfg.EmbeddingLimit.RefillPerMillisecond(),
		})

		engine := retrieval.NewEngine(index, st, embedder, limiter)
		results, err := engine.Search(cmd.Context(), retrieval.Query{
			Text:      args[0],
			Projects:  searchProjects,
			SessionID: searchSession,
			After:     searchAfter,
			Before:    searchBefore,
			Files:     searchFiles,
			Limit:     searchLimit,
		})
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println(metaStyle.Render("no matching observations"))
			return nil
		}

		for _, r := range results {
			day := time.UnixMilli(r.Timestamp).Format("2006-01-02")
			fmt.Println(titleStyle.Render(r.Title) + " " +
				scoreStyle.Render(fmt.Sprintf("%.2f", r.Similarity)))
			fmt.Println(metaStyle.Render(fmt.Sprintf("  %s  %s  %s  %s",
				r.ID, r.Project, r.SessionID, day)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringArrayVar(&searchProjects, "project", nil, "Restrict to project(s)")
	searchCmd.Flags().StringVar(&searchSession, "session", "", "Restrict to one session")
	searchCmd.Flags().StringVar(&searchAfter, "after", "", "Earliest day, inclusive (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&searchBefore, "before", "", "Latest day, inclusive (YYYY-MM-DD)")
	searchCmd.Flags().StringArrayVar(&searchFiles, "file", nil, "Match against touched file paths")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", retrieval.DefaultLimit, "Maximum results")
}
