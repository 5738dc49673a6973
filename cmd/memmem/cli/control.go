package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/baleen37/memmem-sub003/internal/poller"
	"github.com/baleen37/memmem-sub003/internal/store"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running poller to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pid, alive, err := poller.ReadLock(cfg.LockPath())
		if err != nil {
			return err
		}
		if !alive {
			fmt.Println(warnStyle.Render("no poller running"))
			return nil
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find poller process %d: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal poller %d: %w", pid, err)
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("stopping poller (pid %d)", pid)))
		fmt.Println(dimStyle.Render("the running tick finishes before exit"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report poller liveness and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pid, alive, err := poller.ReadLock(cfg.LockPath())
		if err != nil {
			return err
		}
		if alive {
			fmt.Println(okStyle.Render(fmt.Sprintf("poller running (pid %d)", pid)))
		} else {
			fmt.Println(warnStyle.Render("poller not running"))
		}

		st, err := store.NewSQLiteStore(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		sessions, err := st.PendingSessions()
		if err != nil {
			return err
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("pending sessions: %d", len(sessions))))
		for _, id := range sessions {
			fmt.Println(dimStyle.Render("  " + id))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}
