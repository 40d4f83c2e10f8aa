package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-island/claude-island/internal/config"
	"github.com/claude-island/claude-island/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.ListenAddr + "/session")
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.ListenAddr, err)
		}
		defer resp.Body.Close()

		var sessions []types.SessionSummary
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return fmt.Errorf("decode session list: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions observed.")
			return nil
		}

		for _, s := range sessions {
			line := fmt.Sprintf("%-12s %-18s %4d msgs", shorten(s.ID), s.Phase, s.MessageCount)
			if s.ActiveTool != "" {
				line += "  tool=" + s.ActiveTool
			}
			if s.HasPendingApproval {
				line += "  [approval pending]"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func shorten(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
