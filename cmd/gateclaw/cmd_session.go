package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/transcript"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/internal/usage"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		manager := sessions.NewManager(buildResolver(cfg))
		transcripts := transcript.NewStore(cfg.DataDir)

		rows, err := usage.NewAggregator(manager, transcripts).Sessions(0)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(rows) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tAGENT\tCHANNEL\tTOKENS\tUPDATED")
		for _, r := range rows {
			updated := "-"
			if r.UpdatedAtMs > 0 {
				updated = time.UnixMilli(r.UpdatedAtMs).Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				r.Key,
				r.AgentID,
				r.LastChannel,
				r.InputTokens,
				r.OutputTokens,
				updated,
			)
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <key|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		if args[0] == "all" {
			if err := os.RemoveAll(filepath.Join(cfg.DataDir, "sessions")); err != nil {
				return fmt.Errorf("remove session stores: %w", err)
			}
			if err := os.RemoveAll(filepath.Join(cfg.DataDir, "transcripts")); err != nil {
				return fmt.Errorf("remove transcripts: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		manager := sessions.NewManager(buildResolver(cfg))
		res, err := manager.Resolver().Resolve(args[0])
		if err != nil {
			return err
		}
		store := manager.StoreOf(res)
		entry, _, err := store.Get(res)
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if entry == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}

		keys := append([]types.SessionKey{res.CanonicalKey}, res.LegacyCandidates...)
		if err := store.Delete(keys...); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		transcriptPath := filepath.Join(cfg.DataDir, "transcripts", string(entry.SessionID)+".jsonl")
		if err := os.Remove(transcriptPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove transcript: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", res.CanonicalKey)
		return nil
	},
}
