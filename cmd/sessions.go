package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nibot-ai/nibot/internal/sessions"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain stored conversations",
}

var sessionsListLimit int

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		sums, err := store.QueryRecent(sessionsListLimit)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED\tPREVIEW")
		for _, s := range sums {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				s.Key, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"), s.Preview)
		}
		return w.Flush()
	},
}

var sessionsSearchMax int

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search message content across all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		hits, err := store.Search(args[0], sessionsSearchMax)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("%s  [%s] %s: %s\n", h.Key, h.Timestamp.Format("2006-01-02 15:04"), h.Role, h.Snippet)
		}
		return nil
	},
}

var sessionsArchiveOlderDays int

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive [session-key]",
	Short: "Archive one session, or all sessions older than --older-than days",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if err := store.Archive(args[0]); err != nil {
				return err
			}
			fmt.Println("Archived", args[0])
			return nil
		}
		if sessionsArchiveOlderDays <= 0 {
			return fmt.Errorf("give a session key or --older-than days")
		}
		n, err := store.ArchiveOld(time.Duration(sessionsArchiveOlderDays) * 24 * time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Archived %d session(s)\n", n)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsListLimit, "limit", 20, "max sessions to list")
	sessionsSearchCmd.Flags().IntVar(&sessionsSearchMax, "max", 20, "max results")
	sessionsArchiveCmd.Flags().IntVar(&sessionsArchiveOlderDays, "older-than", 0, "archive sessions idle for this many days")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsSearchCmd, sessionsArchiveCmd)
}

func openStore() (*sessions.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sessions.NewStore(cfg.Sessions.Dir, cfg.Sessions.MaxCached)
}
