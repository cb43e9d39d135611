package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nibot-ai/nibot/internal/scheduler"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		jobs := sched.Jobs()
		if len(jobs) == 0 {
			fmt.Println("No scheduled jobs.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tTARGET\tLAST RUN")
		for _, j := range jobs {
			last := "-"
			if j.LastRun != nil {
				last = j.LastRun.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s:%s\t%s\n",
				j.ID, j.Name, j.CronExpr, j.Enabled, j.Channel, j.ChatID, last)
		}
		return w.Flush()
	},
}

var (
	cronAddName    string
	cronAddChannel string
	cronAddChatID  string
)

var cronAddCmd = &cobra.Command{
	Use:   "add <cron-expr> <message>",
	Short: "Add a scheduled job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		job, err := sched.Add(scheduler.Job{
			Name:     cronAddName,
			CronExpr: args[0],
			Message:  args[1],
			Channel:  cronAddChannel,
			ChatID:   cronAddChatID,
			Enabled:  true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added job %s (%s)\n", job.ID, job.CronExpr)
		return nil
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		if err := sched.Remove(args[0]); err != nil {
			return err
		}
		fmt.Println("Removed job", args[0])
		return nil
	},
}

func init() {
	cronAddCmd.Flags().StringVar(&cronAddName, "name", "", "job name")
	cronAddCmd.Flags().StringVar(&cronAddChannel, "channel", "filewatch", "target channel")
	cronAddCmd.Flags().StringVar(&cronAddChatID, "chat", "cron.md", "target chat id")
	cronCmd.AddCommand(cronListCmd, cronAddCmd, cronRemoveCmd)
}

// openScheduler opens the job store without starting the tick loop.
func openScheduler() (*scheduler.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return scheduler.New(cfg.Scheduler.JobsPath, nil)
}
