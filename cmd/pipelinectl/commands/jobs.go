package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"video-pipeline/internal/domain/model"
)

func client(cmd *cli.Command) *Client {
	return NewClient(cmd.String("server"), nil)
}

// AddAction queues one job per argument.
func AddAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() == 0 {
		return fmt.Errorf("at least one video id is required")
	}
	c := client(cmd)
	out := cmd.Root().Writer
	for _, id := range cmd.Args().Slice() {
		job, err := c.AddJob(ctx, id)
		if err != nil {
			return fmt.Errorf("add %s: %w", id, err)
		}
		fmt.Fprintf(out, "queued %s (%s)\n", job.ID, job.ExternalID)
	}
	return nil
}

func ListAction(ctx context.Context, cmd *cli.Command) error {
	jobs, err := client(cmd).ListJobs(ctx, cmd.String("status"))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.Root().Writer, "no jobs")
		return nil
	}
	return renderJobsTable(cmd.Root().Writer, jobs)
}

func ShowAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	job, err := client(cmd).GetJob(ctx, id)
	if err != nil {
		return err
	}
	renderJobDetail(cmd.Root().Writer, job)
	return nil
}

func RemoveAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if err := client(cmd).RemoveJob(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "removed %s\n", id)
	return nil
}

// CleanAction removes every completed job.
func CleanAction(ctx context.Context, cmd *cli.Command) error {
	n, err := client(cmd).RemoveCompleted(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "removed %d completed job(s)\n", n)
	return nil
}

func SchedulerAction(ctx context.Context, cmd *cli.Command) error {
	st, err := client(cmd).Scheduler(ctx)
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	fmt.Fprintf(out, "state:  %s\n", st.State)
	fmt.Fprintf(out, "active: %d\n", len(st.Active))
	for _, id := range st.Active {
		fmt.Fprintf(out, "  %s\n", id)
	}
	return nil
}

// WatchAction prints change events, and the affected job, until interrupted.
func WatchAction(ctx context.Context, cmd *cli.Command) error {
	c := client(cmd)
	out := cmd.Root().Writer
	return c.Watch(ctx, func(ev model.ChangeEvent) {
		line := fmt.Sprintf("%s #%d %s", time.Now().Format("15:04:05"), ev.Version, ev.Kind)
		if ev.JobID != "" && ev.Kind != model.ChangeRemoved {
			if job, err := c.GetJob(ctx, ev.JobID); err == nil {
				line += fmt.Sprintf(" %s %s %s", job.ID, job.Status, currentStep(job))
			}
		} else if ev.JobID != "" {
			line += " " + ev.JobID
		}
		fmt.Fprintln(out, line)
	})
}

func renderJobsTable(w io.Writer, jobs []*model.Job) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Video", "Status", "Step", "Updated At")
	for _, j := range jobs {
		if err := table.Append(
			j.ID,
			j.ExternalID,
			string(j.Status),
			currentStep(j),
			j.UpdatedAt.Local().Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderJobDetail(w io.Writer, job *model.Job) {
	fmt.Fprintf(w, "ID:          %s\n", job.ID)
	fmt.Fprintf(w, "Video:       %s\n", job.ExternalID)
	fmt.Fprintf(w, "Status:      %s\n", job.Status)
	if job.WorkingFolder != "" {
		fmt.Fprintf(w, "Folder:      %s\n", job.WorkingFolder)
	}
	fmt.Fprintf(w, "Created At:  %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated At:  %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", job.Error)
	}
	fmt.Fprintln(w, "\nSteps:")
	for i, st := range job.Steps {
		fmt.Fprintf(w, "  %d. %-15s %s\n", i+1, st.Name, st.Status)
	}
}

// currentStep names the first step that has not completed.
func currentStep(job *model.Job) string {
	for _, st := range job.Steps {
		if st.Status != model.StatusCompleted {
			return string(st.Name)
		}
	}
	return "-"
}
