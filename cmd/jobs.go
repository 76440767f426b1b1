package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/export"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage contract jobs",
	Long:  "Commands for listing, viewing, downloading, exporting and requeueing contract jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		filter, err := jobFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		jobs, err := env.Query().Jobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found.")
			return nil
		}

		formatJobsList(cmd.OutOrStdout(), jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the full job record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Query().Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}

// -- jobs status --

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Query().Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs status")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\t%s\n", v.ID, v.Status)
		if v.ErrorMessage != nil {
			fmt.Fprintf(out, "error: %s\n", *v.ErrorMessage)
		}
		return nil
	},
}

// -- jobs download --

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a job's original document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		rc, j, err := env.Query().Download(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs download")
		}
		defer rc.Close() //nolint:errcheck

		dest, _ := cmd.Flags().GetString("output")
		if dest == "" {
			dest = filepath.Base(j.Filename)
		}
		n, err := writeFile(dest, rc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, dest)
		return nil
	},
}

// -- jobs export --

var jobsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export jobs with scores to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		filter, err := jobFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		jobs, err := env.Query().Jobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs export")
		}

		dest, _ := cmd.Flags().GetString("output")
		f, err := os.Create(dest)
		if err != nil {
			return eris.Wrapf(err, "create %s", dest)
		}
		if err := export.WriteJobs(f, jobs); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrapf(err, "close %s", dest)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d jobs to %s\n", len(jobs), dest)
		return nil
	},
}

// -- jobs requeue --

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Re-enqueue pending or processing jobs that stopped progressing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeEnqueue)
		if err != nil {
			return err
		}
		defer env.Close()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = time.Duration(cfg.Worker.StaleAfterMins) * time.Minute
		}

		n, err := env.Gateway().Requeue(ctx, olderThan)
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s)\n", n)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{jobsListCmd, jobsExportCmd} {
		c.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
		c.Flags().Duration("since", 0, "only jobs uploaded within this window (e.g. 24h)")
	}
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display (0 for all)")
	jobsListCmd.Flags().Int("offset", 0, "number of jobs to skip")
	jobsExportCmd.Flags().Int("limit", 0, "max number of jobs to export (0 for all)")
	jobsExportCmd.Flags().Int("offset", 0, "number of jobs to skip")
	jobsExportCmd.Flags().StringP("output", "o", "contracts.xlsx", "output file")
	jobsDownloadCmd.Flags().StringP("output", "o", "", "output file (default: original filename)")
	jobsRequeueCmd.Flags().Duration("older-than", 0, "minimum time since last update (default worker.stale_after_mins)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)
	jobsCmd.AddCommand(jobsExportCmd)
	jobsCmd.AddCommand(jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}

func jobFilterFromFlags(cmd *cobra.Command) (store.JobFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	f := store.JobFilter{
		Status: model.JobStatus(status),
		Limit:  limit,
		Offset: offset,
	}
	if status != "" && !f.Status.Valid() {
		return f, eris.Errorf("unknown status %q", status)
	}
	if since > 0 {
		f.UploadedAfter = time.Now().UTC().Add(-since)
	}
	return f, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "create %s", path)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return n, eris.Wrapf(err, "write %s", path)
	}
	return n, eris.Wrapf(f.Close(), "close %s", path)
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILENAME\tSTATUS\tSCORE\tUPLOADED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t-----\t--------\t-----")

	for _, j := range jobs {
		score := "-"
		if j.OverallScore != nil {
			score = fmt.Sprintf("%.2f", *j.OverallScore)
		}
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = truncate(*j.ErrorMessage, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(j.ID),
			truncate(j.Filename, 30),
			j.Status,
			score,
			j.UploadedAt.Format("2006-01-02 15:04"),
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
