package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"x2a/internal/app"
	"x2a/internal/domain"
	"x2a/internal/engine"
	"x2a/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect and manage jobs of a project"}
	job.PersistentFlags().String("project", "", "project id")
	job.AddCommand(jobListCmd())
	job.AddCommand(jobStartCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobLogCmd())
	job.AddCommand(jobDeleteCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var moduleID, phase string
	var last bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), false)
				if err != nil {
					return err
				}
				params := repo.ListJobsParams{ProjectID: p.ID, ModuleID: optionalString(moduleID), LastJobOnly: last}
				if phase != "" {
					ph := domain.Phase(phase)
					params.Phase = &ph
				}
				jobs, err := a.Engine.Repo.ListJobs(ctx, params)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Module", "Phase", "Status", "Started", "Finished", "Artifacts"})
				for _, j := range jobs {
					finished := ""
					if j.FinishedAt != nil {
						finished = j.FinishedAt.Format(time.DateTime)
					}
					tw.AppendRow(table.Row{j.ID, derefString(j.ModuleID), j.Phase, j.Status, j.StartedAt.Format(time.DateTime), finished, len(j.Artifacts)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&moduleID, "module", "", "only jobs of this module")
	cmd.Flags().StringVar(&phase, "phase", "", "only jobs of this phase")
	cmd.Flags().BoolVar(&last, "last", false, "only the most recently started job")
	return cmd
}

func jobStartCmd() *cobra.Command {
	var moduleID, phase, k8sJobName string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Record a new job and print its callback token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), true)
				if err != nil {
					return err
				}
				started, err := a.Engine.StartJob(ctx, engine.StartJobOptions{
					ProjectID:  p.ID,
					ModuleID:   optionalString(moduleID),
					Phase:      domain.Phase(phase),
					K8sJobName: optionalString(k8sJobName),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), started)
			})
		},
	}
	cmd.Flags().StringVar(&moduleID, "module", "", "module id, empty for a project-level job")
	cmd.Flags().StringVar(&phase, "phase", string(domain.PhaseInit), "init, analyze, migrate or publish")
	cmd.Flags().StringVar(&k8sJobName, "k8s-job-name", "", "name of the runner's Kubernetes job")
	return cmd
}

// projectJob loads a job only if it belongs to the given project.
func projectJob(ctx context.Context, a *app.App, projectID, jobID string, withLog bool) (*domain.Job, error) {
	get := a.Engine.Repo.GetJob
	if withLog {
		get = a.Engine.Repo.GetJobWithLog
	}
	j, err := get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil || j.ProjectID != projectID {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return j, nil
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), false)
				if err != nil {
					return err
				}
				j, err := projectJob(ctx, a, p.ID, args[0], false)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

func jobLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <job-id>",
		Short: "Print the runner log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), false)
				if err != nil {
					return err
				}
				j, err := projectJob(ctx, a, p.ID, args[0], true)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), derefString(j.Log))
				return nil
			})
		},
	}
}

func jobDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), true)
				if err != nil {
					return err
				}
				if _, err := projectJob(ctx, a, p.ID, args[0], false); err != nil {
					return err
				}
				if _, err := a.Engine.Repo.DeleteJob(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted job %s\n", args[0])
				return nil
			})
		},
	}
}
