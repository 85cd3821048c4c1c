package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"x2a/internal/app"
	"x2a/internal/domain"
	"x2a/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var params repo.ListProjectsParams
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.Repo.ListProjects(ctx, params, caller())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Abbreviation", "Created By", "Created At", "Migration Plan"})
				for _, p := range page.Projects {
					plan := ""
					if p.MigrationPlan != nil {
						plan = p.MigrationPlan.Value
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Abbreviation, p.CreatedBy, p.CreatedAt.Format("2006-01-02 15:04:05"), plan})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "Total", page.TotalCount})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&params.Page, "page", 0, "zero-based page")
	cmd.Flags().IntVar(&params.PageSize, "page-size", repo.DefaultPageSize, "rows per page")
	cmd.Flags().StringVar(&params.Sort, "sort", repo.SortCreatedAt, "sort by createdAt, name or createdBy")
	cmd.Flags().StringVar(&params.Order, "order", repo.OrderDesc, "asc or desc")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var in domain.CreateProjectInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project owned by the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Repo.CreateProject(ctx, in, caller())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "project name")
	cmd.Flags().StringVar(&in.Abbreviation, "abbreviation", "", "short name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.SourceRepoURL, "source-repo", "", "source repository URL")
	cmd.Flags().StringVar(&in.SourceRepoBranch, "source-branch", "main", "source branch")
	cmd.Flags().StringVar(&in.TargetRepoURL, "target-repo", "", "target repository URL")
	cmd.Flags().StringVar(&in.TargetRepoBranch, "target-branch", "main", "target branch")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, args[0], false)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project with its modules, jobs and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Repo.DeleteProject(ctx, args[0], caller())
				if err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("project %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted project %s\n", args[0])
				return nil
			})
		},
	}
}
