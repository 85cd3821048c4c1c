package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"x2a/internal/app"
	"x2a/internal/domain"
)

func moduleCmd() *cobra.Command {
	mod := &cobra.Command{Use: "module", Short: "Manage modules of a project"}
	mod.PersistentFlags().String("project", "", "project id")
	mod.AddCommand(moduleListCmd())
	mod.AddCommand(moduleCreateCmd())
	mod.AddCommand(moduleShowCmd())
	mod.AddCommand(moduleDeleteCmd())
	return mod
}

func projectFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("project")
	return v
}

func moduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List modules with their derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), false)
				if err != nil {
					return err
				}
				modules, err := a.Engine.Repo.ListModules(ctx, p.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, modules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Source Path", "Status", "Error"})
				for _, m := range modules {
					tw.AppendRow(table.Row{m.ID, m.Name, m.SourcePath, m.Status, derefString(m.ErrorDetails)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func moduleCreateCmd() *cobra.Command {
	var name, sourcePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), true)
				if err != nil {
					return err
				}
				m, err := a.Engine.Repo.CreateModule(ctx, domain.CreateModuleInput{Name: name, SourcePath: sourcePath, ProjectID: p.ID})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "module name")
	cmd.Flags().StringVar(&sourcePath, "source-path", "", "path of the module in the source repo")
	return cmd
}

func moduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <module-id>",
		Short: "Show a module with its latest job per phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), false)
				if err != nil {
					return err
				}
				m, err := a.Engine.Repo.GetModule(ctx, p.ID, args[0])
				if err != nil {
					return err
				}
				if m == nil {
					return fmt.Errorf("module %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}

func moduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <module-id>",
		Short: "Delete a module with its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := visibleProject(ctx, a, projectFlag(cmd), true)
				if err != nil {
					return err
				}
				n, err := a.Engine.Repo.DeleteModule(ctx, p.ID, args[0])
				if err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("module %s not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted module %s\n", args[0])
				return nil
			})
		},
	}
}
