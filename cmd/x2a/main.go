package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"x2a/internal/app"
	"x2a/internal/config"
	"x2a/internal/domain"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "x2a",
		Short: "x2a migration orchestration service",
		Long: `x2a tracks code-migration work and the jobs that carry it out.
- Project: a source repo to migrate into a target repo, owned by its creator.
- Module: a part of the project migrated on its own; its status is derived from its latest jobs.
- Job: one run of a phase (init, analyze, migrate, publish) by an external runner.
- Artifact: a typed URL a job produced (migration_plan, module_migration_plan, migrated_sources).
Every command acts as the identity given with --as; --view-all and --write-all stand in
for the admin permissions a token would carry.`,
		SilenceUsage: true,
	}
	initConfig()
	addPersistentFlags(root)
	root.AddCommand(migrateCmd())
	root.AddCommand(configCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(projectCmd())
	root.AddCommand(moduleCmd())
	root.AddCommand(jobCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("X2A")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.Path("."), "config file")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "credentials of the acting user, e.g. user:default/alice")
	flags.Bool("view-all", false, "act with the view-all capability")
	flags.Bool("write-all", false, "act with the write-all capability")
	flags.String("db-driver", "", "database driver (sqlite, postgres)")
	flags.String("db-path", "", "sqlite database file")
	flags.String("db-dsn", "", "postgres connection URL")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("as", flags.Lookup("as"))
	_ = viper.BindPFlag("view-all", flags.Lookup("view-all"))
	_ = viper.BindPFlag("write-all", flags.Lookup("write-all"))
	_ = viper.BindPFlag("database.driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("database.path", flags.Lookup("db-path"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
}

var stringOverlays = []struct {
	key   string
	field func(*config.Config) *string
}{
	{"database.driver", func(c *config.Config) *string { return &c.Database.Driver }},
	{"database.path", func(c *config.Config) *string { return &c.Database.Path }},
	{"database.dsn", func(c *config.Config) *string { return &c.Database.DSN }},
	{"server.addr", func(c *config.Config) *string { return &c.Server.Addr }},
	{"server.base_path", func(c *config.Config) *string { return &c.Server.BasePath }},
	{"auth.jwt_secret", func(c *config.Config) *string { return &c.Auth.JWTSecret }},
	{"auth.admin_view_permission", func(c *config.Config) *string { return &c.Auth.AdminViewPermission }},
	{"auth.admin_write_permission", func(c *config.Config) *string { return &c.Auth.AdminWritePermission }},
}

// loadConfig reads the config file, when present, and lays env and flag
// values over it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	for _, o := range stringOverlays {
		if viper.IsSet(o.key) {
			*o.field(cfg) = viper.GetString(o.key)
		}
	}
	if viper.IsSet("auth.allow_legacy_actor_header") {
		cfg.Auth.AllowLegacyActorHeader = viper.GetBool("auth.allow_legacy_actor_header")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg, log.New(cmd.ErrOrStderr(), "x2a: ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func caller() domain.Caller {
	return app.Caller(viper.GetString("as"), viper.GetBool("view-all"), viper.GetBool("write-all"))
}

// visibleProject loads the project a module or job command works on. Writes
// need the write capability to reach projects the caller does not own.
func visibleProject(ctx context.Context, a *app.App, projectID string, write bool) (*domain.Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("--project required")
	}
	c := caller()
	if write {
		c.CanViewAll = c.CanWriteAll
	}
	p, err := a.Engine.Repo.GetProject(ctx, projectID, c)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	return p, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
