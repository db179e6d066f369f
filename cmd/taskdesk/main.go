package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"taskdesk/internal/app"
	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/migrate"
	"taskdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskdesk",
	Short: "taskdesk task delegation backend",
	Long: `taskdesk delegates tasks inside organisations.
- Tasks move SCHEDULED -> READY -> IN_PROGRESS -> COMPLETED, can be DELAYED while in progress and CANCELLED.
- Every action is checked against role permissions scoped to SELF, ORG or GLOBAL and written to an audit trail.
- Assignments, escalations and transitions produce notifications and domain events, delivered to webhooks.
Run 'taskdesk config init' and 'taskdesk seed' to set up a workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogger(viper.GetString("log-level")); err != nil {
			return err
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	_ = zap.L().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(envFile())
	viper.SetEnvPrefix("TASKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// envFile is the workspace .env, which seed writes the admin id into.
func envFile() string {
	return filepath.Join(viper.GetString("workspace"), ".env")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user id to act as")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(labelCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(log)
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage taskdesk.yml",
		Long:  "taskdesk.yml holds the organisation, locale, queue and scheduler settings, webhooks and the role permission table.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate taskdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn.DB)
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var opts app.SeedOptions
	var save bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the organisation and its first administrator",
		Long:  "Seed bypasses permission checks. It reloads the permission table from taskdesk.yml, creates the configured organisation and the admin user if they are missing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Seed(ctx, opts)
				if err != nil {
					return err
				}
				if save {
					if err := setEnvValue(envFile(), "TASKDESK_ACTOR_ID", u.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AdminID, "admin-id", "admin", "administrator user id")
	cmd.Flags().StringVar(&opts.AdminRole, "role", "admin", "administrator role")
	cmd.Flags().StringVar(&opts.AdminName, "name", "", "administrator display name")
	cmd.Flags().BoolVar(&save, "save", true, "store the admin id as TASKDESK_ACTOR_ID in the workspace .env")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var interval time.Duration
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, dispatcher and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				DevLogin:         devLogin,
				AllowActorHeader: actorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKDESK_JWT_SECRET is required for bearer auth")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return withRuntimeUntil(ctx, func(ctx context.Context, rt *app.Runtime) (<-chan struct{}, error) {
				if !cmd.Flags().Changed("scheduler-interval") {
					interval = time.Duration(rt.Config.Scheduler.IntervalSeconds) * time.Second
				}
				done := rt.Start(ctx, interval)
				handler, err := server.New(server.Config{Engine: rt.Engine, Actors: rt, BasePath: basePath, Auth: authCfg, Log: rt.Log})
				if err != nil {
					return done, err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info("serving taskdesk API",
					zap.String("addr", addr), zap.String("base_path", basePath),
					zap.Duration("scheduler_interval", interval), zap.Bool("dev_login", devLogin))
				fmt.Printf("Serving taskdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				err = srv.ListenAndServe()
				cancel()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return done, err
				}
				return done, nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&interval, "scheduler-interval", time.Minute, "how often due SCHEDULED tasks are released (0 disables)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (TASKDESK_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Log: zap.L()})
}

// withRuntime runs fn against an opened workspace, then drains the outbound
// queue so that activity and webhooks see the command's events.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeUntil(ctx, func(ctx context.Context, rt *app.Runtime) (<-chan struct{}, error) {
		return rt.Start(ctx, 0), fn(ctx, rt)
	})
}

func withRuntimeUntil(ctx context.Context, fn func(context.Context, *app.Runtime) (<-chan struct{}, error)) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	runCtx, cancel := context.WithCancel(ctx)
	done, err := fn(runCtx, rt)
	cancel()
	if done != nil {
		<-done
	}
	return err
}

// withActor is withRuntime for commands acting on behalf of --actor-id.
func withActor(ctx context.Context, fn func(context.Context, *app.Runtime, domain.Actor) error) error {
	actorID := strings.TrimSpace(viper.GetString("actor-id"))
	if actorID == "" {
		return fmt.Errorf("--actor-id (or TASKDESK_ACTOR_ID) is required; run taskdesk seed to create an admin")
	}
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		actor, err := rt.Actor(ctx, actorID)
		if err != nil {
			return err
		}
		return fn(ctx, rt, actor)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
