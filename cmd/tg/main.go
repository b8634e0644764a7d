package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"testgate/internal/config"
	"testgate/internal/db"
	"testgate/internal/domain"
	"testgate/internal/engine"
	"testgate/internal/fingerprint"
	"testgate/internal/migrate"
	"testgate/internal/oracle"
	"testgate/internal/repo"
	"testgate/internal/server"
	"testgate/internal/token"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "TestGate CLI",
	Long: `TestGate gates test artifacts through a staged approval pipeline.
An artifact moves design -> implementation -> breaking -> approval -> completed.
Each approved stage mints a single-use token that unlocks the next stage; the
token is bound to the artifact's fingerprint, so the code under review cannot
change between stages. Verdicts come from the configured analysis oracle,
with a local heuristic fallback when it is unreachable.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TESTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn.DB); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			v, err := migrate.Version(conn.DB)
			if err != nil {
				return err
			}
			fmt.Printf("Workspace ready at %s (schema version %d)\n", db.Path(workspace), v)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show artifact counts by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountArtifactsByStage(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Println("Artifacts:")
				for _, stage := range []domain.Stage{
					domain.StageDesign, domain.StageImplementation, domain.StageBreaking,
					domain.StageApproval, domain.StageCompleted, domain.StageFailed,
				} {
					if n, ok := counts[string(stage)]; ok {
						fmt.Printf("  %s: %d\n", stage, n)
					}
				}
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var file, contextText, contextFile, tok, method string
	cmd := &cobra.Command{
		Use:       "submit [design|implementation|breaking|approval]",
		Short:     "Submit an artifact to a stage",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"design", "implementation", "breaking", "approval"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if contextFile != "" {
				b, err := os.ReadFile(contextFile)
				if err != nil {
					return err
				}
				contextText = string(b)
			}
			opts := engine.SubmitOptions{
				Content:  string(content),
				Filename: file,
				Context:  contextText,
				Token:    tok,
				ActorID:  viper.GetString("actor-id"),
				Method:   fingerprint.Method(method),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res engine.SubmitResult
				switch args[0] {
				case "design":
					res, err = e.SubmitDesign(ctx, opts)
				case "implementation":
					res, err = e.SubmitImplementation(ctx, opts)
				case "breaking":
					res, err = e.SubmitBreaking(ctx, opts)
				case "approval":
					res, err = e.SubmitApproval(ctx, opts)
				default:
					return fmt.Errorf("unknown stage %q", args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Fingerprint: %s\n", res.Fingerprint)
				fmt.Printf("Verdict:     %s\n", res.Verdict)
				fmt.Printf("Stage:       %s (%s)\n", res.Record.CurrentStage, res.Record.Status)
				if res.Analysis.Rationale != "" {
					fmt.Printf("Rationale:   %s\n", res.Analysis.Rationale)
				}
				for _, rec := range res.Analysis.Recommendations {
					fmt.Printf("  - %s\n", rec)
				}
				if res.NextToken != "" {
					fmt.Printf("Token:       %s\n", res.NextToken)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "artifact file")
	cmd.Flags().StringVar(&contextText, "context", "", "requirements or breaking scenarios")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "read context from a file")
	cmd.Flags().StringVarP(&tok, "token", "t", "", "predecessor stage token")
	cmd.Flags().StringVar(&method, "method", "", "fingerprint method (content|structural)")
	return cmd
}

func artifactCmd() *cobra.Command {
	artifact := &cobra.Command{Use: "artifact", Short: "Inspect artifacts"}
	artifact.AddCommand(artifactListCmd())
	artifact.AddCommand(artifactShowCmd())
	return artifact
}

func artifactListCmd() *cobra.Command {
	var stage, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, repo.ArtifactFilters{
					Stage:  domain.Stage(stage),
					Status: domain.Status(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Fingerprint", "Filename", "Stage", "Status", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{short(a.Fingerprint), a.Filename, a.CurrentStage, a.Status, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show an artifact and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				transitions, err := r.ListTransitions(ctx, a.Fingerprint)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"artifact": a, "transitions": transitions})
				}
				fmt.Printf("Fingerprint: %s\n", a.Fingerprint)
				fmt.Printf("Filename:    %s\n", a.Filename)
				fmt.Printf("Stage:       %s (%s)\n", a.CurrentStage, a.Status)
				if a.Analysis != "" {
					fmt.Printf("Analysis:    %s\n", a.Analysis)
				}
				fmt.Printf("Updated:     %s\n", a.UpdatedAt)
				if len(transitions) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Stage", "Attempt", "Result", "Validator", "At"})
					for _, t := range transitions {
						tw.AppendRow(table.Row{t.Stage, t.Attempt, t.Result, t.ValidatorID, t.ValidatedAt})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage stage tokens"}
	tok.AddCommand(&cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a stage token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, m *token.Manager) error {
				if err := m.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	})
	tok.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, m *token.Manager) error {
				n, err := m.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d\n", n)
				return nil
			})
		},
	})
	return tok
}

func fingerprintCmd() *cobra.Command {
	var method, function string
	cmd := &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Fingerprint a file without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f := fingerprint.New(nil)
			var fp string
			if function != "" {
				fp, err = f.FunctionFingerprint(string(content), function, args[0])
			} else {
				fp, err = f.Fingerprint(string(content), args[0], fingerprint.Method(method))
			}
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "fingerprint method (content|structural)")
	cmd.Flags().StringVar(&function, "function", "", "fingerprint a single function")
	return cmd
}

func logCmd() *cobra.Command {
	logs := &cobra.Command{Use: "log", Short: "Audit log"}
	logs.AddCommand(logTailCmd())
	return logs
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, fp string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, fp)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&fp, "fingerprint", "", "artifact fingerprint filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{
				Workspace:      workspace,
				MaxConns:       cfg.Storage.MaxConns,
				AcquireTimeout: cfg.Storage.AcquireTimeout,
			})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn.DB); err != nil {
				return err
			}
			mgr, assessor, err := buildManagerAndOracle(cfg, conn)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, mgr, assessor)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TESTGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TESTGATE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Tokens:   mgr,
				Pool:     conn,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving TestGate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func buildManagerAndOracle(cfg *config.Config, conn *db.DB) (*token.Manager, oracle.Assessor, error) {
	secret := cfg.SigningSecret()
	if secret == "" {
		return nil, nil, fmt.Errorf("signing secret required: set signing.secret in %s or TESTGATE_SECRET", config.Path(viper.GetString("workspace")))
	}
	mgr, err := token.NewManager(token.Config{
		Secret:    secret,
		TTL:       cfg.Tokens.TTL,
		RateLimit: cfg.Tokens.RateLimitPerMin,
		Store:     repo.Repo{DB: conn.DB},
	})
	if err != nil {
		return nil, nil, err
	}
	var assessor oracle.Assessor
	if cfg.Oracle.URL != "" {
		a := oracle.NewHTTPAssessor(cfg.Oracle.URL)
		a.APIKey = cfg.Oracle.APIKey
		assessor = a
	}
	return mgr, assessor, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{
		Workspace:      workspace,
		MaxConns:       cfg.Storage.MaxConns,
		AcquireTimeout: cfg.Storage.AcquireTimeout,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	mgr, assessor, err := buildManagerAndOracle(cfg, conn)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, mgr, assessor))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn.DB})
}

func withTokens(ctx context.Context, fn func(context.Context, *token.Manager) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	mgr, _, err := buildManagerAndOracle(cfg, conn)
	if err != nil {
		return err
	}
	return fn(ctx, mgr)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
