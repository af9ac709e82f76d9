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

	"veritrust/internal/config"
	"veritrust/internal/db"
	"veritrust/internal/domain"
	"veritrust/internal/engine"
	"veritrust/internal/ledger"
	"veritrust/internal/logger"
	"veritrust/internal/migrate"
	"veritrust/internal/repo"
	"veritrust/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vt",
	Short: "VeriTrust CLI",
	Long: `VeriTrust turns natural-language claims into verifiable work.
A submitted claim is scored along quality dimensions, the scores activate
verification templates from a dependency graph, and each activated template
becomes a task that independent validators verify. Majority consensus
resolves each task and reputation settles on an append-only ledger.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("VERITRUST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("wallet", "local-user", "wallet identifier for authored actions")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("wallet", rootCmd.PersistentFlags().Lookup("wallet"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(validatorCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var networkID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(networkID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&networkID, "network", "local", "network id")
	return cmd
}

func claimCmd() *cobra.Command {
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Submit and inspect claims",
		Long:  "A claim is a natural-language assertion about a system. Submitting one classifies it, activates verification templates, and generates validation tasks.",
	}
	claim.AddCommand(claimSubmitCmd())
	claim.AddCommand(claimShowCmd())
	claim.AddCommand(claimListCmd())
	claim.AddCommand(claimTasksCmd())
	claim.AddCommand(claimExplainCmd())
	return claim
}

func claimSubmitCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a claim for verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && len(args) > 0 {
				text = strings.Join(args, " ")
			}
			if text == "" {
				return fmt.Errorf("--text required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				claim, tasks, err := e.SubmitClaim(ctx, text, viper.GetString("wallet"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"claim": claim, "tasks": tasks})
				}
				fmt.Printf("Claim %s (%s)\n", claim.ID, claim.Status)
				for _, flag := range claim.RedFlags {
					fmt.Printf("  red flag: %s\n", flag)
				}
				for _, a := range claim.Ambiguities {
					fmt.Printf("  ambiguity: %s\n", a)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "claim text")
	return cmd
}

func claimShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func claimListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClaims(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "STATUS", "AUTHOR", "TEXT")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Status, c.AuthorID, truncate(c.Text, 60)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func claimTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <claim-id>",
		Short: "List tasks generated for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasksByClaim(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	return cmd
}

func claimExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <id>",
		Short: "Explain which templates activated for a claim and why",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				reasons := e.Graph.Explain(c.Dimensions)
				if viper.GetBool("json") {
					return printJSON(reasons)
				}
				for _, r := range reasons {
					fmt.Printf("%s\n", r.TemplateID)
					for _, n := range r.Notes {
						fmt.Printf("  %s\n", n)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage validation tasks",
		Long:  "Tasks flow pending -> assigned -> submitting -> resolved. Assign matches validators by skill and reputation; submit records a verdict; consensus resolves the task once enough verdicts arrive.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskConsensusCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task ids by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ids, err := r.ListTasksByStatus(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.TaskPending, "task status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Match validators to a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Task %s assigned to: %s\n", t.ID, strings.Join(t.AssignedTo, ", "))
				return nil
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var outcome bool
	var evidence string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a verification verdict as the current wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.SubmitVerification(ctx, args[0], viper.GetString("wallet"), outcome, evidence)
				if err != nil {
					return err
				}
				if result == nil {
					fmt.Println("Verdict recorded; task awaiting more submissions.")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("Task %s resolved: outcome=%t\n", result.TaskID, result.Outcome)
				for wallet, delta := range result.Deltas {
					fmt.Printf("  %s: %+d\n", wallet, delta)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&outcome, "outcome", false, "verdict (true = claim holds)")
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference (hash or URL)")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("wallet"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskConsensusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consensus <id>",
		Short: "Show the consensus result for a resolved task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cr, err := r.GetConsensusResult(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cr)
			})
		},
	}
	return cmd
}

func validatorCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "validator",
		Short: "Manage validators",
	}
	v.AddCommand(validatorRegisterCmd())
	v.AddCommand(validatorListCmd())
	v.AddCommand(validatorShowCmd())
	v.AddCommand(validatorDeactivateCmd())
	return v
}

func validatorRegisterCmd() *cobra.Command {
	var wallet string
	var skills []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wallet == "" {
				wallet = viper.GetString("wallet")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.RegisterValidator(ctx, wallet, skills)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet address (defaults to --wallet persistent flag)")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "skill tag (repeatable)")
	return cmd
}

func validatorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListValidators(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("WALLET", "REPUTATION", "ACTIVE", "COMPLETED", "SKILLS")
				for _, v := range items {
					tw.AppendRow(table.Row{v.Wallet, v.Reputation, v.Active, v.TotalCompleted, strings.Join(v.Skills, ",")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func validatorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <wallet>",
		Short: "Show a validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := r.GetValidator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	return cmd
}

func validatorDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <wallet>",
		Short: "Deactivate a validator (excluded from future matching)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetValidatorActive(ctx, args[0], false)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the append-only settlement ledger",
	}
	l.AddCommand(ledgerProofsCmd())
	l.AddCommand(ledgerEventsCmd())
	l.AddCommand(ledgerValidatorCmd())
	return l
}

func ledgerProofsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proofs <task-id>",
		Short: "List proof records for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(led ledger.Ledger) error {
				proofs, err := led.Proofs(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proofs)
				}
				tw := newTable("WALLET", "OUTCOME", "DELTA", "EVIDENCE", "TS")
				for _, p := range proofs {
					tw.AppendRow(table.Row{p.Wallet, p.Outcome, p.Delta, truncate(p.EvidenceHash, 24), p.Timestamp})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func ledgerEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail ledger events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(led ledger.Ledger) error {
				events, err := led.RecentEvents(n)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func ledgerValidatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validator <wallet>",
		Short: "Show a validator's ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(led ledger.Ledger) error {
				info, err := led.GetValidator(args[0])
				if err != nil {
					return err
				}
				return printJSON(info)
			})
		},
	}
	return cmd
}

func settleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settle",
		Short: "Settlement maintenance",
	}
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-drive resolved tasks whose ledger settlement has not been recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.RetrySettlements(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Retried %d settlement(s)\n", n)
				return nil
			})
		},
	}
	s.AddCommand(retry)
	return s
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var claimID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, claimID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&claimID, "claim", "", "claim id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key bound to the current wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, secret, err := r.CreateAPIKey(ctx, viper.GetString("wallet"), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.Wallet)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	k.AddCommand(create)
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log, err := logger.New(viper.GetString("log-level"))
			if err != nil {
				return err
			}
			defer log.Sync()
			e, cleanup, err := openEngine(workspace)
			if err != nil {
				return err
			}
			defer cleanup()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VERITRUST_JWT_SECRET"), Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VERITRUST_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving VeriTrust API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openEngine(workspace string) (*engine.Engine, func(), error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	led, err := ledger.OpenLevelDB(db.LedgerPath(workspace))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	zl, _ := logger.New(viper.GetString("log-level"))
	e, err := engine.New(conn, cfg, led, zl)
	if err != nil {
		led.Close()
		conn.Close()
		return nil, nil, err
	}
	cleanup := func() {
		led.Close()
		conn.Close()
	}
	return e, cleanup, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, cleanup, err := openEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withLedger(fn func(ledger.Ledger) error) error {
	led, err := ledger.OpenLevelDB(db.LedgerPath(viper.GetString("workspace")))
	if err != nil {
		return err
	}
	defer led.Close()
	return fn(led)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row(headers))
	tw.SetStyle(table.StyleLight)
	return tw
}

func printTaskTable(tasks []domain.Task) {
	tw := newTable("ID", "TEMPLATE", "STATUS", "VALIDATORS", "MINUTES", "SKILLS")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.TemplateID, t.Status, t.MinValidators, t.EstimatedMinutes, strings.Join(t.RequiredSkills, ",")})
	}
	fmt.Println(tw.Render())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
