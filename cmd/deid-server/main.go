package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docqa/deid/internal/config"
	"github.com/docqa/deid/internal/deid"
	"github.com/docqa/deid/internal/platform/db"
	"github.com/docqa/deid/internal/platform/messaging"
	"github.com/docqa/deid/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "deid-server",
		Short:         "De-identification service for French clinical documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(anonymizeCmd())
	rootCmd.AddCommand(mappingsCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(consumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger writes JSON to out, or a console format in development.
func newLogger(out io.Writer, env, level string) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// engine is the wired de-identification stack shared by every command.
type engine struct {
	svc      *deid.Service
	denylist *deid.Denylist
	pool     *pgxpool.Pool
}

func (e *engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// newEngine builds the service from cfg. With the postgres backend it opens
// a pool that the caller releases through Close.
func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	denylist, err := deid.LoadDenylist(cfg.DenylistFile)
	if err != nil {
		return nil, err
	}

	e := &engine{denylist: denylist}
	var ledger deid.MappingLedger
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		ledger = deid.NewMemoryLedger()
		logger.Warn().Msg("using in-memory mapping ledger, mappings are lost on exit")
	default:
		e.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		ledger = deid.NewLedgerPG(e.pool)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}

	names := deid.NewNameDetector(denylist)
	catalog := deid.NewPatternCatalog()
	anon := deid.NewAnonymizer(names, catalog, deid.NewGenerator(nil), ledger,
		deid.WithStageHook(func(documentID string, s deid.Stage) {
			logger.Trace().Str("document_id", documentID).Str("stage", string(s)).Msg("stage")
		}),
	)
	e.svc = deid.NewService(anon, names, catalog, ledger, logger)
	return e, nil
}

// loadConfig loads the environment and checks the ledger settings.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(os.Stderr, cfg.Env, cfg.LogLevel)
	if err := cfg.ValidateLedger(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the mapping ledger schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		schema, _ := cmd.Flags().GetString("schema")
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		state, at := "pending", "-"
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
	}
	tw.Flush()
}

func anonymizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anonymize <pattern>",
		Short: "Anonymize text files matching a glob pattern (supports **)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("base")
			outDir, _ := cmd.Flags().GetString("out")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			files, err := matchInputs(os.DirFS(base), args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files match %q under %s", args[0], base)
			}

			ctx, cancel := signalContext()
			defer cancel()
			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			failed := 0
			for _, rel := range files {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := anonymizeFile(ctx, eng.svc, base, rel, outDir, cmd.OutOrStdout()); err != nil {
					failed++
					logger.Error().Err(err).Str("file", rel).Msg("file not anonymized")
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d file(s) anonymized, %d failed\n", len(files)-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d file(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().String("base", ".", "Directory the pattern is resolved against")
	cmd.Flags().String("out", "", "Write <file>.anon.txt under this directory instead of printing JSON lines")
	return cmd
}

// matchInputs expands pattern against fsys and returns regular files only,
// sorted.
func matchInputs(fsys fs.FS, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// outputPath maps an input file to its anonymized twin under outDir.
func outputPath(outDir, rel string) string {
	return filepath.Join(outDir, filepath.FromSlash(rel)+".anon.txt")
}

func anonymizeFile(ctx context.Context, svc *deid.Service, base, rel, outDir string, stdout io.Writer) error {
	content, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	doc, err := svc.Anonymize(ctx, deid.AnonymizeRequest{DocumentContent: string(content), Filename: rel})
	if err != nil {
		return err
	}
	if outDir == "" {
		return json.NewEncoder(stdout).Encode(struct {
			File string `json:"file"`
			*deid.AnonymizedDocument
		}{rel, doc})
	}
	dst := outputPath(outDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(doc.Content), 0o600)
}

func mappingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings <document-id>",
		Short: "Print the pseudonym mappings recorded for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.svc.GetMappings(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <dataset.json>",
		Short: "Score detection precision, recall and F1 against a labelled dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, _ := cmd.Flags().GetInt("sample")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.Env, cfg.LogLevel)
			// Detection never writes mappings.
			cfg.LedgerBackend = config.LedgerMemory

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open dataset: %w", err)
			}
			defer f.Close()
			docs, err := deid.ReadDataset(f)
			if err != nil {
				return err
			}

			eng, err := newEngine(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			report, err := deid.Evaluate(eng.svc.Detect, docs, sample)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().Int("sample", 0, "Only evaluate the first N documents")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *deid.EvaluationReport) {
	fmt.Fprintf(w, "Documents: %d  expected entities: %d  detected: %d  time: %dms\n\n",
		r.Documents, r.TotalExpected, r.TotalDetected, r.ElapsedMs)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPRECISION\tRECALL\tF1\tTP\tFP\tFN\tSUPPORT")
	for _, m := range append(r.ByEntity, r.Overall) {
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%.2f%%\t%d\t%d\t%d\t%d\n",
			m.EntityType, m.Precision*100, m.Recall*100, m.F1*100,
			m.TruePositives, m.FalsePositives, m.FalseNegatives, m.Support)
	}
	tw.Flush()
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Anonymize documents from the input queue and publish them to the output queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateQueue(); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()
			go watchDenylist(ctx, cfg.DenylistFile, eng.denylist, logger)

			client, err := messaging.Dial(messaging.Config{
				URL:         cfg.AMQPURL,
				InputQueue:  cfg.AMQPInputQueue,
				OutputQueue: cfg.AMQPOutputQueue,
				Prefetch:    cfg.AMQPPrefetch,
			}, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Consume(ctx, messaging.NewWorker(eng.svc, client, logger))
		},
	}
}

// watchDenylist reloads the denylist file until ctx ends. Without a file
// there is nothing to watch.
func watchDenylist(ctx context.Context, path string, d *deid.Denylist, logger zerolog.Logger) {
	if path == "" {
		return
	}
	if err := deid.WatchDenylist(ctx, path, d, logger); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("denylist watcher stopped")
	}
}
