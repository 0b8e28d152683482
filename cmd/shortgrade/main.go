package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/shortgrade/internal/handler"
	appI18n "github.com/pavelanni/shortgrade/internal/i18n"
	"github.com/pavelanni/shortgrade/internal/llm"
	"github.com/pavelanni/shortgrade/internal/model"
	"github.com/pavelanni/shortgrade/internal/observability"
	"github.com/pavelanni/shortgrade/internal/quiz"
	"github.com/pavelanni/shortgrade/internal/store"
	"github.com/pavelanni/shortgrade/internal/submission"
)

//go:generate templ generate

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shortgrade",
		Short: "Short-answer quiz graded by an LLM",
	}

	serve := serveCmd()
	root.AddCommand(serve, migrateCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `shortgrade --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP quiz server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addDBFlags(f)
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM (or set OPENAI_API_KEY)")
	f.String("llm-model", "gpt-5", "LLM model name (or set OPENAI_MODEL)")
	f.Int("llm-max-tokens", 400, "Completion token limit on the first attempt (0 = omit)")
	f.Float32("llm-temperature", 0, "Sampling temperature on the first attempt (0 = omit)")
	f.StringP("quiz", "q", "", "Path to a quiz JSON file (default: built-in question)")
	f.StringP("lang", "l", "ko", "Default UI language (ko, en)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /quiz)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	addLogFlags(f)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the submissions table and exit",
		RunE:  runMigrate,
	}
	addDBFlags(cmd.Flags())
	addLogFlags(cmd.Flags())
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addDBFlags(f)
	f.StringP("quiz", "q", "", "Path to a quiz JSON file (default: built-in question)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func addDBFlags(f *pflag.FlagSet) {
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, mysql)")
	f.String("db", "shortgrade.db", "SQLite database path")
	f.String("db-host", "localhost", "MySQL host")
	f.Int("db-port", 3306, "MySQL port")
	f.String("db-name", "", "MySQL database name")
	f.String("db-user", "", "MySQL user")
	f.String("db-password", "", "MySQL password")
	f.String("db-table", "submissions", "Table holding the submissions")
	f.Int("db-pool-size", 5, "Maximum open database connections")
	f.Duration("db-conn-lifetime", 30*time.Minute, "Maximum lifetime of a pooled connection")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SHORTGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// The conventional OpenAI variables work without the prefix.
	_ = v.BindEnv("llm-key", "SHORTGRADE_LLM_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm-model", "SHORTGRADE_LLM_MODEL", "OPENAI_MODEL")

	v.SetConfigName("shortgrade")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/shortgrade")
	v.AddConfigPath("/etc/shortgrade")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func storeConfig(v *viper.Viper) store.Config {
	return store.Config{
		Driver:          store.Driver(strings.ToLower(v.GetString("db-driver"))),
		Path:            v.GetString("db"),
		Host:            v.GetString("db-host"),
		Port:            v.GetInt("db-port"),
		Name:            v.GetString("db-name"),
		User:            v.GetString("db-user"),
		Password:        v.GetString("db-password"),
		Table:           v.GetString("db-table"),
		PoolSize:        v.GetInt("db-pool-size"),
		ConnMaxLifetime: v.GetDuration("db-conn-lifetime"),
	}
}

func llmConfig(v *viper.Viper) llm.Config {
	return llm.Config{
		BaseURL:     v.GetString("llm-url"),
		APIKey:      v.GetString("llm-key"),
		Model:       v.GetString("llm-model"),
		MaxTokens:   v.GetInt("llm-max-tokens"),
		Temperature: float32(v.GetFloat64("llm-temperature")),
	}
}

// normalizeBasePath returns "" or a prefix starting with "/" and not ending with one.
func normalizeBasePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(storeConfig(v))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// The table is retried on page views, so a database that is down at
	// startup does not stop the server.
	if err := db.EnsureSchema(ctx); err != nil {
		slog.Warn("schema initialization failed, will retry on page view", "error", err)
		observability.SchemaInitFailures().Inc()
	}

	q, err := quiz.Load(v.GetString("quiz"))
	if err != nil {
		return fmt.Errorf("load quiz: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	lc := llmConfig(v)
	if lc.APIKey == "" {
		slog.Warn("no LLM API key configured, grading requests will fail until one is set")
	}
	llmClient := llm.New(lc, q)
	observability.RegisterMetrics()

	basePath := normalizeBasePath(v.GetString("base-path"))
	h, err := handler.New(submission.New(llmClient, db, q), db, model.ServerConfig{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"model", llmClient.Model(),
		"llm_url", lc.BaseURL,
		"db_driver", v.GetString("db-driver"),
		"table", v.GetString("db-table"),
		"lang", lang,
		"languages", appI18n.Languages(),
		"base_path", basePath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(storeConfig(v))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(cmd.Context()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("schema ready", "driver", v.GetString("db-driver"), "table", v.GetString("db-table"))
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	q, err := quiz.Load(v.GetString("quiz"))
	if err != nil {
		return fmt.Errorf("load quiz: %w", err)
	}

	db, err := store.New(storeConfig(v))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	subs, err := db.ExportAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}

	export := model.Export{
		ExportedAt:  time.Now().UTC(),
		Question:    q.Question,
		MaxScore:    q.Rules.MaxScore,
		Submissions: subs,
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return writeExport(w, export)
}

func writeExport(w io.Writer, export model.Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(export); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
