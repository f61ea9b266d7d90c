package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/receipt-ledger/internal/extraction"
	"github.com/zombor/receipt-ledger/internal/idempotency"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/llm"
	"github.com/zombor/receipt-ledger/internal/logging"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/query"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/receipt/sqlstore"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// store is a receipt.DB that owns a connection
type store interface {
	receipt.DB
	io.Closer
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		storeType   = fs.StringLong("store", "bolt", "Storage backend: 'bolt', 'sqlite', 'postgres' or 'mysql'")
		dbPath      = fs.StringLong("db", "receipt-ledger.db", "Database file path (bolt, sqlite) or DSN (postgres, mysql)")
		llmType     = fs.StringLong("llm", "gemini", "Language model backend: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", llm.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		ocrURL      = fs.StringLong("ocr-url", ocr.DefaultURL, "OCR.space parse endpoint")
		ocrKey      = fs.StringLong("ocr-key", "", "OCR.space API key (or set OCR_API_KEY env var)")
		ocrLanguage = fs.StringLong("ocr-language", "eng", "OCR language code")
		ocrTimeout  = fs.DurationLong("ocr-timeout", 60*time.Second, "OCR request timeout")
		redisAddr   = fs.StringLong("redis-addr", "", "Redis address for Idempotency-Key handling (optional)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel    = fs.StringLong("log-level", "", "Log level: debug, info, warn or error (or set LOG_LEVEL env var)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logging.Setup(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "store", *storeType)
	db, err := openStore(ctx, *storeType, *dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize language model based on type
	var generator llm.Generator
	switch *llmType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini...", "model", *geminiModel)
		generator, err = llm.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama...", "url", *ollamaURL, "model", *ollamaModel)
		generator, err = llm.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid language model type", "type", *llmType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer generator.Close()

	// Initialize OCR
	apiKey := *ocrKey
	if apiKey == "" {
		apiKey = os.Getenv("OCR_API_KEY")
	}
	recognizer, err := ocr.NewClient(ocr.Config{
		URL:      *ocrURL,
		APIKey:   apiKey,
		Language: *ocrLanguage,
		Timeout:  *ocrTimeout,
	})
	if err != nil {
		slog.Error("Failed to initialize OCR client. Set --ocr-key flag or OCR_API_KEY environment variable", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	// Initialize service
	gateway := receipt.NewGateway(db)
	executor := query.NewExecutor(db)
	router := query.NewRouter(
		query.NewClassifier(generator),
		query.NewFactualResolver(generator, executor),
		query.NewSubjectiveResolver(generator, db),
		gateway,
		m,
	)
	service := ledger.NewService(recognizer, extraction.NewEngine(generator, m), gateway, router, executor, m)

	opts := ledger.Options{
		BasicAuth: ledger.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		Metrics: m,
		Version: version,
	}
	if *redisAddr != "" {
		guard, err := idempotency.Dial(ctx, *redisAddr)
		if err != nil {
			slog.Error("Failed to connect to Redis", "address", *redisAddr, "error", err)
			os.Exit(1)
		}
		defer guard.Close()
		opts.Guard = guard
		slog.Info("Idempotency keys enabled", "redis", *redisAddr)
	}

	server := ledger.NewServer(service, opts)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}

// openStore opens the bolt file or a SQL database for the named backend
func openStore(ctx context.Context, kind, dsn string) (store, error) {
	if kind == "bolt" {
		return receipt.NewBoltDB(dsn)
	}
	dialect, err := sqlstore.ParseDialect(kind)
	if err != nil {
		return nil, err
	}
	return sqlstore.Open(ctx, dialect, dsn)
}
