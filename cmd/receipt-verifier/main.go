package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-verifier/internal/receipt"
	"github.com/zombor/receipt-verifier/internal/scanning"
	"github.com/zombor/receipt-verifier/internal/verify"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := verify.DefaultConfig()
	limits := receipt.DefaultLimits()

	fs := ff.NewFlagSet("receipt-verifier")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "receipt-verifier.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./review", "Directory for images held for manual review")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'openai' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		openaiKey     = fs.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		openaiModel   = fs.StringLong("openai-model", "gpt-4o-mini", "OpenAI model name")
		openaiURL     = fs.StringLong("openai-url", "", "OpenAI-compatible API base URL (optional)")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat     = fs.StringLong("log-format", "text", "Log format: text or json")
		verifyTimeout = fs.DurationLong("verify-timeout", receipt.DefaultTimeout, "Deadline for one verification, extraction included")
		minImageBytes = fs.IntLong("min-image-bytes", limits.MinBytes, "Smallest accepted upload in bytes")
		maxImageBytes = fs.IntLong("max-image-bytes", limits.MaxBytes, "Largest accepted upload in bytes")

		destinations   = fs.StringLong("accepted-destinations", "", "Comma-separated accepted destination accounts")
		toleranceFloor = fs.IntLong("amount-tolerance-floor", int(defaults.AmountToleranceFloor), "Minimum absolute amount tolerance")
		tolerancePct   = fs.Float64Long("amount-tolerance-pct", defaults.AmountTolerancePct, "Amount tolerance as a fraction of the expected amount")
		shorthand      = fs.BoolLong("amount-shorthand", "Treat expected amounts below 1000 as thousands")
		confFloor      = fs.Float64Long("verified-confidence-floor", defaults.VerifiedConfidenceFloor, "Lowest confidence reported for verified receipts")
		confCeiling    = fs.Float64Long("verified-confidence-ceiling", defaults.VerifiedConfidenceCeiling, "Highest confidence reported for verified receipts")
		requireRef     = fs.BoolLong("require-reference", "Require a legible reference for verified")
		requireDest    = fs.BoolDefault(0, "require-destination", defaults.RequireDestinationForVerified, "Require a confirmed destination for verified when an allow-set exists")
		requireQR      = fs.BoolLong("require-qr", "Require a decoded QR code for verified")
		tamperModerate = fs.Float64Long("tamper-moderate", defaults.TamperModerateThreshold, "Tamper score that blocks verified")
		tamperHigh     = fs.Float64Long("tamper-high", defaults.TamperHighThreshold, "Tamper score reported as likely edited")

		_           = fs.StringLong("config", "", "Config file (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_VERIFIER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
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

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	cfg := defaults
	cfg.AcceptedDestinations = splitList(*destinations)
	cfg.AmountToleranceFloor = int64(*toleranceFloor)
	cfg.AmountTolerancePct = *tolerancePct
	cfg.AmountShorthandConvention = *shorthand
	cfg.VerifiedConfidenceFloor = *confFloor
	cfg.VerifiedConfidenceCeiling = *confCeiling
	cfg.RequireReferenceForVerified = *requireRef
	cfg.RequireDestinationForVerified = *requireDest
	cfg.RequireQrDecodeForVerified = *requireQR
	cfg.TamperModerateThreshold = *tamperModerate
	cfg.TamperHighThreshold = *tamperHigh

	engine, err := verify.NewEngine(cfg)
	if err != nil {
		slog.Error("Invalid decision configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.AcceptedDestinations) == 0 {
		slog.Warn("No accepted destinations configured; destinations are only checked when a request carries its own")
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	scanner, err := newScanner(*scannerType, scannerOptions{
		geminiKey:   *geminiKey,
		geminiModel: *geminiModel,
		openaiKey:   *openaiKey,
		openaiModel: *openaiModel,
		openaiURL:   *openaiURL,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := receipt.NewService(db, scanner, store, engine, receipt.Options{
		Limits: receipt.Limits{
			MinBytes: *minImageBytes,
			MaxBytes: *maxImageBytes,
			MinSide:  limits.MinSide,
			MaxSide:  limits.MaxSide,
		},
		Timeout: *verifyTimeout,
	})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "scanner", scanner.Name(), "version", version)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

// newLogger builds the process logger from the log flags
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
}

type scannerOptions struct {
	geminiKey   string
	geminiModel string
	openaiKey   string
	openaiModel string
	openaiURL   string
	ollamaURL   string
	ollamaModel string
}

// newScanner initializes the extraction collaborator named by scannerType
func newScanner(scannerType string, opts scannerOptions) (scanning.Scanner, error) {
	switch scannerType {
	case "gemini":
		apiKey := opts.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", opts.geminiModel)
		return scanning.NewGemini(apiKey, opts.geminiModel)
	case "openai":
		apiKey := opts.openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key is required: set --openai-key or OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI scanner...", "model", opts.openaiModel)
		return scanning.NewOpenAI(apiKey, opts.openaiModel, opts.openaiURL)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", opts.ollamaURL, "model", opts.ollamaModel)
		return scanning.NewOllama(opts.ollamaURL, opts.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q: want gemini, openai or ollama", scannerType)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
