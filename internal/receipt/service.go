package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-verifier/internal/forensic"
	"github.com/zombor/receipt-verifier/internal/imageio"
	"github.com/zombor/receipt-verifier/internal/metrics"
	"github.com/zombor/receipt-verifier/internal/qr"
	"github.com/zombor/receipt-verifier/internal/scanning"
	"github.com/zombor/receipt-verifier/internal/verify"
)

const (
	// DefaultTimeout bounds one verification, extraction included
	DefaultTimeout = 45 * time.Second

	timeoutConfidence = 0.3
	timeoutReason     = "verification timed out"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// IDGenerator generates unique IDs for verifications
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// QRDecoder searches an upload for a QR code
type QRDecoder interface {
	Decode(data []byte, contentType string) qr.Result
}

// TamperScorer runs the pixel forensics on an upload
type TamperScorer interface {
	Score(data []byte, contentType string) forensic.Report
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tune the boundary around the decision engine
type Options struct {
	Limits  Limits
	Timeout time.Duration
}

// Deps are the collaborators of a Service
type Deps struct {
	DB          DB
	Scanner     scanning.Scanner
	Storage     Storage
	Engine      *verify.Engine
	QR          QRDecoder
	Forensic    TamperScorer
	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Service runs verifications and keeps their audit trail
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	engine      *verify.Engine
	qr          QRDecoder
	forensic    TamperScorer
	idGenerator IDGenerator
	timeSource  TimeSource
	limits      Limits
	timeout     time.Duration
	shorthand   bool
}

// NewService creates a new Service with the default QR pipeline, forensic
// scorer, ID generator and time source
func NewService(db DB, scanner scanning.Scanner, storage Storage, engine *verify.Engine, opts Options) *Service {
	cfg := engine.Config()
	return NewServiceWithDeps(Deps{
		DB:          db,
		Scanner:     scanner,
		Storage:     storage,
		Engine:      engine,
		QR:          qr.NewPipeline(),
		Forensic:    forensic.NewScorer(cfg.TamperModerateThreshold, cfg.TamperHighThreshold),
		IDGenerator: &uuidGenerator{},
		TimeSource:  &defaultTimeSource{},
	}, opts)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(deps Deps, opts Options) *Service {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Service{
		db:          deps.DB,
		scanner:     deps.Scanner,
		storage:     deps.Storage,
		engine:      deps.Engine,
		qr:          deps.QR,
		forensic:    deps.Forensic,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
		limits:      opts.Limits,
		timeout:     opts.Timeout,
		shorthand:   deps.Engine.Config().AmountShorthandConvention,
	}
}

// ScannerName identifies the extraction collaborator in use
func (s *Service) ScannerName() string {
	return s.scanner.Name()
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

type analysis struct {
	decision *verify.Decision
	err      error
}

// Verify admits an upload, analyzes it and records the decision. Admission
// failures wrap ErrInvalidInput. An expired deadline yields a pending_review
// decision rather than an error.
func (s *Service) Verify(ctx context.Context, req VerificationRequest) (*Verification, error) {
	expected, err := verify.NewExpectedTransaction(req.ExpectedAmount, req.ExpectedDate, req.ExpectedTime, req.AcceptableDestinations, s.shorthand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	contentType := req.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = imageio.FromFilename(req.Filename)
	}
	contentType, err = s.limits.Admit(req.Data, contentType)
	if err != nil {
		return nil, err
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Buffered so an abandoned analysis can finish and be discarded.
	results := make(chan analysis, 1)
	go func() {
		results <- s.analyze(ctx, req.Data, contentType, expected)
	}()

	var (
		decision *verify.Decision
		timedOut bool
	)
	select {
	case res := <-results:
		if res.err != nil {
			slog.Error("Decision failed", "id", id, "error", res.err)
			return nil, fmt.Errorf("deciding verification %s: %w", id, res.err)
		}
		decision = res.decision
	case <-ctx.Done():
		slog.Warn("Verification deadline reached", "id", id, "timeout", s.timeout)
		decision = timedOutDecision()
		timedOut = true
	}
	elapsed := time.Since(start)

	v := &Verification{
		ID:          id,
		CreatedAt:   now,
		Scanner:     s.scanner.Name(),
		UploadName:  sanitizeFilename(req.Filename),
		ContentType: contentType,
		ImageBytes:  len(req.Data),
		Expected:    expected,
		Decision:    decision,
		DurationMS:  elapsed.Milliseconds(),
		TimedOut:    timedOut,
	}

	if decision.Status == verify.StatusPendingReview {
		savedPath, err := s.storage.Save(id+imageio.Extension(contentType), req.Data)
		if err != nil {
			slog.Warn("Failed to keep image for review", "id", id, "error", err)
		} else {
			v.Filename = &savedPath
		}
	}

	if err := s.db.SaveVerification(v); err != nil {
		if v.Filename != nil {
			s.storage.Delete(*v.Filename)
		}
		return nil, fmt.Errorf("saving verification to database: %w", err)
	}

	metrics.ObserveVerification(string(decision.Status), elapsed)
	if !timedOut {
		metrics.QRDecodesTotal.WithLabelValues(qrOutcome(decision.QR)).Inc()
	}

	slog.Info("Verified receipt",
		"id", id,
		"status", decision.Status,
		"confidence", decision.Confidence,
		"qr_method", qrMethod(decision.QR),
		"tamper_score", tamperScore(decision),
		"duration", elapsed,
	)
	return v, nil
}

// analyze runs extraction, QR search and forensics concurrently and then
// decides. It never returns early on ctx; only the scanner sees it.
func (s *Service) analyze(ctx context.Context, data []byte, contentType string, expected verify.ExpectedTransaction) (res analysis) {
	defer func() {
		if r := recover(); r != nil {
			res = analysis{err: fmt.Errorf("%w: %v", verify.ErrInternal, r)}
		}
	}()

	var (
		extracted *scanning.ExtractedReceipt
		qrResult  qr.Result
		report    forensic.Report
		g         errgroup.Group
	)
	g.Go(func() error {
		extracted = s.extract(ctx, data, contentType, expected)
		return nil
	})
	g.Go(func() error {
		qrResult = s.qr.Decode(data, contentType)
		return nil
	})
	g.Go(func() error {
		report = s.forensic.Score(data, contentType)
		return nil
	})
	_ = g.Wait()

	decision, err := s.engine.Decide(verify.Inputs{
		Expected:  expected,
		Extracted: extracted,
		QR:        qrResult,
		Forensic:  report,
	})
	return analysis{decision: decision, err: err}
}

// extract calls the scanner. Transport errors become an unreadable receipt
// so the decision still runs.
func (s *Service) extract(ctx context.Context, data []byte, contentType string, expected verify.ExpectedTransaction) *scanning.ExtractedReceipt {
	hints := scanning.Hints{Amount: expected.Amount, Date: expected.Date}
	if expected.Time != nil {
		hints.Time = *expected.Time
	}

	extracted, err := s.scanner.ScanReceipt(ctx, data, contentType, hints)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"scanner", s.scanner.Name(),
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		metrics.ExtractionFailuresTotal.WithLabelValues(s.scanner.Name()).Inc()
		return scanning.Unreadable(scanning.NoteUnparsable)
	}
	if extracted == nil {
		metrics.ExtractionFailuresTotal.WithLabelValues(s.scanner.Name()).Inc()
		return scanning.Unreadable(scanning.NoteUnparsable)
	}
	for _, note := range extracted.Notes {
		if note == scanning.NoteUnparsable {
			metrics.ExtractionFailuresTotal.WithLabelValues(s.scanner.Name()).Inc()
			break
		}
	}
	return extracted
}

func timedOutDecision() *verify.Decision {
	return &verify.Decision{
		Status:     verify.StatusPendingReview,
		Confidence: timeoutConfidence,
		Reasons:    []string{timeoutReason},
	}
}

func qrOutcome(r *qr.Result) string {
	switch {
	case r == nil:
		return "skipped"
	case r.Decoded:
		return "decoded"
	case r.Error != nil && *r.Error == qr.ErrNotDecoded:
		return "not_decoded"
	default:
		return "error"
	}
}

func qrMethod(r *qr.Result) string {
	if r == nil || r.Method == nil {
		return ""
	}
	return *r.Method
}

func tamperScore(d *verify.Decision) float64 {
	if d.Forensic == nil {
		return 0
	}
	return d.Forensic.CombinedScore
}

// GetVerification retrieves a verification by ID
func (s *Service) GetVerification(id string) (*Verification, error) {
	v, err := s.db.GetVerification(id)
	if err != nil {
		return nil, fmt.Errorf("getting verification: %w", err)
	}
	return v, nil
}

// ListVerifications returns all verifications, newest first
func (s *Service) ListVerifications() ([]*Verification, error) {
	verifications, err := s.db.ListVerifications()
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}
	return verifications, nil
}

// GetVerificationFile retrieves the image kept for a verification under review
func (s *Service) GetVerificationFile(id string) ([]byte, string, error) {
	v, err := s.db.GetVerification(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting verification: %w", err)
	}
	if v.Filename == nil {
		return nil, "", fmt.Errorf("verification %s has no stored image: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(*v.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting verification file: %w", err)
	}
	return data, v.ContentType, nil
}

// IsInternal reports whether err is an engine fault rather than bad input
func IsInternal(err error) bool {
	return errors.Is(err, verify.ErrInternal)
}
