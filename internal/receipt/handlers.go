package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-verifier/internal/imageio"
)

// formOverhead is the allowance for fields and encoding on top of the image
const formOverhead = 1 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// flexString accepts a JSON string or a whole JSON number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number: %w", err)
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		*f = flexString(n.String())
		return nil
	}
	// Amounts carry no minor units; 45000.0 is flattened to 45000 before
	// it reaches the separator-stripping parser.
	v, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || v != math.Trunc(v) || math.IsInf(v, 0) {
		return fmt.Errorf("expected a whole number, got %s", n.String())
	}
	*f = flexString(strconv.FormatFloat(v, 'f', 0, 64))
	return nil
}

// verificationBody is the JSON form of a verification request
type verificationBody struct {
	ImageBase64            string     `json:"imageBase64"`
	ImageMime              string     `json:"imageMime"`
	Filename               string     `json:"filename"`
	ExpectedAmount         flexString `json:"expectedAmount"`
	ExpectedDate           string     `json:"expectedDate"`
	ExpectedTime           string     `json:"expectedTime"`
	AcceptableDestinations []string   `json:"acceptableDestinations"`
}

// handleHealth reports liveness and the configured scanner
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	provider, model, _ := strings.Cut(s.service.ScannerName(), "/")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": serviceName,
		"scanner": provider,
		"model":   model,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCreateVerification runs a verification from a JSON or multipart upload
func (s *Server) handleCreateVerification(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(s.service.limits.MaxBytes)*4/3 + formOverhead
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var (
		req VerificationRequest
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = parseMultipartRequest(r, maxBody)
	} else {
		req, err = parseJSONRequest(r)
	}
	if err != nil {
		slog.Warn("Rejected verification request", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.service.Verify(r.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidInput):
		slog.Warn("Rejected verification input", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case IsInternal(err):
		slog.Error("Decision engine fault", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	case err != nil:
		slog.Error("Error running verification", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func parseJSONRequest(r *http.Request) (VerificationRequest, error) {
	var body verificationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return VerificationRequest{}, fmt.Errorf("invalid request body: %w", err)
	}

	encoded, mime := body.ImageBase64, body.ImageMime
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		if header, payload, found := strings.Cut(rest, ","); found {
			if mime == "" {
				mime, _, _ = strings.Cut(header, ";")
			}
			encoded = payload
		}
	}
	if encoded == "" || mime == "" || body.ExpectedAmount == "" || body.ExpectedDate == "" {
		return VerificationRequest{}, errors.New("imageBase64, imageMime, expectedAmount and expectedDate are required")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return VerificationRequest{}, fmt.Errorf("imageBase64 is not valid base64: %w", err)
	}

	return VerificationRequest{
		Filename:               body.Filename,
		Data:                   data,
		ContentType:            mime,
		ExpectedAmount:         string(body.ExpectedAmount),
		ExpectedDate:           body.ExpectedDate,
		ExpectedTime:           body.ExpectedTime,
		AcceptableDestinations: body.AcceptableDestinations,
	}, nil
}

func parseMultipartRequest(r *http.Request, maxBody int64) (VerificationRequest, error) {
	if err := r.ParseMultipartForm(maxBody); err != nil {
		return VerificationRequest{}, fmt.Errorf("parsing form: %w", err)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return VerificationRequest{}, fmt.Errorf("no file provided: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return VerificationRequest{}, fmt.Errorf("reading file: %w", err)
	}

	var destinations []string
	for _, value := range r.MultipartForm.Value["acceptable_destinations"] {
		for _, d := range strings.Split(value, ",") {
			if d = strings.TrimSpace(d); d != "" {
				destinations = append(destinations, d)
			}
		}
	}

	// Browsers and multipart writers often send a generic type for files.
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = imageio.FromFilename(header.Filename)
	}

	req := VerificationRequest{
		Filename:               header.Filename,
		Data:                   data,
		ContentType:            contentType,
		ExpectedAmount:         r.FormValue("expected_amount"),
		ExpectedDate:           r.FormValue("expected_date"),
		ExpectedTime:           r.FormValue("expected_time"),
		AcceptableDestinations: destinations,
	}
	if req.ExpectedAmount == "" || req.ExpectedDate == "" {
		return VerificationRequest{}, errors.New("expected_amount and expected_date are required")
	}
	return req, nil
}

// handleListVerifications returns all verifications
func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	verifications, err := s.service.ListVerifications()
	if err != nil {
		slog.Error("Error listing verifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, verifications)
}

// handleGetVerification returns a single verification
func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.GetVerification(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "verification not found")
		return
	}
	if err != nil {
		slog.Error("Error getting verification", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleGetVerificationFile returns the image kept for review
func (s *Server) handleGetVerificationFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetVerificationFile(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		slog.Error("Error getting verification file", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
