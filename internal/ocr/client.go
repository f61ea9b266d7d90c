// Package ocr turns receipt images into raw text using the OCR.space API.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is the public OCR.space parse endpoint
const DefaultURL = "https://api.ocr.space/parse/image"

// RecognitionFailure means the image produced no usable text
type RecognitionFailure struct {
	Reason string
}

func (e *RecognitionFailure) Error() string {
	return fmt.Sprintf("text recognition failed: %s", e.Reason)
}

// fixedReasons are the reasons the client produces itself
var fixedReasons = map[string]bool{
	"empty_image":        true,
	"unsupported_image":  true,
	"transport_error":    true,
	"malformed_response": true,
	"ocr_error":          true,
	"no_text_found":      true,
}

// Category folds the reason into a small fixed set for use as a metric
// label. Service error messages become ocr_error and status codes http_error.
func (e *RecognitionFailure) Category() string {
	switch {
	case fixedReasons[e.Reason]:
		return e.Reason
	case strings.HasPrefix(e.Reason, "http_status_"):
		return "http_error"
	}
	return "ocr_error"
}

// Recognizer turns an image into raw text
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, filename string) (string, error)
}

// Config configures the OCR.space client
type Config struct {
	URL      string
	APIKey   string
	Language string
	Timeout  time.Duration
}

// Client implements Recognizer against OCR.space
type Client struct {
	url      string
	apiKey   string
	language string
	client   *http.Client
}

var _ Recognizer = (*Client)(nil)

// NewClient creates a new OCR.space client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ocr api key is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		language: cfg.Language,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ocrResponse is the subset of the OCR.space response we read
type ocrResponse struct {
	OCRExitCode           int             `json:"OCRExitCode"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
	ParsedResults         []parsedResult  `json:"ParsedResults"`
}

type parsedResult struct {
	ParsedText string `json:"ParsedText"`
}

// Recognize uploads the image and returns the text of the first parsed result
func (c *Client) Recognize(ctx context.Context, image []byte, filename string) (string, error) {
	if len(image) == 0 {
		return "", &RecognitionFailure{Reason: "empty_image"}
	}

	data, uploadName, fileType, err := prepareUpload(image, filename)
	if err != nil {
		slog.Warn("Could not convert upload", "filename", filename, "error", err)
		return "", &RecognitionFailure{Reason: "unsupported_image"}
	}

	body, contentType, err := c.buildForm(data, uploadName, fileType)
	if err != nil {
		return "", fmt.Errorf("building form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("OCR request failed", "error", err)
		return "", &RecognitionFailure{Reason: "transport_error"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Error("OCR service returned error status", "status", resp.StatusCode, "body", string(msg))
		return "", &RecognitionFailure{Reason: fmt.Sprintf("http_status_%d", resp.StatusCode)}
	}

	var result ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Error("Decoding OCR response failed", "error", err)
		return "", &RecognitionFailure{Reason: "malformed_response"}
	}

	if result.IsErroredOnProcessing || result.OCRExitCode >= 3 {
		reason := errorMessage(result.ErrorMessage)
		if reason == "" {
			reason = "ocr_error"
		}
		return "", &RecognitionFailure{Reason: reason}
	}

	if len(result.ParsedResults) == 0 || strings.TrimSpace(result.ParsedResults[0].ParsedText) == "" {
		return "", &RecognitionFailure{Reason: "no_text_found"}
	}

	return result.ParsedResults[0].ParsedText, nil
}

func (c *Client) buildForm(data []byte, filename, fileType string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"apikey":            c.apiKey,
		"language":          c.language,
		"isOverlayRequired": "false",
	}
	if fileType != "" {
		fields["filetype"] = fileType
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// errorMessage flattens the ErrorMessage field, which OCR.space sends as
// either a string or an array of strings
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.TrimSpace(strings.Join(many, "; "))
	}
	return ""
}
