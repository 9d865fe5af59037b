// Package vision turns table images into structured records by
// submitting them to a vision-capable chat-completions API and
// validating the response.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"flashback-datasets/lib/retryutil"
	"flashback-datasets/lib/tables"
	"flashback-datasets/lib/telemetry"
)

var tracer = otel.Tracer("lib/vision")

var (
	// ErrMissingCredential means no API key was configured. This is
	// fatal, the run must abort before any inference cost is incurred.
	ErrMissingCredential = errors.New("inference api credential is missing")
	// ErrRateLimited means the API kept refusing after backoff.
	ErrRateLimited = errors.New("inference api rate limit exhausted")
	// ErrMalformedResponse means no parseable records came back after
	// the repair budget.
	ErrMalformedResponse = errors.New("inference response stayed malformed")
)

// Config drives the extraction stage. MaxConcurrency is deliberately
// small, inference calls are paid.
type Config struct {
	BaseURL        string           `json:"base_url"`
	Model          string           `json:"model"`
	APIKey         string           `json:"api_key"`
	RequestTimeout time.Duration    `json:"request_timeout"`
	MaxConcurrency int              `json:"max_concurrency"`
	RepairAttempts int              `json:"repair_attempts"`
	RateLimit      retryutil.Policy `json:"rate_limit"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.RepairAttempts <= 0 {
		c.RepairAttempts = 2
	}
	return c
}

// Image is one stored asset queued for extraction. TypeHint carries
// whatever the page context suggested, it is used when the response
// does not name a table type itself.
type Image struct {
	Path     string
	Hash     string
	TypeHint tables.Type
}

// Extractor is safe for concurrent use.
type Extractor struct {
	config Config
	client *resty.Client
}

// New validates the credential up front so a misconfigured run fails
// before any network traffic.
func New(config Config) (*Extractor, error) {
	config = config.withDefaults()
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("inference api base url is required")
	}

	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(config.RequestTimeout)
	client.SetHeader("Authorization", "Bearer "+config.APIKey)
	telemetry.InstrumentResty(client, "lib/vision")

	return &Extractor{config: config, client: client}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract submits one image and returns its validated records.
// Failures come back as ErrRateLimited or ErrMalformedResponse
// wrapped with context, both are per-item and non-fatal.
func (e *Extractor) Extract(ctx context.Context, img Image) ([]tables.Record, error) {
	ctx, span := tracer.Start(ctx, "vision.Extract")
	defer span.End()

	data, err := os.ReadFile(img.Path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read image: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(data)

	// First the plain schema prompt, then the same request again, then
	// a strict-syntax reprompt. Parse failures burn one attempt each.
	prompts := []string{extractionPrompt, extractionPrompt, strictRepairPrompt}
	if e.config.RepairAttempts+1 < len(prompts) {
		prompts = prompts[:e.config.RepairAttempts+1]
	}

	var lastParseErr error
	for _, prompt := range prompts {
		content, err := e.complete(ctx, prompt, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		rows, err := parseRows(content)
		if err != nil {
			lastParseErr = err
			continue
		}
		return normalizeRows(rows, img), nil
	}

	err = fmt.Errorf("%w: %s", ErrMalformedResponse, lastParseErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// complete performs one chat-completions call, backing off on rate
// limit signals up to the policy's attempt cap.
func (e *Extractor) complete(ctx context.Context, prompt string, imageB64 string) (string, error) {
	request := chatRequest{
		Model: e.config.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:image/png;base64," + imageB64,
				}},
			},
		}},
		MaxTokens: 4096,
	}

	var content string
	err := e.config.RateLimit.Do(ctx, func() error {
		var parsed chatResponse
		resp, err := e.client.R().
			SetContext(ctx).
			SetBody(request).
			SetResult(&parsed).
			Post("/chat/completions")
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			return ErrRateLimited
		case resp.StatusCode() >= 500:
			return fmt.Errorf("inference api status %s", resp.Status())
		case resp.StatusCode() != http.StatusOK:
			return retryutil.Permanent(
				fmt.Errorf("inference api status %s", resp.Status()),
			)
		}

		if len(parsed.Choices) == 0 {
			return retryutil.Permanent(
				fmt.Errorf("%w: response carried no choices", ErrMalformedResponse),
			)
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	return content, err
}
