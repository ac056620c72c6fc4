package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evolvedtroglodyte/therabridge/internal/logger"
	"github.com/evolvedtroglodyte/therabridge/internal/retry"
	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// Client talks to the hosted speech-to-text service. It performs a single
// call per invocation; retries and circuit breaking live in the pipeline.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Transcribe uploads the normalized audio and returns timestamped segments.
// Supports mock mode via USE_MOCK_TRANSCRIBE=true for local development.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (types.TranscriptionResult, error) {
	if os.Getenv("USE_MOCK_TRANSCRIBE") == "true" {
		return mockResult(), nil
	}
	if c.baseURL == "" {
		return types.TranscriptionResult{}, errors.New("TRANSCRIBE_URL not set")
	}

	log := c.log.WithComponent("transcription").WithField("audio_path", audioPath)
	log.Info("uploading audio for transcription")

	var result types.TranscriptionResult
	if err := PostAudioJSON(ctx, c.httpClient, c.baseURL+"/v1/transcribe", audioPath, &result); err != nil {
		return types.TranscriptionResult{}, fmt.Errorf("transcribe: %w", err)
	}
	if len(result.Segments) == 0 {
		return types.TranscriptionResult{}, errors.New("transcribe: empty segment list")
	}
	log.WithField("segments", len(result.Segments)).Info("transcription complete")
	return result, nil
}

func mockResult() types.TranscriptionResult {
	segs := []types.TranscriptionSegment{
		{Start: 0, End: 4.2, Text: "So, how have things been since our last session?"},
		{Start: 4.2, End: 11.8, Text: "Honestly, the week was hard. The sleep exercises helped a little."},
	}
	return types.TranscriptionResult{
		Segments: segs,
		FullText: segs[0].Text + " " + segs[1].Text,
		Duration: 11.8,
		Language: "en",
	}
}

// PostAudioJSON uploads one file as multipart form data and decodes a JSON
// response, classifying transport and HTTP errors for the retry executor.
// Shared with the diarization client.
func PostAudioJSON(ctx context.Context, client *http.Client, endpoint, audioPath string, target any) error {
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection resets and client timeouts are worth another try.
		return retry.Transient(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %v body=%s", err, truncate(raw, 200))
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the retryable/fatal taxonomy:
// 429 and 5xx are transient, other non-2xx are permanent.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return retry.Transient(fmt.Errorf("http %d: %s", status, truncate(body, 200)))
	default:
		return fmt.Errorf("http %d: %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
