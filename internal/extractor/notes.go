package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/evolvedtroglodyte/therabridge/internal/logger"
)

// Client extracts structured clinical notes from a merged session
// transcript through an OpenAI-compatible chat gateway. The pipeline treats
// the result as opaque JSON; a failure here never blocks the transcript.
type Client struct {
	gatewayURL string
	model      string
	apiKey     string
	httpClient *http.Client
	maxRetry   time.Duration
	log        *logger.Logger
}

func NewClient(gatewayURL, model, apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetry:   45 * time.Second,
		log:        log,
	}
}

// buildPrompt asks for strict JSON only. Field semantics follow standard
// SOAP-style session notes.
func buildPrompt(transcript string) string {
	prompt := `You are a clinical documentation assistant for licensed therapists.

Analyze the following therapy session transcript and produce session notes.
Ground every statement in the transcript. Do NOT invent details. If a field
cannot be supported by the transcript, use an empty string or empty list.

Return ONLY a JSON object with this exact shape (no commentary, no markdown
fences):
{
  "subjective": "",
  "objective": "",
  "assessment": "",
  "plan": "",
  "key_topics": [],
  "emotional_themes": [],
  "risk_flags": [],
  "homework_assigned": [],
  "follow_up_points": []
}

TRANSCRIPT:
"""%s"""
`
	return fmt.Sprintf(prompt, transcript)
}

// ExtractNotes runs the gateway call with its own bounded backoff; 4xx
// responses are permanent, everything else is retried until maxRetry.
// Supports mock mode via USE_MOCK_LLM=true for local development.
func (c *Client) ExtractNotes(ctx context.Context, transcript string) (json.RawMessage, error) {
	log := c.log.WithComponent("extractor")

	if os.Getenv("USE_MOCK_LLM") == "true" {
		log.Info("mock LLM mode ON - returning deterministic notes")
		return json.RawMessage(`{
			"subjective": "Client reports a difficult week with partial benefit from sleep exercises.",
			"objective": "Client engaged throughout; affect congruent with content.",
			"assessment": "Gradual progress on sleep hygiene goals.",
			"plan": "Continue sleep log; review stimulus control next session.",
			"key_topics": ["sleep", "work stress"],
			"emotional_themes": ["frustration", "hope"],
			"risk_flags": [],
			"homework_assigned": ["nightly sleep log"],
			"follow_up_points": ["ask about weekend routine"]
		}`), nil
	}

	if c.gatewayURL == "" || c.apiKey == "" {
		return nil, errors.New("llm gateway not configured")
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, errors.New("empty transcript")
	}

	reqBody := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(transcript)},
		},
		"temperature": 0.0,
	}
	data, _ := json.Marshal(reqBody)

	var notes json.RawMessage
	var lastErr error

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.WithError(err).Warn("llm request failed")
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		log.WithField("http_status", resp.StatusCode).Debug("llm response received")

		// Try choices[0].message.content (OpenAI-like)
		if inner := extractContentFromChoices(body); inner != "" {
			if json.Valid([]byte(inner)) {
				notes = json.RawMessage(inner)
				return nil
			}
		}

		// Fallback: first balanced JSON object anywhere in the body
		if fallback := extractJSON(string(body)); fallback != "" && json.Valid([]byte(fallback)) {
			notes = json.RawMessage(fallback)
			return nil
		}

		lastErr = fmt.Errorf("no JSON found in LLM output (status %d)", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxRetry

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("note extraction failed: %w", lastErr)
	}
	return notes, nil
}

// extractContentFromChoices attempts to read openai-style choices[0].message.content JSON
func extractContentFromChoices(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}

	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	c0, _ := choices[0].(map[string]any)
	if c0 == nil {
		return ""
	}
	msg, _ := c0["message"].(map[string]any)
	if msg == nil {
		return ""
	}
	content, _ := msg["content"].(string)
	return extractJSON(content)
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")

	// Remove markdown fences (commonly output by LLMs)
	for _, r := range []string{"```json", "```yaml", "```text", "```", "`json", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}

	return ""
}
