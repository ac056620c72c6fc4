package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvedtroglodyte/therabridge/internal/logger"
)

func gatewayReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func newTestClient(url string) *Client {
	c := NewClient(url, "notes-v1", "test-key", 2*time.Second, logger.New())
	c.maxRetry = 200 * time.Millisecond
	return c
}

func TestExtractNotesParsesChoicesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "notes-v1", req["model"])

		_, _ = w.Write([]byte(gatewayReply("```json\n{\"subjective\": \"client reports stress\", \"plan\": \"continue CBT\"}\n```")))
	}))
	defer srv.Close()

	notes, err := newTestClient(srv.URL).ExtractNotes(context.Background(), "T: how was the week?")
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(notes, &parsed))
	assert.Equal(t, "client reports stress", parsed["subjective"])
}

func TestExtractNotesClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ExtractNotes(context.Background(), "transcript")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestExtractNotesRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(gatewayReply(`{"plan": "ok"}`)))
	}))
	defer srv.Close()

	notes, err := newTestClient(srv.URL).ExtractNotes(context.Background(), "transcript")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.JSONEq(t, `{"plan": "ok"}`, string(notes))
}

func TestExtractNotesUnconfigured(t *testing.T) {
	c := NewClient("", "", "", time.Second, logger.New())
	_, err := c.ExtractNotes(context.Background(), "transcript")
	require.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounded by prose", `Here you go: {"a": {"b": 2}} hope that helps`, `{"a": {"b": 2}}`},
		{"unbalanced", `{"a": 1`, ""},
		{"no object", "nothing here", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}
