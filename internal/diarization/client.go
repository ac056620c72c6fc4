package diarization

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/evolvedtroglodyte/therabridge/internal/logger"
	"github.com/evolvedtroglodyte/therabridge/internal/transcription"
	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// Client talks to the hosted speaker-diarization service. Its failure is
// always recoverable at the pipeline level: the session degrades to
// speaker "Unknown" instead of aborting.
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

// Diarize uploads the normalized audio and returns speaker turns.
// Supports mock mode via USE_MOCK_DIARIZE=true for local development.
func (c *Client) Diarize(ctx context.Context, audioPath string) (types.DiarizationResult, error) {
	if os.Getenv("USE_MOCK_DIARIZE") == "true" {
		return types.DiarizationResult{
			Segments: []types.DiarizationSegment{
				{Start: 0, End: 4.2, Speaker: "SPEAKER_00"},
				{Start: 4.2, End: 11.8, Speaker: "SPEAKER_01"},
			},
			SpeakerCount: 2,
		}, nil
	}
	if c.baseURL == "" {
		return types.DiarizationResult{}, errors.New("DIARIZE_URL not set")
	}

	log := c.log.WithComponent("diarization").WithField("audio_path", audioPath)
	log.Info("uploading audio for diarization")

	var result types.DiarizationResult
	if err := transcription.PostAudioJSON(ctx, c.httpClient, c.baseURL+"/v1/diarize", audioPath, &result); err != nil {
		return types.DiarizationResult{}, fmt.Errorf("diarize: %w", err)
	}
	log.WithField("speakers", result.SpeakerCount).Info("diarization complete")
	return result, nil
}
