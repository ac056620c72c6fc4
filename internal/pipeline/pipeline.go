package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evolvedtroglodyte/therabridge/internal/audio"
	"github.com/evolvedtroglodyte/therabridge/internal/breaker"
	"github.com/evolvedtroglodyte/therabridge/internal/logger"
	"github.com/evolvedtroglodyte/therabridge/internal/merge"
	"github.com/evolvedtroglodyte/therabridge/internal/progress"
	"github.com/evolvedtroglodyte/therabridge/internal/retry"
	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// Breaker instances are keyed by these names; one per external service,
// shared across all sessions in the process.
const (
	ServiceTranscription = "transcription"
	ServiceDiarization   = "diarization"
)

var (
	// ErrTranscriptionFailed aborts the session: no transcript, nothing
	// to deliver.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrBothServicesFailed is reported distinctly for diagnostics when
	// neither branch of the parallel stage produced a result.
	ErrBothServicesFailed = errors.New("transcription and diarization both failed")
)

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (types.TranscriptionResult, error)
}

// Diarizer is the speaker-diarization collaborator. Always recoverable:
// its loss degrades output quality but never aborts the session.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string) (types.DiarizationResult, error)
}

// NotesExtractor turns a merged transcript into opaque structured notes.
type NotesExtractor interface {
	ExtractNotes(ctx context.Context, transcript string) (json.RawMessage, error)
}

// Store is the persistence collaborator. Terminal writes are atomic per
// session and happen exactly once per run.
type Store interface {
	SetStatus(ctx context.Context, id string, status types.SessionStatus) error
	SaveProcessed(ctx context.Context, id string, segments []types.TranscriptSegment, notes json.RawMessage, durationSeconds float64) error
	SaveFailed(ctx context.Context, id, errMsg string) error
}

// Preprocessor normalizes input audio for the transcription service.
type Preprocessor interface {
	Normalize(ctx context.Context, inputPath string) (wavPath string, cleanup func(), err error)
}

// Config tunes one pipeline instance. Budget is the soft deadline for a
// whole run; a session still pending after it is treated as failed.
type Config struct {
	MaxUploadBytes       int64
	Budget               time.Duration
	Retry                retry.Policy
	TranscriptionBreaker breaker.Settings
	DiarizationBreaker   breaker.Settings
}

// Deps are the pipeline's collaborators, injected so tests can substitute
// every external surface.
type Deps struct {
	Store        Store
	Preprocessor Preprocessor
	Transcriber  Transcriber
	Diarizer     Diarizer
	Notes        NotesExtractor
	Breakers     *breaker.Registry
	Tracker      *progress.Tracker
	Log          *logger.Logger
}

// Pipeline orchestrates one session from validation to terminal persistence.
// Many sessions may run concurrently; the breaker registry is the only
// state shared between them.
type Pipeline struct {
	cfg  Config
	deps Deps

	// injectable for tests; defaults to audio.Validate
	validate func(path string, maxBytes int64) error
}

func New(cfg Config, deps Deps) *Pipeline {
	if deps.Log == nil {
		deps.Log = logger.New()
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		validate: audio.Validate,
	}
}

// Result summarizes one finished run for the caller that launched it.
type Result struct {
	SessionID       string                    `json:"session_id"`
	Status          types.SessionStatus       `json:"status"`
	Segments        []types.TranscriptSegment `json:"segments,omitempty"`
	Notes           json.RawMessage           `json:"notes,omitempty"`
	DurationSeconds float64                   `json:"duration_seconds,omitempty"`
	Warnings        []string                  `json:"warnings,omitempty"`
}

// Process runs the full state machine for one session:
// uploading -> preprocessing -> transcribing+diarizing -> extracting_notes
// -> processed, with a direct edge to failed from anywhere. Progress bands:
// validation 0, preprocessing 0-25, parallel stage 25-50, merge 50-75,
// notes 75-90, persistence 90-100.
func (p *Pipeline) Process(ctx context.Context, sessionID, audioPath string) (Result, error) {
	log := p.deps.Log.WithComponent("pipeline").WithField("session_id", sessionID)
	res := Result{SessionID: sessionID}
	started := time.Now()

	if p.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Budget)
		defer cancel()
	}

	// Validation: on failure nothing advances past 0%.
	p.deps.Tracker.Update(sessionID, types.StatusUploading, 0, "validating audio", p.eta(0))
	if err := p.validate(audioPath, p.cfg.MaxUploadBytes); err != nil {
		return p.fail(ctx, res, log, err)
	}

	// Preprocessing (0-25): fatal on failure.
	p.setStatus(ctx, log, sessionID, types.StatusPreprocessing)
	p.deps.Tracker.Update(sessionID, types.StatusPreprocessing, 5, "normalizing audio", p.eta(5))
	wavPath, cleanup, err := p.deps.Preprocessor.Normalize(ctx, audioPath)
	if err != nil {
		return p.fail(ctx, res, log, fmt.Errorf("audio preprocessing failed: %w", err))
	}
	defer cleanup()
	p.deps.Tracker.Update(sessionID, types.StatusPreprocessing, 25, "audio normalized", p.eta(25))

	// Parallel stage (25-50): both branches always settle before any
	// decision; a failing branch never cancels its sibling.
	p.setStatus(ctx, log, sessionID, types.StatusTranscribing)
	p.deps.Tracker.Update(sessionID, types.StatusTranscribing, 30, "transcription and diarization in flight", p.eta(30))

	tOut, dOut := gather(ctx,
		func(ctx context.Context) (types.TranscriptionResult, error) {
			return p.callTranscription(ctx, log, wavPath)
		},
		func(ctx context.Context) (types.DiarizationResult, error) {
			return p.callDiarization(ctx, log, wavPath)
		},
	)

	if tOut.Err != nil {
		if dOut.Err != nil {
			return p.fail(ctx, res, log, fmt.Errorf("%w: transcription: %v; diarization: %v",
				ErrBothServicesFailed, tOut.Err, dOut.Err))
		}
		return p.fail(ctx, res, log, fmt.Errorf("%w: %w", ErrTranscriptionFailed, tOut.Err))
	}

	var diarization *types.DiarizationResult
	if dOut.Err != nil {
		// Recoverable: fall back to an undiarized transcript.
		log.WithError(dOut.Err).Warn("diarization unavailable, continuing without speaker labels")
		res.Warnings = append(res.Warnings, "diarization unavailable: all speakers labeled Unknown")
		p.deps.Tracker.Update(sessionID, types.StatusDiarizing, 50,
			"diarization unavailable; speakers will be labeled Unknown", p.eta(50))
	} else {
		d := dOut.Value
		diarization = &d
		p.deps.Tracker.Update(sessionID, types.StatusDiarizing, 50, "transcription and diarization complete", p.eta(50))
	}

	// Merge (50-75): pure and local.
	merged := merge.Merge(tOut.Value.Segments, diarization)
	p.setStatus(ctx, log, sessionID, types.StatusExtractingNotes)
	p.deps.Tracker.Update(sessionID, types.StatusExtractingNotes, 75, "transcript merged; extracting clinical notes", p.eta(75))

	// Notes (75-90): recoverable; the transcript is never held hostage by
	// note generation.
	var notes json.RawMessage
	if n, err := p.deps.Notes.ExtractNotes(ctx, transcriptText(merged)); err != nil {
		log.WithError(err).Warn("note extraction failed, saving transcript without notes")
		res.Warnings = append(res.Warnings, "note extraction unavailable: session saved without notes")
		p.deps.Tracker.Update(sessionID, types.StatusExtractingNotes, 90,
			"note extraction unavailable; saving transcript", p.eta(90))
	} else {
		notes = n
		p.deps.Tracker.Update(sessionID, types.StatusExtractingNotes, 90, "clinical notes extracted; saving results", p.eta(90))
	}

	// Persistence (90-100): single atomic write for the terminal state.
	if err := p.deps.Store.SaveProcessed(ctx, sessionID, merged, notes, tOut.Value.Duration); err != nil {
		return p.fail(ctx, res, log, fmt.Errorf("persist session: %w", err))
	}

	res.Status = types.StatusProcessed
	res.Segments = merged
	res.Notes = notes
	res.DurationSeconds = tOut.Value.Duration
	p.deps.Tracker.Update(sessionID, types.StatusProcessed, 100, "processing complete", 0)
	log.WithFields(logrus.Fields{
		"segments":    len(merged),
		"warnings":    len(res.Warnings),
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("session processed")
	return res, nil
}

// callTranscription wraps the transcription call in the retry executor and
// the per-service breaker. An open breaker fails the attempt immediately
// without consuming retries.
func (p *Pipeline) callTranscription(ctx context.Context, log *logrus.Entry, wavPath string) (types.TranscriptionResult, error) {
	br := p.deps.Breakers.Get(ServiceTranscription, p.cfg.TranscriptionBreaker)
	exec := retry.New(p.cfg.Retry, retry.WithNotify(func(wait time.Duration, err error) {
		log.WithError(err).WithField("wait", wait).Warn("transcription attempt failed, backing off")
	}))

	var out types.TranscriptionResult
	err := exec.Do(ctx, func() error {
		return br.Call(func() error {
			r, err := p.deps.Transcriber.Transcribe(ctx, wavPath)
			if err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	return out, err
}

func (p *Pipeline) callDiarization(ctx context.Context, log *logrus.Entry, wavPath string) (types.DiarizationResult, error) {
	br := p.deps.Breakers.Get(ServiceDiarization, p.cfg.DiarizationBreaker)
	exec := retry.New(p.cfg.Retry, retry.WithNotify(func(wait time.Duration, err error) {
		log.WithError(err).WithField("wait", wait).Warn("diarization attempt failed, backing off")
	}))

	var out types.DiarizationResult
	err := exec.Do(ctx, func() error {
		return br.Call(func() error {
			r, err := p.deps.Diarizer.Diarize(ctx, wavPath)
			if err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	return out, err
}

// fail persists the terminal failed state and notifies observers. It runs
// detached from the (possibly expired) run context so the terminal write
// still lands after a budget timeout.
func (p *Pipeline) fail(ctx context.Context, res Result, log *logrus.Entry, err error) (Result, error) {
	msg := err.Error()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if saveErr := p.deps.Store.SaveFailed(saveCtx, res.SessionID, msg); saveErr != nil {
		log.WithError(saveErr).Error("could not persist failure state")
	}
	p.deps.Tracker.Fail(res.SessionID, msg)
	log.WithError(err).Error("pipeline failed")
	res.Status = types.StatusFailed
	return res, err
}

// setStatus records an intermediate stage; best-effort, the terminal write
// is the one that must not fail.
func (p *Pipeline) setStatus(ctx context.Context, log *logrus.Entry, sessionID string, status types.SessionStatus) {
	if err := p.deps.Store.SetStatus(ctx, sessionID, status); err != nil {
		log.WithError(err).WithField("status", status).Warn("could not record intermediate status")
	}
}

// eta estimates seconds remaining from the configured budget and how far
// along the run is.
func (p *Pipeline) eta(progressPct int) float64 {
	budget := p.cfg.Budget
	if budget <= 0 {
		budget = 50 * time.Second
	}
	return budget.Seconds() * float64(100-progressPct) / 100
}

// transcriptText renders the merged transcript for note extraction.
func transcriptText(segments []types.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Speaker)
		b.WriteString(": ")
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return b.String()
}
