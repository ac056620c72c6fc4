package types

import (
	"encoding/json"
	"time"
)

// SessionStatus tracks a session through the processing state machine.
type SessionStatus string

const (
	StatusUploading       SessionStatus = "uploading"
	StatusPreprocessing   SessionStatus = "preprocessing"
	StatusTranscribing    SessionStatus = "transcribing"
	StatusDiarizing       SessionStatus = "diarizing"
	StatusExtractingNotes SessionStatus = "extracting_notes"
	StatusProcessed       SessionStatus = "processed"
	StatusFailed          SessionStatus = "failed"
)

// SpeakerUnknown labels segments with no qualifying diarization match.
const SpeakerUnknown = "Unknown"

// TranscriptSegment is one speaker-labeled slice of the final transcript.
type TranscriptSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

// Session is one audio recording under processing. Mutated only by the
// pipeline; terminal states are processed and failed.
type Session struct {
	ID                 string              `json:"id"`
	Status             SessionStatus       `json:"status"`
	TranscriptSegments []TranscriptSegment `json:"transcript_segments,omitempty"`
	ExtractedNotes     json.RawMessage     `json:"extracted_notes,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	DurationSeconds    float64             `json:"duration_seconds,omitempty"`
	ProcessedAt        *time.Time          `json:"processed_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// TranscriptionSegment is a timestamped segment as returned by the
// transcription service, before any speaker is assigned.
type TranscriptionSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the transcription service response. Owned by one
// pipeline run and discarded after the merge.
type TranscriptionResult struct {
	Segments []TranscriptionSegment `json:"segments"`
	FullText string                 `json:"full_text"`
	Duration float64                `json:"duration"`
	Language string                 `json:"language"`
}

// DiarizationSegment is one speaker turn from the diarization service.
type DiarizationSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// DiarizationResult is the diarization service response. May be absent for a
// run when the service fails after retries; that is an expected state.
type DiarizationResult struct {
	Segments     []DiarizationSegment `json:"segments"`
	SpeakerCount int                  `json:"speaker_count"`
}
