// Package merge aligns transcription segments with diarization speaker
// turns. It is pure: same inputs, same output, no clock and no ordering
// dependence beyond the input slices themselves.
package merge

import (
	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

// Merge assigns a speaker to every transcription segment. A nil diarization
// result labels everything SpeakerUnknown, the fallback for a diarization
// service that failed after retries. Segment order and timing pass through
// untouched; only the speaker field is added.
func Merge(transcript []types.TranscriptionSegment, diarization *types.DiarizationResult) []types.TranscriptSegment {
	out := make([]types.TranscriptSegment, 0, len(transcript))
	for _, seg := range transcript {
		speaker := types.SpeakerUnknown
		if diarization != nil {
			speaker = speakerFor(seg, diarization.Segments)
		}
		out = append(out, types.TranscriptSegment{
			Start:   seg.Start,
			End:     seg.End,
			Text:    seg.Text,
			Speaker: speaker,
		})
	}
	return out
}

// speakerFor picks the first diarization segment overlapping more than half
// of seg's own duration. Diarization turns are non-overlapping and
// time-ordered, so the first qualifying match wins.
func speakerFor(seg types.TranscriptionSegment, turns []types.DiarizationSegment) string {
	duration := seg.End - seg.Start
	if duration <= 0 {
		return types.SpeakerUnknown
	}
	for _, turn := range turns {
		overlap := min(seg.End, turn.End) - max(seg.Start, turn.Start)
		if overlap > duration/2 {
			return turn.Speaker
		}
	}
	return types.SpeakerUnknown
}
