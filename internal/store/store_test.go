package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvedtroglodyte/therabridge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreLifecycleProcessed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateSession(ctx, "s1"))
	require.NoError(t, s.SetStatus(ctx, "s1", types.StatusTranscribing))

	segments := []types.TranscriptSegment{
		{Start: 0, End: 5, Text: "hello", Speaker: "therapist"},
		{Start: 5, End: 9, Text: "hi", Speaker: "client"},
	}
	notes := json.RawMessage(`{"plan": "continue"}`)
	require.NoError(t, s.SaveProcessed(ctx, "s1", segments, notes, 9.0))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessed, sess.Status)
	assert.Equal(t, segments, sess.TranscriptSegments)
	assert.JSONEq(t, `{"plan": "continue"}`, string(sess.ExtractedNotes))
	assert.Equal(t, 9.0, sess.DurationSeconds)
	require.NotNil(t, sess.ProcessedAt)
	assert.Empty(t, sess.ErrorMessage)
}

func TestStoreProcessedWithoutNotes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(ctx, "s1"))

	segments := []types.TranscriptSegment{{Start: 0, End: 1, Text: "x", Speaker: types.SpeakerUnknown}}
	require.NoError(t, s.SaveProcessed(ctx, "s1", segments, nil, 1.0))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessed, sess.Status)
	assert.Nil(t, sess.ExtractedNotes)
}

func TestStoreProcessedRequiresSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(ctx, "s1"))

	err := s.SaveProcessed(ctx, "s1", nil, nil, 1.0)
	require.Error(t, err)
}

func TestStoreFailedClearsSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(ctx, "s1"))
	require.NoError(t, s.SaveFailed(ctx, "s1", "transcription failed"))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, sess.Status)
	assert.Equal(t, "transcription failed", sess.ErrorMessage)
	assert.Empty(t, sess.TranscriptSegments)
	assert.Nil(t, sess.ExtractedNotes)
}

func TestStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetSession(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "ghost", types.StatusFailed), ErrNotFound)
	assert.ErrorIs(t, s.SaveFailed(ctx, "ghost", "x"), ErrNotFound)
}

func TestStoreDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(ctx, "s1"))
	require.Error(t, s.CreateSession(ctx, "s1"))
}
