package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/models"
)

type stubLLM struct {
	content       string
	cost          float64
	err           error
	transcript    string
	transcribeErr error
	calls         int
}

func (s *stubLLM) CompleteJSON(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, float64, error) {
	s.calls++
	return s.content, s.cost, s.err
}

func (s *stubLLM) VisionModel() string { return "vision-model" }

func (s *stubLLM) Transcribe(ctx context.Context, path string) (string, error) {
	return s.transcript, s.transcribeErr
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestAnalyzeAttachmentMissingFile(t *testing.T) {
	analyzer := NewGPTAnalyzer(&stubLLM{}, "", "", zap.NewNop())
	_, err := analyzer.AnalyzeAttachment(context.Background(), "image", "/nonexistent/pic.jpg")
	require.ErrorIs(t, err, ErrUnreadable)
}

func TestAnalyzeAttachmentUnknownKind(t *testing.T) {
	path := writeTempFile(t, "blob.bin", []byte{0x01})
	analyzer := NewGPTAnalyzer(&stubLLM{}, "", "", zap.NewNop())
	_, err := analyzer.AnalyzeAttachment(context.Background(), "document", path)
	require.ErrorIs(t, err, ErrUnreadable)
}

func TestAnalyzeImage(t *testing.T) {
	path := writeTempFile(t, "pic.jpg", []byte("fake jpeg bytes"))
	llm := &stubLLM{
		content: `{"description":"a screenshot of a chat","flags":[
			{"severity":"high","category":"threat","detail":"threatening text inside the image","confidence":0.8},
			{"severity":"medium","category":"personal_info","detail":"weak signal","confidence":0.3}
		]}`,
		cost: 0.002,
	}
	analyzer := NewGPTAnalyzer(llm, "", "", zap.NewNop())

	result, err := analyzer.AnalyzeAttachment(context.Background(), "image", path)
	require.NoError(t, err)
	require.Equal(t, "image", result.Kind)
	require.Equal(t, "a screenshot of a chat", result.Description)
	require.Len(t, result.Flags, 1, "sub-floor confidence must be dropped")
	require.Equal(t, "threat", result.Flags[0].Category)
	require.Equal(t, models.SeverityHigh, result.Flags[0].Severity)
	require.Equal(t, 0.002, result.Cost)
}

func TestAnalyzeImageLLMFailureIsNotFatal(t *testing.T) {
	path := writeTempFile(t, "pic.png", []byte("fake png bytes"))
	analyzer := NewGPTAnalyzer(&stubLLM{err: errors.New("overloaded")}, "", "", zap.NewNop())

	result, err := analyzer.AnalyzeAttachment(context.Background(), "image", path)
	require.NoError(t, err)
	require.Empty(t, result.Flags)
	require.Zero(t, result.Cost)
}

func TestAnalyzeAudio(t *testing.T) {
	path := writeTempFile(t, "voice.ogg", []byte("fake audio bytes"))
	llm := &stubLLM{
		transcript: "come alone and do not tell anyone",
		content: `{"flags":[
			{"severity":"critical","category":"grooming","detail":"secrecy and isolation pressure","confidence":0.85}
		]}`,
		cost: 0.001,
	}
	analyzer := NewGPTAnalyzer(llm, "", "", zap.NewNop())

	result, err := analyzer.AnalyzeAttachment(context.Background(), "audio", path)
	require.NoError(t, err)
	require.Equal(t, "audio", result.Kind)
	require.Equal(t, "come alone and do not tell anyone", result.Transcript)
	require.Len(t, result.Flags, 1)
	require.Equal(t, "grooming", result.Flags[0].Category)
}

func TestAnalyzeAudioUntranscribable(t *testing.T) {
	path := writeTempFile(t, "voice.ogg", []byte("fake audio bytes"))
	llm := &stubLLM{transcribeErr: errors.New("no speech")}
	// Point the local fallback at a binary that does not exist.
	analyzer := NewGPTAnalyzer(llm, "", "/nonexistent/whisper", zap.NewNop())

	result, err := analyzer.AnalyzeAttachment(context.Background(), "audio", path)
	require.NoError(t, err)
	require.Equal(t, "[untranscribable]", result.Description)
	require.Empty(t, result.Flags)
	require.Zero(t, llm.calls, "no classification call without a transcript")
}

func TestDedupeFlags(t *testing.T) {
	flags := []Flag{
		{Category: "weapon", Confidence: 0.6, Detail: "first sighting"},
		{Category: "violence", Confidence: 0.7},
		{Category: "weapon", Confidence: 0.9, Detail: "clearer frame"},
		{Category: "weapon", Confidence: 0.5},
	}

	deduped := dedupeFlags(flags)
	require.Len(t, deduped, 2)
	require.Equal(t, "weapon", deduped[0].Category, "first-seen order is preserved")
	require.Equal(t, 0.9, deduped[0].Confidence, "highest confidence wins per category")
	require.Equal(t, "clearer frame", deduped[0].Detail)
	require.Equal(t, "violence", deduped[1].Category)
}

func TestRecommendationFor(t *testing.T) {
	require.Contains(t, RecommendationFor("weapon"), "weapon")
	require.Contains(t, RecommendationFor("self_harm"), "immediate attention")
	require.NotEmpty(t, RecommendationFor("something_else"))
}
