package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/models"
)

const (
	// MaxVideoFrames bounds frame sampling per video.
	MaxVideoFrames = 10
	// minConfidence mirrors the text classifier's confidence floor.
	minConfidence = 0.5
	// minAudioTrackBytes below which an extracted track is treated as silence.
	minAudioTrackBytes = 1000
)

// ErrUnreadable marks a missing or corrupt attachment. The orchestrator
// records it as skipped-with-reason; it never aborts a batch.
var ErrUnreadable = errors.New("unreadable attachment")

// Flag is one confidence-scored media finding.
type Flag struct {
	Severity   models.Severity `json:"severity"`
	Category   string          `json:"category"`
	Detail     string          `json:"detail"`
	Confidence float64         `json:"confidence"`
}

// Result is the outcome of analyzing one attachment.
type Result struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Flags       []Flag  `json:"flags"`
	Transcript  string  `json:"transcript,omitempty"`
	Cost        float64 `json:"cost"`
}

// Analyzer extracts analyzable units from attachments and classifies them.
type Analyzer interface {
	AnalyzeAttachment(ctx context.Context, kind, path string) (*Result, error)
}

// LLM is the slice of the classifier client the media subsystem depends on.
type LLM interface {
	CompleteJSON(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, float64, error)
	VisionModel() string
	Transcribe(ctx context.Context, path string) (string, error)
}

// GPTAnalyzer implements Analyzer over the classifier client plus local
// ffmpeg/whisper tooling for frame and audio extraction.
type GPTAnalyzer struct {
	llm         LLM
	ffmpegPath  string
	whisperPath string
	logger      *zap.Logger
}

func NewGPTAnalyzer(llm LLM, ffmpegPath, whisperPath string, logger *zap.Logger) *GPTAnalyzer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if whisperPath == "" {
		whisperPath = "whisper"
	}
	return &GPTAnalyzer{
		llm:         llm,
		ffmpegPath:  ffmpegPath,
		whisperPath: whisperPath,
		logger:      logger,
	}
}

func (a *GPTAnalyzer) AnalyzeAttachment(ctx context.Context, kind, path string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, path)
	}
	switch kind {
	case "image", "sticker":
		return a.analyzeImage(ctx, path)
	case "video":
		return a.analyzeVideo(ctx, path)
	case "audio":
		return a.analyzeAudio(ctx, path)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrUnreadable, kind)
	}
}

const visionPrompt = `You are a child safety system. You analyze an image sent in a minor's chat.

Check whether the image contains:
CRITICAL:
- sexual content / nudity / partial nudity
- drugs, drug paraphernalia, alcohol
- self-harm (cuts, scratches)
- a weapon

HIGH:
- violence / blood
- threatening messages (text inside the image)
- screenshots of suspicious conversations

MEDIUM:
- frightening / disturbing content
- exposed personal information (address, phone number)

Describe the image briefly and report every suspicious finding.

Answer in JSON:
{
  "description": "a short description of the image",
  "flags": [
    {
      "severity": "critical|high|medium|low",
      "category": "sexual|drugs|self_harm|violence|weapon|threat|personal_info|other",
      "detail": "what was found, in general terms",
      "confidence": 0.0-1.0
    }
  ]
}

If there are no suspicious findings: { "description": "...", "flags": [] }`

const transcriptPrompt = `You are a child safety system. You received the transcript of a voice message from a minor's chat.
Check whether the content includes:
- bullying, threats, humiliation
- sexual content
- talk about drugs or alcohol
- suicidal expressions
- grooming
- social exclusion

Answer in JSON:
{
  "flags": [
    {
      "severity": "critical|high|medium|low",
      "category": "exclusion|suicidal|grooming|sexual|drugs|bullying|violence|pressure|language",
      "detail": "what was found, in general terms",
      "confidence": 0.0-1.0
    }
  ]
}

If there are no findings: { "flags": [] }`

type wireFlag struct {
	Severity   string  `json:"severity"`
	Category   string  `json:"category"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
}

type wireImageResult struct {
	Description string     `json:"description"`
	Flags       []wireFlag `json:"flags"`
}

func convertFlags(wire []wireFlag) []Flag {
	flags := make([]Flag, 0, len(wire))
	for _, f := range wire {
		if f.Confidence < minConfidence {
			continue
		}
		severity, _ := models.ParseSeverity(f.Severity)
		flags = append(flags, Flag{
			Severity:   severity,
			Category:   f.Category,
			Detail:     f.Detail,
			Confidence: f.Confidence,
		})
	}
	return flags
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (a *GPTAnalyzer) analyzeImage(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(path), base64.StdEncoding.EncodeToString(data))

	content, cost, err := a.llm.CompleteJSON(ctx, a.llm.VisionModel(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: visionPrompt},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				{Type: openai.ChatMessagePartTypeText, Text: "Analyze this image."},
			},
		},
	})
	if err != nil {
		a.logger.Error("image analysis failed", zap.Error(err))
		return &Result{Kind: "image"}, nil
	}

	var parsed wireImageResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		a.logger.Error("image analysis returned unparseable output", zap.Error(err))
		return &Result{Kind: "image", Cost: cost}, nil
	}

	return &Result{
		Kind:        "image",
		Description: parsed.Description,
		Flags:       convertFlags(parsed.Flags),
		Cost:        cost,
	}, nil
}

func (a *GPTAnalyzer) analyzeAudio(ctx context.Context, path string) (*Result, error) {
	transcript, err := a.llm.Transcribe(ctx, path)
	if err != nil {
		a.logger.Warn("primary transcription failed, trying local fallback", zap.Error(err))
		transcript, err = a.transcribeLocally(ctx, path)
		if err != nil {
			return &Result{Kind: "audio", Description: "[untranscribable]"}, nil
		}
	}
	if transcript == "" {
		return &Result{Kind: "audio", Description: "[empty or unclear recording]"}, nil
	}

	content, cost, err := a.llm.CompleteJSON(ctx, a.llm.VisionModel(), []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: transcriptPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Voice message transcript:\n%q", transcript)},
	})
	if err != nil {
		a.logger.Error("transcript analysis failed", zap.Error(err))
		return &Result{Kind: "audio", Transcript: transcript}, nil
	}

	var parsed wireImageResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return &Result{Kind: "audio", Transcript: transcript, Cost: cost}, nil
	}

	description := transcript
	if len(description) > 200 {
		description = description[:200]
	}
	return &Result{
		Kind:        "audio",
		Description: description,
		Flags:       convertFlags(parsed.Flags),
		Transcript:  transcript,
		Cost:        cost,
	}, nil
}

// transcribeLocally shells out to the whisper CLI.
func (a *GPTAnalyzer) transcribeLocally(ctx context.Context, path string) (string, error) {
	outputDir, err := os.MkdirTemp("", "transcribe")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outputDir)

	cmd := exec.CommandContext(ctx, a.whisperPath, path,
		"--model", "small", "--output_format", "txt", "--output_dir", outputDir)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	text, err := os.ReadFile(filepath.Join(outputDir, base+".txt"))
	if err != nil {
		return "", fmt.Errorf("whisper produced no output: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

func (a *GPTAnalyzer) analyzeVideo(ctx context.Context, path string) (*Result, error) {
	framesDir, err := os.MkdirTemp("", "frames")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer os.RemoveAll(framesDir)

	// One frame every 3 seconds, bounded by MaxVideoFrames.
	extract := exec.CommandContext(ctx, a.ffmpegPath,
		"-i", path,
		"-vf", "fps=1/3",
		"-frames:v", fmt.Sprint(MaxVideoFrames),
		"-q:v", "2",
		filepath.Join(framesDir, "frame_%03d.jpg"),
		"-y")
	if err := extract.Run(); err != nil {
		a.logger.Warn("frame extraction failed", zap.Error(err))
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	var frames []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jpg") {
			frames = append(frames, filepath.Join(framesDir, e.Name()))
		}
	}
	sort.Strings(frames)
	if len(frames) > MaxVideoFrames {
		frames = frames[:MaxVideoFrames]
	}
	if len(frames) == 0 {
		return &Result{Kind: "video", Description: "[no frames could be extracted]"}, nil
	}

	result := &Result{Kind: "video"}
	var allFlags []Flag
	for _, frame := range frames {
		frameResult, err := a.analyzeImage(ctx, frame)
		if err != nil {
			continue
		}
		result.Cost += frameResult.Cost
		if result.Description == "" && frameResult.Description != "" {
			result.Description = frameResult.Description
		}
		allFlags = append(allFlags, frameResult.Flags...)
	}

	// Analyze the audio track when one exists.
	audioPath := filepath.Join(framesDir, "audio.ogg")
	extractAudio := exec.CommandContext(ctx, a.ffmpegPath,
		"-i", path, "-vn", "-acodec", "libopus", audioPath, "-y")
	if err := extractAudio.Run(); err == nil {
		if info, err := os.Stat(audioPath); err == nil && info.Size() > minAudioTrackBytes {
			if audioResult, err := a.analyzeAudio(ctx, audioPath); err == nil {
				result.Cost += audioResult.Cost
				result.Transcript = audioResult.Transcript
				allFlags = append(allFlags, audioResult.Flags...)
			}
		}
	}

	if result.Description == "" {
		result.Description = "[video]"
	}
	result.Flags = dedupeFlags(allFlags)
	return result, nil
}

// dedupeFlags keeps, per category, only the highest-confidence instance so a
// repeated visual cue across frames does not inflate the findings.
func dedupeFlags(flags []Flag) []Flag {
	best := make(map[string]Flag)
	var order []string
	for _, flag := range flags {
		existing, seen := best[flag.Category]
		if !seen {
			order = append(order, flag.Category)
		}
		if !seen || flag.Confidence > existing.Confidence {
			best[flag.Category] = flag
		}
	}
	out := make([]Flag, 0, len(best))
	for _, category := range order {
		out = append(out, best[category])
	}
	return out
}

// RecommendationFor supplies the guardian-facing recommendation for a media
// finding; vision output carries no recommendation field of its own.
func RecommendationFor(category string) string {
	switch category {
	case "sexual":
		return "Sexual content detected. Talk with your child about inappropriate content and check who the conversation is with."
	case "drugs":
		return "Signs of drugs or alcohol detected in the media. It is worth clarifying the context with your child."
	case "self_harm":
		return "Signs of self-harm detected. This needs immediate attention; consider contacting a professional."
	case "violence":
		return "Violent content detected. Talk with your child to understand the context."
	case "weapon":
		return "A weapon was detected. Clarify the context immediately."
	case "threat":
		return "A threatening message was detected. Talk with your child and consider reporting it."
	case "personal_info":
		return "Exposed personal information (address or phone number). Remind your child not to share personal details."
	default:
		return "Review the content and talk it over with your child."
	}
}
