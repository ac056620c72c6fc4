package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/evolvedtroglodyte/therabridge/internal/logger"
)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner executes commands via os/exec, capturing stderr for errors.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stderr.String(), fmt.Errorf("%s exited %d: %s", name, exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return stderr.String(), err
	}
	return stderr.String(), nil
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}

// Preprocessor normalizes uploaded audio into the format the transcription
// service expects: mono 16 kHz PCM WAV, leading/trailing silence trimmed,
// loudness normalized.
type Preprocessor struct {
	ffmpegPath string
	runner     commandRunner
	mkdirTemp  func(dir, pattern string) (string, error)
	log        *logger.Logger
}

func NewPreprocessor(log *logger.Logger) *Preprocessor {
	return &Preprocessor{
		ffmpegPath: "ffmpeg",
		runner:     execRunner{},
		mkdirTemp:  os.MkdirTemp,
		log:        log,
	}
}

// Normalize converts inputPath and returns the normalized wav path plus a
// cleanup func that removes the temporary workspace. Failure here is fatal
// for the session.
func (p *Preprocessor) Normalize(ctx context.Context, inputPath string) (string, func(), error) {
	tempDir, err := p.mkdirTemp("", "therabridge-audio-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp workspace: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tempDir) }

	outPath := filepath.Join(tempDir, "normalized-16k-mono.wav")
	args := buildFFmpegArgs(inputPath, outPath)

	log := p.log.WithComponent("audio.preprocess").WithField("input", inputPath)
	log.Debug("running ffmpeg normalization")

	stderr, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		cleanup()
		log.WithError(err).Error("ffmpeg normalization failed")
		return "", nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("ffmpeg produced no output (stderr tail: %s)", lastLine(stderr))
	}

	return outPath, cleanup, nil
}

// buildFFmpegArgs trims silence at both ends and loudness-normalizes to the
// EBU R128 target before resampling to mono 16 kHz PCM.
func buildFFmpegArgs(inputPath, outPath string) []string {
	filter := "silenceremove=start_periods=1:start_threshold=-50dB:stop_periods=1:stop_threshold=-50dB," +
		"loudnorm=I=-16:TP=-1.5:LRA=11"
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-af", filter,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}
