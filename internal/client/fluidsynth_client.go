package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/beatgen/api/internal/config"
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// maxDiagnostics bounds how much renderer output is kept for error messages.
const maxDiagnostics = 2048

// Renderer turns a MIDI file into a WAV file.
type Renderer interface {
	Render(ctx context.Context, midiPath, wavPath string) error
}

// RenderError describes a failed synthesis run. Output holds the tail of the
// engine's combined stdout and stderr.
type RenderError struct {
	Reason   string
	ExitCode int
	Output   string
	Err      error
}

func (e *RenderError) Error() string {
	msg := "render failed: " + e.Reason
	if e.ExitCode != 0 {
		msg += " (exit " + strconv.Itoa(e.ExitCode) + ")"
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// RendererOption configures the FluidSynth client.
type RendererOption func(*FluidSynthClient)

// WithBinary overrides the fluidsynth executable.
func WithBinary(binary string) RendererOption {
	return func(c *FluidSynthClient) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithSoundFont overrides the sound bank path.
func WithSoundFont(path string) RendererOption {
	return func(c *FluidSynthClient) {
		if path != "" {
			c.soundFont = path
		}
	}
}

// WithTimeout bounds each render's wall-clock time.
func WithTimeout(d time.Duration) RendererOption {
	return func(c *FluidSynthClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// FluidSynthClient renders through the fluidsynth command-line synthesizer.
type FluidSynthClient struct {
	binary     string
	soundFont  string
	sampleRate int
	timeout    time.Duration
}

// NewFluidSynthClient creates a renderer from config, then applies opts.
func NewFluidSynthClient(cfg *config.RendererConfig, opts ...RendererOption) *FluidSynthClient {
	c := &FluidSynthClient{
		binary:     "fluidsynth",
		sampleRate: 44100,
		timeout:    120 * time.Second,
	}
	if cfg != nil {
		WithBinary(cfg.Binary)(c)
		WithSoundFont(cfg.SoundFont)(c)
		WithTimeout(cfg.Timeout)(c)
		if cfg.SampleRate > 0 {
			c.sampleRate = cfg.SampleRate
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FluidSynthClient) args(midiPath, wavPath string) []string {
	return []string{
		"-ni",
		"-F", wavPath,
		"-r", strconv.Itoa(c.sampleRate),
		c.soundFont,
		midiPath,
	}
}

// Render synthesizes midiPath into wavPath. It never retries.
func (c *FluidSynthClient) Render(ctx context.Context, midiPath, wavPath string) error {
	if c.soundFont == "" {
		return &RenderError{Reason: "no sound bank configured"}
	}
	if _, err := os.Stat(c.soundFont); err != nil {
		return &RenderError{Reason: "sound bank not found at " + c.soundFont, Err: err}
	}
	if _, err := os.Stat(midiPath); err != nil {
		return &RenderError{Reason: "midi input missing", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output := &tailBuffer{limit: maxDiagnostics}
	cmd := commandContext(runCtx, c.binary, c.args(midiPath, wavPath)...) //nolint:gosec
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &RenderError{Reason: fmt.Sprintf("timed out after %s", c.timeout), Output: output.String(), Err: runCtx.Err()}
		}
		return &RenderError{Reason: "canceled", Output: output.String(), Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &RenderError{Reason: "synthesizer exited with an error", ExitCode: exitErr.ExitCode(), Output: output.String(), Err: err}
		}
		return &RenderError{Reason: "could not start " + c.binary, Output: output.String(), Err: err}
	}

	if err := checkWAV(wavPath); err != nil {
		return &RenderError{Reason: err.Error(), Output: output.String()}
	}
	return nil
}

// Available reports whether the binary and sound bank can be found.
func (c *FluidSynthClient) Available() error {
	if _, err := lookPath(c.binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", c.binary, err)
	}
	if _, err := os.Stat(c.soundFont); err != nil {
		return fmt.Errorf("sound bank: %w", err)
	}
	return nil
}

// checkWAV rejects outputs that are missing, empty, or not RIFF containers.
func checkWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("output missing: %v", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if n == 0 {
		return errors.New("output is empty")
	}
	if err != nil || !bytes.Equal(header[:4], []byte("RIFF")) || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return errors.New("output is not a WAV file")
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
