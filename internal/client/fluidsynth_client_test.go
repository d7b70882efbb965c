package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beatgen/api/internal/config"
)

// stubCommand routes commandContext to TestHelperProcess in the given mode and
// records the arguments the client passed.
func stubCommand(t *testing.T, mode string) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string{name}, args...)
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FLUIDSYNTH_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &captured
}

func renderFixture(t *testing.T) (sf2, mid, wav string) {
	t.Helper()
	dir := t.TempDir()
	sf2 = filepath.Join(dir, "bank.sf2")
	mid = filepath.Join(dir, "job.mid")
	wav = filepath.Join(dir, "job.partial.wav")
	for _, p := range []string{sf2, mid} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return sf2, mid, wav
}

func TestFluidSynthRenderSuccess(t *testing.T) {
	captured := stubCommand(t, "success")
	sf2, mid, wav := renderFixture(t)

	c := NewFluidSynthClient(&config.RendererConfig{Binary: "/usr/bin/fluidsynth", SoundFont: sf2, SampleRate: 48000})
	if err := c.Render(context.Background(), mid, wav); err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := []string{"/usr/bin/fluidsynth", "-ni", "-F", wav, "-r", "48000", sf2, mid}
	if strings.Join(*captured, " ") != strings.Join(want, " ") {
		t.Fatalf("expected args %v, got %v", want, *captured)
	}
}

func TestFluidSynthRenderMissingSoundFont(t *testing.T) {
	stubCommand(t, "success")
	_, mid, wav := renderFixture(t)

	c := NewFluidSynthClient(nil, WithSoundFont("/nonexistent/bank.sf2"))
	err := c.Render(context.Background(), mid, wav)
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if !strings.Contains(renderErr.Error(), "sound bank") {
		t.Fatalf("expected sound bank diagnostic, got %q", renderErr.Error())
	}
}

func TestFluidSynthRenderFailureCarriesDiagnostics(t *testing.T) {
	stubCommand(t, "failure")
	sf2, mid, wav := renderFixture(t)

	c := NewFluidSynthClient(nil, WithSoundFont(sf2))
	err := c.Render(context.Background(), mid, wav)
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if renderErr.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", renderErr.ExitCode)
	}
	if !strings.Contains(renderErr.Output, "fluidsynth: error: Failed to load SoundFont") {
		t.Fatalf("expected stderr in diagnostics, got %q", renderErr.Output)
	}
}

func TestFluidSynthRenderRejectsEmptyOutput(t *testing.T) {
	stubCommand(t, "empty")
	sf2, mid, wav := renderFixture(t)

	c := NewFluidSynthClient(nil, WithSoundFont(sf2))
	err := c.Render(context.Background(), mid, wav)
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty output error, got %v", err)
	}
}

func TestFluidSynthRenderTimeout(t *testing.T) {
	stubCommand(t, "hang")
	sf2, mid, wav := renderFixture(t)

	c := NewFluidSynthClient(nil, WithSoundFont(sf2), WithTimeout(200*time.Millisecond))
	start := time.Now()
	err := c.Render(context.Background(), mid, wav)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("render was not bounded by its timeout")
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	fmt.Fprint(tb, "abcdef")
	fmt.Fprint(tb, "gh")
	if tb.String() != "efgh" {
		t.Fatalf("expected efgh, got %q", tb.String())
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var out string
	for i, a := range args {
		if a == "-F" && i+1 < len(args) {
			out = args[i+1]
		}
	}

	switch os.Getenv("FLUIDSYNTH_HELPER_MODE") {
	case "success":
		header := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
		_ = os.WriteFile(out, header, 0o644)
		fmt.Println("Rendering audio to file '" + out + "'..")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "fluidsynth: error: Failed to load SoundFont")
		os.Exit(3)
	case "empty":
		_ = os.WriteFile(out, nil, 0o644)
		os.Exit(0)
	case "hang":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}
