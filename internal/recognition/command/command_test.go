package command

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"--in={image}", "{output}", "-p", "{prompt}"},
		recognition.Request{ImagePath: "/tmp/p.png", OutputDir: "/tmp/out", Prompt: "go"})
	want := []string{"--in=/tmp/p.png", "/tmp/out", "-p", "go"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expandArgs = %v, want %v", got, want)
	}
}

func TestCommand_WritesArtifact(t *testing.T) {
	requireShell(t)
	e := New(discardLogger(), config.CommandSettings{
		Path: "sh",
		Args: []string{"-c", `printf '%s' "$1" > "$2/result.mmd"`, "sh", "{prompt}", "{output}"},
	})
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := t.TempDir()
	text, err := e.Recognize(context.Background(), recognition.Request{ImagePath: "x.png", OutputDir: out, Prompt: "page text"})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != nil {
		t.Fatalf("expected nil text, got %q", *text)
	}
	if got := recognition.ReadArtifact(out); got != "page text" {
		t.Fatalf("artifact = %q", got)
	}
}

func TestCommand_StdoutIsText(t *testing.T) {
	requireShell(t)
	e := New(discardLogger(), config.CommandSettings{Path: "sh", Args: []string{"-c", "echo hello"}})
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := e.Recognize(context.Background(), recognition.Request{OutputDir: t.TempDir()})
	if err != nil || text == nil || *text != "hello" {
		t.Fatalf("Recognize = %v, %v", text, err)
	}
}

func TestCommand_FailureIncludesStderr(t *testing.T) {
	requireShell(t)
	e := New(discardLogger(), config.CommandSettings{Path: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}})
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err := e.Recognize(context.Background(), recognition.Request{OutputDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestCommand_LoadMissingProgram(t *testing.T) {
	e := New(discardLogger(), config.CommandSettings{Path: filepath.Join(os.TempDir(), "definitely-not-a-program")})
	if err := e.Load(context.Background()); err == nil {
		t.Fatalf("expected load error for missing program")
	}
}
