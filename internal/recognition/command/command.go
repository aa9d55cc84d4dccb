// Package command runs an external recognition program once per page.
package command

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
)

var _ recognition.Engine = (*Engine)(nil)

const stderrLimit = 8 << 10

// Engine executes the configured program with {image}, {output} and {prompt}
// substituted in its arguments. The program writes its result into the
// output directory; stdout is used as the text when it is not empty.
type Engine struct {
	log     *slog.Logger
	path    string
	args    []string
	timeout time.Duration
}

func New(log *slog.Logger, cfg config.CommandSettings) *Engine {
	return &Engine{log: log, path: cfg.Path, args: cfg.Args, timeout: cfg.Timeout}
}

// Load resolves the program on PATH.
func (e *Engine) Load(ctx context.Context) error {
	resolved, err := exec.LookPath(e.path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.path, err)
	}
	e.path = resolved
	return nil
}

func (e *Engine) Recognize(ctx context.Context, req recognition.Request) (*string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := expandArgs(e.args, req)
	start := time.Now()
	e.log.Debug("running command", "cmd", e.path, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Dir = req.OutputDir
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(truncate(errb.String(), stderrLimit))
		e.log.Error("exec failed", "cmd", e.path, "duration_ms", time.Since(start).Milliseconds(), "err", err, "stderr", msg)
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	e.log.Debug("exec ok", "cmd", e.path, "duration_ms", time.Since(start).Milliseconds(), "stdout_bytes", out.Len())

	if text := strings.TrimSpace(out.String()); text != "" {
		return &text, nil
	}
	return nil, nil
}

func expandArgs(tmpl []string, req recognition.Request) []string {
	r := strings.NewReplacer(
		"{image}", req.ImagePath,
		"{output}", req.OutputDir,
		"{prompt}", req.Prompt,
	)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
