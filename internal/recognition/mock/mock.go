// Package mock provides a recognition engine that fabricates text, for local
// runs and tests without a model.
package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
)

var _ recognition.Engine = (*Engine)(nil)

type Engine struct {
	delay     time.Duration
	loadDelay time.Duration
	prefix    string
}

func New(cfg config.MockSettings) *Engine {
	return &Engine{delay: cfg.Delay, loadDelay: cfg.LoadDelay, prefix: cfg.Prefix}
}

func (e *Engine) Load(ctx context.Context) error {
	return sleep(ctx, e.loadDelay)
}

func (e *Engine) Recognize(ctx context.Context, req recognition.Request) (*string, error) {
	if err := sleep(ctx, e.delay); err != nil {
		return nil, err
	}
	info, err := os.Stat(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	text := fmt.Sprintf("# %s\n\nImage: %s (%d bytes)\nPrompt: %q\n",
		e.prefix, filepath.Base(req.ImagePath), info.Size(), req.Prompt)
	return &text, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
