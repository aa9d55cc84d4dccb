package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
)

func seedPrompts(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM prompts`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.Exec(
		`INSERT INTO prompts (name, content, description, is_default, created_at) VALUES (?, ?, ?, 1, ?)`,
		"Default OCR", common.DefaultPrompt, "Standard document to markdown prompt", formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, description, is_default, created_at FROM prompts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Prompt, 0)
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, description, is_default, created_at FROM prompts WHERE id = ?`, id)
	return promptOrNotFound(scanPrompt(row))
}

// DefaultPrompt returns the prompt flagged as default with the lowest id.
func (s *SQLiteStore) DefaultPrompt(ctx context.Context) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, description, is_default, created_at FROM prompts
		 WHERE is_default = 1 ORDER BY id ASC LIMIT 1`)
	return promptOrNotFound(scanPrompt(row))
}

func (s *SQLiteStore) CreatePrompt(ctx context.Context, p *Prompt) error {
	if err := ValidatePrompt(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (name, content, description, is_default, created_at) VALUES (?, ?, ?, 0, ?)`,
		p.Name, p.Content, p.Description, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("prompt id: %w", err)
	}
	p.ID = id
	p.IsDefault = false
	return nil
}

// UpdatePrompt changes name, content and description. Jobs keep the prompt text
// they captured at submission.
func (s *SQLiteStore) UpdatePrompt(ctx context.Context, p *Prompt) error {
	if err := ValidatePrompt(p); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET name = ?, content = ?, description = ? WHERE id = ?`,
		p.Name, p.Content, p.Description, p.ID)
	if err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// ValidatePrompt checks the fields every stored prompt must carry.
func ValidatePrompt(p *Prompt) error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidPrompt)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPrompt)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidPrompt)
	}
	return nil
}

func scanPrompt(row rowScanner) (*Prompt, error) {
	var p Prompt
	var isDefault int
	var created string
	if err := row.Scan(&p.ID, &p.Name, &p.Content, &p.Description, &isDefault, &created); err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func promptOrNotFound(p *Prompt, err error) (*Prompt, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	return p, nil
}
