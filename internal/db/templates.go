package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"MailTrace/internal/models"
)

func (s *Store) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO email_templates
		 (id, name, description, subject, html, text, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		tpl.ID,
		tpl.Name,
		tpl.Description,
		tpl.Subject,
		tpl.HTML,
		tpl.Text,
		tpl.IsActive,
	).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var tpl models.Template

	err := s.Pool.QueryRow(ctx,
		`SELECT id, name, description, subject, html, text, is_active, created_at, updated_at
		 FROM email_templates WHERE id=$1`,
		id,
	).Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Subject,
		&tpl.HTML, &tpl.Text, &tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, description, subject, html, text, is_active, created_at, updated_at
		 FROM email_templates ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]models.Template, 0)
	for rows.Next() {
		var tpl models.Template
		if err := rows.Scan(
			&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Subject,
			&tpl.HTML, &tpl.Text, &tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt,
		); err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}

	return templates, rows.Err()
}

// UpdateTemplate applies a partial update: empty fields keep their previous
// value, except description and text which may be cleared explicitly through
// the nilable parameters.
func (s *Store) UpdateTemplate(ctx context.Context, id string, tpl *models.Template, description, text *string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_templates
		 SET name=COALESCE(NULLIF($1,''), name),
		     subject=COALESCE(NULLIF($2,''), subject),
		     html=COALESCE(NULLIF($3,''), html),
		     description=COALESCE($4, description),
		     text=COALESCE($5, text),
		     updated_at=NOW()
		 WHERE id=$6`,
		tpl.Name,
		tpl.Subject,
		tpl.HTML,
		description,
		text,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM email_templates WHERE id=$1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
