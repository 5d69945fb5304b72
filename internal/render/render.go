// Package render implements the {{ key }} substitution engine used for
// templated submissions. It is deliberately not html/template: unknown
// placeholders must survive verbatim so partially-parameterized templates
// stay readable, and values are never escaped.
package render

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	cache "github.com/patrickmn/go-cache"

	"MailTrace/internal/db"
	"MailTrace/internal/models"
)

// ErrTemplateNotFound is returned when a submission references a template id
// that does not resolve.
var ErrTemplateNotFound = errors.New("template not found")

// Rendered is the output of a template render.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render substitutes every case-sensitive {{ key }} occurrence (whitespace
// around the key is tolerated) in subject, html and text with the stringified
// value. Nil values substitute the empty string. Placeholders with no
// matching key are left verbatim.
func Render(tpl *models.Template, vars map[string]any) Rendered {
	out := Rendered{
		Subject: tpl.Subject,
		HTML:    tpl.HTML,
		Text:    tpl.Text,
	}

	for key, value := range vars {
		re := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(key) + `\s*\}\}`)
		replacement := stringify(value)
		out.Subject = re.ReplaceAllLiteralString(out.Subject, replacement)
		out.HTML = re.ReplaceAllLiteralString(out.HTML, replacement)
		out.Text = re.ReplaceAllLiteralString(out.Text, replacement)
	}

	return out
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}

// TemplateStore is the lookup side of the record store.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

// Service resolves template ids through the record store with a short-lived
// cache in front, so bulk submissions reusing one template hit the database
// once.
type Service struct {
	store TemplateStore
	cache *cache.Cache
}

func NewService(store TemplateStore) *Service {
	return &Service{
		store: store,
		cache: cache.New(time.Minute, 5*time.Minute),
	}
}

// Resolve fetches a template by id. Misses map to ErrTemplateNotFound;
// negative results are not cached so a just-created template is usable
// immediately.
func (s *Service) Resolve(ctx context.Context, id string) (*models.Template, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*models.Template), nil
	}

	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		return nil, err
	}

	s.cache.Set(id, tpl, cache.DefaultExpiration)
	return tpl, nil
}
