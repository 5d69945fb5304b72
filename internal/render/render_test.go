package render

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailTrace/internal/db"
	"MailTrace/internal/models"
)

func TestRenderReplacesPlaceholders(t *testing.T) {
	tpl := &models.Template{
		Subject: "Hello {{name}}",
		HTML:    "<p>Hi {{ name }}, you have {{count}} new messages.</p>",
		Text:    "Hi {{  name  }}",
	}

	out := Render(tpl, map[string]any{
		"name":  "Ada",
		"count": 3,
	})

	assert.Equal(t, "Hello Ada", out.Subject)
	assert.Equal(t, "<p>Hi Ada, you have 3 new messages.</p>", out.HTML)
	assert.Equal(t, "Hi Ada", out.Text)
}

func TestRenderIsCaseSensitive(t *testing.T) {
	tpl := &models.Template{Subject: "{{Name}} vs {{name}}"}

	out := Render(tpl, map[string]any{"name": "ada"})

	assert.Equal(t, "{{Name}} vs ada", out.Subject)
}

func TestRenderNilValueSubstitutesEmptyString(t *testing.T) {
	tpl := &models.Template{HTML: "before {{gone}} after"}

	out := Render(tpl, map[string]any{"gone": nil})

	assert.Equal(t, "before  after", out.HTML)
}

func TestRenderLeavesUnknownPlaceholdersVerbatim(t *testing.T) {
	tpl := &models.Template{
		Subject: "{{known}} and {{unknown}}",
		HTML:    "{{ unknown }}",
	}

	out := Render(tpl, map[string]any{"known": "yes"})

	assert.Equal(t, "yes and {{unknown}}", out.Subject)
	assert.Equal(t, "{{ unknown }}", out.HTML)
}

func TestRenderIsIdempotent(t *testing.T) {
	tpl := &models.Template{
		Subject: "Hi {{name}}",
		HTML:    "<p>{{name}} / {{missing}}</p>",
	}
	vars := map[string]any{"name": "Ada"}

	first := Render(tpl, vars)
	second := Render(&models.Template{
		Subject: first.Subject,
		HTML:    first.HTML,
		Text:    first.Text,
	}, vars)

	assert.Equal(t, first, second)
}

type fakeTemplateStore struct {
	mu        sync.Mutex
	templates map[string]*models.Template
	calls     int
}

func (f *fakeTemplateStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	tpl, ok := f.templates[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return tpl, nil
}

func TestServiceResolveCachesHits(t *testing.T) {
	store := &fakeTemplateStore{
		templates: map[string]*models.Template{
			"welcome": {ID: "welcome", Subject: "Hi", HTML: "<p>hi</p>"},
		},
	}
	svc := NewService(store)

	first, err := svc.Resolve(context.Background(), "welcome")
	require.NoError(t, err)

	second, err := svc.Resolve(context.Background(), "welcome")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.calls)
}

func TestServiceResolveMissingTemplate(t *testing.T) {
	svc := NewService(&fakeTemplateStore{templates: map[string]*models.Template{}})

	_, err := svc.Resolve(context.Background(), "nope")

	require.ErrorIs(t, err, ErrTemplateNotFound)
}
