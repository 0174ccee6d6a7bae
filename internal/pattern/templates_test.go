package pattern

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/store"
)

func newService(t *testing.T) (*TemplateService, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tmpl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewTemplateService(s), s
}

func TestTemplateService_RegexValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, 1, model.PatternTemplate{Name: "bad", Type: model.TemplateRegex, Value: "([a-z", Enabled: true})
	assert.ErrorIs(t, err, model.ErrInvalidTemplate)

	list, err := svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list, "invalid template must not be stored")

	created, err := svc.Create(ctx, 1, model.PatternTemplate{Name: "good", Type: "regex", Value: "([a-z]+)", Enabled: true})
	require.NoError(t, err)
	got, err := svc.Get(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "([a-z]+)", got.Value)
	assert.Equal(t, model.TemplateRegex, got.Type)
}

func TestTemplateService_NameRules(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, 1, model.PatternTemplate{Name: "   ", Type: model.TemplateString, Value: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidTemplate)

	_, err = svc.Create(ctx, 1, model.PatternTemplate{Name: "Flaky", Type: model.TemplateString, Value: "x"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, 1, model.PatternTemplate{Name: " flaky ", Type: model.TemplateString, Value: "y"})
	assert.ErrorIs(t, err, model.ErrDuplicateTemplate)

	_, err = svc.Create(ctx, 1, model.PatternTemplate{Name: "typed", Type: "GLOB", Value: "y"})
	assert.ErrorIs(t, err, model.ErrInvalidTemplate)
}

func TestTemplateService_EnableAndDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, err := svc.Create(ctx, 2, model.PatternTemplate{Name: "x", Type: model.TemplateString, Value: "x", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, svc.SetEnabled(ctx, 2, tmpl.ID, false))
	got, err := svc.Get(ctx, 2, tmpl.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, svc.SetEnabled(ctx, 3, tmpl.ID, true), model.ErrNotFound)
	require.NoError(t, svc.Delete(ctx, 2, tmpl.ID))
	_, err = svc.Get(ctx, 2, tmpl.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveCondition(t *testing.T) {
	f, err := resolveCondition(DefaultProviders(), []model.AnalyzeMode{model.ModeManuallyAnalyzed, model.ModeToInvestigate})
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.ItemPredicate{model.PredicateToInvestigate, model.PredicateManuallyAnalyzed}, f.Any)

	_, err = resolveCondition(DefaultProviders(), []model.AnalyzeMode{"UNKNOWN"})
	assert.ErrorIs(t, err, model.ErrNoConditionProvider)
}

func TestTemplateService_ConcurrentCreateSameName(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := svc.Create(ctx, 3, model.PatternTemplate{Name: "timeout", Type: model.TemplateString, Value: "timed out", Enabled: true})
			errs <- err
		}()
	}

	created := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, model.ErrDuplicateTemplate)
		}
	}
	assert.Equal(t, 1, created)
}
