package pattern

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/launchanalyzer/internal/lock"
	"github.com/msageha/launchanalyzer/internal/model"
)

// TemplateRepository persists pattern templates.
type TemplateRepository interface {
	TemplateNameExists(ctx context.Context, projectID int64, name string) (bool, error)
	CreateTemplate(ctx context.Context, t model.PatternTemplate) (model.PatternTemplate, error)
	GetTemplate(ctx context.Context, projectID, id int64) (model.PatternTemplate, error)
	ListTemplates(ctx context.Context, projectID int64, enabledOnly bool) ([]model.PatternTemplate, error)
	SetTemplateEnabled(ctx context.Context, projectID, id int64, enabled bool) error
	DeleteTemplate(ctx context.Context, projectID, id int64) error
}

// TemplateService validates templates before they are stored.
// Creations are serialized per project so the name check and the insert
// see the same state.
type TemplateService struct {
	repo     TemplateRepository
	projects *lock.KeyedMutex[int64]
}

func NewTemplateService(repo TemplateRepository) *TemplateService {
	return &TemplateService{repo: repo, projects: lock.NewKeyedMutex[int64]()}
}

// Create validates the template (non-blank name, compilable regex, name
// unique per project ignoring case) and stores it.
func (s *TemplateService) Create(ctx context.Context, projectID int64, t model.PatternTemplate) (model.PatternTemplate, error) {
	t.ProjectID = projectID
	t.Name = strings.TrimSpace(t.Name)
	if t.Type != "" {
		typ, err := model.ParseTemplateType(string(t.Type))
		if err != nil {
			return t, err
		}
		t.Type = typ
	}
	if err := t.Validate(); err != nil {
		return t, err
	}

	var created model.PatternTemplate
	err := s.projects.With(projectID, func() error {
		exists, err := s.repo.TemplateNameExists(ctx, projectID, t.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("template %q: %w", t.Name, model.ErrDuplicateTemplate)
		}
		created, err = s.repo.CreateTemplate(ctx, t)
		return err
	})
	if err != nil {
		return t, err
	}
	return created, nil
}

func (s *TemplateService) Get(ctx context.Context, projectID, id int64) (model.PatternTemplate, error) {
	return s.repo.GetTemplate(ctx, projectID, id)
}

func (s *TemplateService) List(ctx context.Context, projectID int64) ([]model.PatternTemplate, error) {
	return s.repo.ListTemplates(ctx, projectID, false)
}

func (s *TemplateService) SetEnabled(ctx context.Context, projectID, id int64, enabled bool) error {
	return s.repo.SetTemplateEnabled(ctx, projectID, id, enabled)
}

func (s *TemplateService) Delete(ctx context.Context, projectID, id int64) error {
	return s.repo.DeleteTemplate(ctx, projectID, id)
}
