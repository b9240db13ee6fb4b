package project

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/pulse/internal/apperr"
	"github.com/splax/pulse/internal/domain"
	"github.com/splax/pulse/internal/repository"
	"github.com/splax/pulse/pkg/crypto"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name  string
	Email string
}

// Created is returned once from Create and is the only place the plaintext
// API key ever appears.
type Created struct {
	Project domain.Project
	APIKey  string
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, logger: logger.With("component", "projects"), now: time.Now}
}

const maxNameLength = 100

// Create registers a new monitored project and issues its ingest key.
func (s Service) Create(ctx context.Context, input CreateInput) (*Created, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperr.Validation("project name is required")
	}
	if len(name) > maxNameLength {
		return nil, apperr.Validationf("project name must be at most %d characters", maxNameLength)
	}
	email := strings.TrimSpace(input.Email)
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperr.Validation("email is invalid")
	}
	key, hash, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	project := &domain.Project{
		ID:         uuid.NewString(),
		Name:       name,
		Email:      email,
		APIKeyHash: hash,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, translate(err)
	}
	s.logger.Info("project created", "project_id", project.ID)
	return &Created{Project: *project, APIKey: key}, nil
}

// Get returns a project by id. Ids that are not UUIDs cannot exist.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.Validation("project id required")
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, apperr.NotFound("project")
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, translate(err)
	}
	return project, nil
}

// List returns every project, oldest first.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return projects, nil
}

// Authenticate resolves the project owning apiKey.
func (s Service) Authenticate(ctx context.Context, apiKey string) (*domain.Project, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.Unauthorized("api key required")
	}
	project, err := s.projects.GetProjectByAPIKeyHash(ctx, crypto.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthorized("invalid api key")
		}
		return nil, translate(err)
	}
	return project, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound("project")
	case errors.Is(err, repository.ErrConflict):
		return apperr.Validation("project already exists")
	case errors.Is(err, repository.ErrInvalidArgument):
		return apperr.Validation("invalid project")
	default:
		return err
	}
}
