package services

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/depotd/depot/internal/logging"
	sc "github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/models"
	"github.com/depotd/depot/internal/server/repositories/repomanager"
)

// EntityService manages the owning units files belong to.
type EntityService struct {
	db     *sql.DB
	repos  repomanager.Manager
	config *sc.Config
	log    logging.Logger
}

func NewEntityService(db *sql.DB, repos repomanager.Manager, config *sc.Config, log logging.Logger) *EntityService {
	return &EntityService{
		db:     db,
		repos:  repos,
		config: config,
		log:    log.With("component", "entities"),
	}
}

// Create registers an entity. A quota <= 0 applies the configured
// default.
func (s *EntityService) Create(ctx context.Context, name string, quota int64) (*models.Entity, error) {
	if quota <= 0 {
		quota = s.config.DefaultQuota
	}
	e := &models.Entity{
		ID:    uuid.NewString(),
		Name:  name,
		Quota: quota,
	}
	if err := s.repos.Entities(s.db).Create(ctx, e); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "entity created", "entity_id", e.ID, "name", name, "quota", quota)
	return e, nil
}

func (s *EntityService) Get(ctx context.Context, id string) (*models.Entity, error) {
	return s.repos.Entities(s.db).GetByID(ctx, id)
}

func (s *EntityService) GetByName(ctx context.Context, name string) (*models.Entity, error) {
	return s.repos.Entities(s.db).GetByName(ctx, name)
}

func (s *EntityService) List(ctx context.Context) ([]*models.Entity, error) {
	return s.repos.Entities(s.db).List(ctx)
}
