// Package repos mediates every read and write against the relational store.
// Actors never hold entity state in memory across a suspension point; they
// go through these repos with a short-lived transaction every time.
package repos

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker/internal/domain"
	"github.com/tasker-systems/tasker/internal/pkg/dbctx"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
)

type TemplateRepo interface {
	Create(dbc dbctx.Context, tmpl *domain.TaskTemplate, steps []*domain.NamedStep) error
	GetByTriple(dbc dbctx.Context, namespace, name string, version int) (*domain.TaskTemplate, []*domain.NamedStep, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.TaskTemplate, []*domain.NamedStep, error)
}

type templateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTemplateRepo(db *gorm.DB, baseLog *logger.Logger) TemplateRepo {
	return &templateRepo{db: db, log: baseLog.With("repo", "TemplateRepo")}
}

func (r *templateRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *templateRepo) Create(dbc dbctx.Context, tmpl *domain.TaskTemplate, steps []*domain.NamedStep) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		if tmpl.ID == uuid.Nil {
			tmpl.ID = uuid.Must(uuid.NewV7())
		}
		if err := tx.Create(tmpl).Error; err != nil {
			return err
		}
		for _, s := range steps {
			if s.ID == uuid.Nil {
				s.ID = uuid.Must(uuid.NewV7())
			}
			s.TemplateID = tmpl.ID
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *templateRepo) GetByTriple(dbc dbctx.Context, namespace, name string, version int) (*domain.TaskTemplate, []*domain.NamedStep, error) {
	t := r.tx(dbc)
	var tmpl domain.TaskTemplate
	err := t.WithContext(dbc.Ctx).
		Where("namespace = ? AND name = ? AND version = ?", namespace, name, version).
		First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var steps []*domain.NamedStep
	if err := t.WithContext(dbc.Ctx).Where("template_id = ?", tmpl.ID).Order("created_at ASC").Find(&steps).Error; err != nil {
		return nil, nil, err
	}
	return &tmpl, steps, nil
}

func (r *templateRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.TaskTemplate, []*domain.NamedStep, error) {
	t := r.tx(dbc)
	var tmpl domain.TaskTemplate
	err := t.WithContext(dbc.Ctx).Where("id = ?", id).First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var steps []*domain.NamedStep
	if err := t.WithContext(dbc.Ctx).Where("template_id = ?", tmpl.ID).Order("created_at ASC").Find(&steps).Error; err != nil {
		return nil, nil, err
	}
	return &tmpl, steps, nil
}
