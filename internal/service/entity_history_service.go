package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/history"
	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/pkg/database"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/export"
)

const historyCachePrefix = "entity_history"

type entityHistoryReader interface {
	GetChangeSet(ctx context.Context, id string) (*models.EntityChangeSet, error)
	ListHistory(ctx context.Context, filter models.EntityHistoryFilter) ([]models.EntityHistoryRow, error)
}

// HistoryExport is a rendered history document.
type HistoryExport struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EntityHistoryService serves cached history queries and exports.
type EntityHistoryService struct {
	repo      entityHistoryReader
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEntityHistoryService constructs the service. cache may be nil.
func NewEntityHistoryService(repo entityHistoryReader, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *EntityHistoryService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityHistoryService{repo: repo, cache: cache, validator: validate, logger: logger, now: time.Now}
}

// List returns history rows for the filter, newest first.
func (s *EntityHistoryService) List(ctx context.Context, filter models.EntityHistoryFilter) ([]models.EntityHistoryRow, error) {
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}

	key := historyCacheKey(filter)
	var cached []models.EntityHistoryRow
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	rows, err := s.repo.ListHistory(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list entity history")
	}
	if rows == nil {
		rows = []models.EntityHistoryRow{}
	}
	s.cache.Set(ctx, key, rows)
	return rows, nil
}

// GetChangeSet loads one change set with its entity and property changes.
func (s *EntityHistoryService) GetChangeSet(ctx context.Context, id string) (*models.EntityChangeSet, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "change set id is required")
	}
	cs, err := s.repo.GetChangeSet(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "change set not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load change set")
	}
	return cs, nil
}

// Export renders the filtered history as CSV or PDF.
func (s *EntityHistoryService) Export(ctx context.Context, filter models.EntityHistoryFilter, format export.Format) (*HistoryExport, error) {
	renderer, err := export.ForFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	rows, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	data, err := renderer.Render(HistoryDataset(rows))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render entity history")
	}
	if format == "" {
		format = export.FormatCSV
	}
	s.logger.Info("entity history exported", zap.String("format", string(format)), zap.Int("rows", len(rows)))
	return &HistoryExport{
		Filename:    fmt.Sprintf("entity-history-%s.%s", s.now().UTC().Format("20060102-150405"), format),
		ContentType: renderer.ContentType(),
		Data:        data,
	}, nil
}

func (s *EntityHistoryService) validateFilter(filter models.EntityHistoryFilter) error {
	if filter.ChangeType != "" && !filter.ChangeType.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "unknown change type")
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	if err := s.validator.Var(filter.Limit, "gte=0,lte=500"); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "limit must be between 0 and 500")
	}
	if err := s.validator.Var(filter.Offset, "gte=0"); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "offset must not be negative")
	}
	return nil
}

// HistoryDataset flattens history rows into an export table.
func HistoryDataset(rows []models.EntityHistoryRow) export.Dataset {
	ds := export.Dataset{
		Title:   "Entity history",
		Headers: []string{"change_time", "entity_type", "entity_id", "change_type", "property", "original", "new"},
	}
	for _, row := range rows {
		ds.Append(
			row.ChangeTime.UTC().Format(time.RFC3339),
			row.EntityTypeFullName,
			deref(row.EntityID),
			string(row.ChangeType),
			deref(row.PropertyName),
			deref(row.OriginalValue),
			deref(row.NewValue),
		)
	}
	return ds
}

func historyCacheKey(filter models.EntityHistoryFilter) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%d:%d",
		historyCachePrefix,
		filter.EntityTypeFullName,
		filter.EntityID,
		filter.ChangeType,
		formatTimePtr(filter.From),
		formatTimePtr(filter.To),
		filter.Limit,
		filter.Offset,
	)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// InvalidatingStore drops cached history queries for every entity type a
// saved change set touches. Inside a transaction the drop waits for commit.
type InvalidatingStore struct {
	next  history.Store
	cache *CacheService
}

// NewInvalidatingStore decorates next with cache invalidation.
func NewInvalidatingStore(next history.Store, cache *CacheService) *InvalidatingStore {
	return &InvalidatingStore{next: next, cache: cache}
}

// Save implements history.Store.
func (s *InvalidatingStore) Save(ctx context.Context, cs *models.EntityChangeSet) error {
	if err := s.next.Save(ctx, cs); err != nil {
		return err
	}
	s.invalidateAfterCommit(ctx, cs)
	return nil
}

// SaveAsync implements history.Store.
func (s *InvalidatingStore) SaveAsync(ctx context.Context, cs *models.EntityChangeSet) <-chan error {
	out := make(chan error, 1)
	inner := s.next.SaveAsync(ctx, cs)
	go func() {
		defer close(out)
		err := <-inner
		if err == nil {
			s.invalidate(context.WithoutCancel(ctx), cs)
		}
		out <- err
	}()
	return out
}

func (s *InvalidatingStore) invalidateAfterCommit(ctx context.Context, cs *models.EntityChangeSet) {
	detached := context.WithoutCancel(ctx)
	if database.AfterCommit(ctx, func() { s.invalidate(detached, cs) }) {
		return
	}
	s.invalidate(ctx, cs)
}

func (s *InvalidatingStore) invalidate(ctx context.Context, cs *models.EntityChangeSet) {
	if !s.cache.Enabled() || cs == nil {
		return
	}
	seen := make(map[string]struct{}, len(cs.EntityChanges))
	s.cache.Invalidate(ctx, historyCachePrefix+"::*")
	for _, change := range cs.EntityChanges {
		if _, ok := seen[change.EntityTypeFullName]; ok {
			continue
		}
		seen[change.EntityTypeFullName] = struct{}{}
		s.cache.Invalidate(ctx, historyCachePrefix+":"+change.EntityTypeFullName+":*")
	}
}
