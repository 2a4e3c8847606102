package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/pkg/database"
)

const (
	insertChangeSetQuery = `INSERT INTO entity_change_sets
	(id, creation_time, tenant_id, user_id, impersonator_tenant_id, impersonator_user_id, reason)
	VALUES (:id, :creation_time, :tenant_id, :user_id, :impersonator_tenant_id, :impersonator_user_id, :reason)`
	insertEntityChangesQuery = `INSERT INTO entity_changes
	(id, entity_change_set_id, entity_type_full_name, entity_id, change_type, change_time, tenant_id)
	VALUES (:id, :entity_change_set_id, :entity_type_full_name, :entity_id, :change_type, :change_time, :tenant_id)`
	insertPropertyChangesQuery = `INSERT INTO entity_property_changes
	(id, entity_change_id, property_name, property_type_full_name, original_value, new_value, original_value_hash, new_value_hash, tenant_id)
	VALUES (:id, :entity_change_id, :property_name, :property_type_full_name, :original_value, :new_value, :original_value_hash, :new_value_hash, :tenant_id)`
)

// EntityHistoryRepository persists and reads entity change sets.
type EntityHistoryRepository struct {
	db *sqlx.DB
}

// NewEntityHistoryRepository constructs the repository.
func NewEntityHistoryRepository(db *sqlx.DB) *EntityHistoryRepository {
	return &EntityHistoryRepository{db: db}
}

// Save writes the change set graph. Inside an ambient transaction the rows
// join it; otherwise the graph is written in its own transaction.
func (r *EntityHistoryRepository) Save(ctx context.Context, cs *models.EntityChangeSet) error {
	if tx, ok := database.TxFromContext(ctx); ok {
		return r.insert(ctx, tx, cs)
	}
	return r.saveInOwnTx(ctx, cs)
}

// SaveAsync writes the change set in its own transaction on a separate
// goroutine. Cancelling ctx before commit rolls the whole graph back.
func (r *EntityHistoryRepository) SaveAsync(ctx context.Context, cs *models.EntityChangeSet) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		out <- r.saveInOwnTx(ctx, cs)
	}()
	return out
}

func (r *EntityHistoryRepository) saveInOwnTx(ctx context.Context, cs *models.EntityChangeSet) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entity change set tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.insert(ctx, tx, cs); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("save entity change set: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit entity change set: %w", err)
	}
	return nil
}

func (r *EntityHistoryRepository) insert(ctx context.Context, tx *sqlx.Tx, cs *models.EntityChangeSet) error {
	if _, err := tx.NamedExecContext(ctx, insertChangeSetQuery, cs); err != nil {
		return fmt.Errorf("save entity change set: %w", err)
	}
	if len(cs.EntityChanges) == 0 {
		return nil
	}
	if _, err := tx.NamedExecContext(ctx, insertEntityChangesQuery, cs.EntityChanges); err != nil {
		return fmt.Errorf("save entity changes: %w", err)
	}

	var props []models.EntityPropertyChange
	for _, change := range cs.EntityChanges {
		props = append(props, change.PropertyChanges...)
	}
	if len(props) == 0 {
		return nil
	}
	if _, err := tx.NamedExecContext(ctx, insertPropertyChangesQuery, props); err != nil {
		return fmt.Errorf("save entity property changes: %w", err)
	}
	return nil
}

// GetChangeSet loads one change set with its entity and property changes.
func (r *EntityHistoryRepository) GetChangeSet(ctx context.Context, id string) (*models.EntityChangeSet, error) {
	var cs models.EntityChangeSet
	query := r.db.Rebind(`SELECT id, creation_time, tenant_id, user_id, impersonator_tenant_id, impersonator_user_id, reason
	FROM entity_change_sets WHERE id = ?`)
	if err := r.db.GetContext(ctx, &cs, query, id); err != nil {
		return nil, err
	}

	var changes []models.EntityChange
	query = r.db.Rebind(`SELECT id, entity_change_set_id, entity_type_full_name, entity_id, change_type, change_time, tenant_id
	FROM entity_changes WHERE entity_change_set_id = ? ORDER BY change_time, id`)
	if err := r.db.SelectContext(ctx, &changes, query, id); err != nil {
		return nil, fmt.Errorf("load entity changes: %w", err)
	}
	if len(changes) == 0 {
		return &cs, nil
	}

	ids := make([]string, len(changes))
	index := make(map[string]int, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
		index[c.ID] = i
	}
	query, args, err := sqlx.In(`SELECT id, entity_change_id, property_name, property_type_full_name, original_value, new_value,
       original_value_hash, new_value_hash, tenant_id
	FROM entity_property_changes WHERE entity_change_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build property change query: %w", err)
	}
	var props []models.EntityPropertyChange
	if err := r.db.SelectContext(ctx, &props, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load entity property changes: %w", err)
	}
	for _, p := range props {
		i := index[p.EntityChangeID]
		changes[i].PropertyChanges = append(changes[i].PropertyChanges, p)
	}
	cs.EntityChanges = changes
	return &cs, nil
}

// ListHistory returns flattened history rows, newest first. Entity changes
// without property changes appear once with empty property columns. Limit and
// offset page over entity changes, so one change is never split across pages.
func (r *EntityHistoryRepository) ListHistory(ctx context.Context, filter models.EntityHistoryFilter) ([]models.EntityHistoryRow, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 5)
	builder.WriteString(`SELECT cs.id AS change_set_id, cs.user_id, cs.reason, ec.id AS entity_change_id, ec.entity_type_full_name,
       ec.entity_id, ec.change_type, ec.change_time, pc.property_name, pc.property_type_full_name,
       pc.original_value, pc.new_value, pc.original_value_hash, pc.new_value_hash
	FROM (SELECT ec.id, ec.entity_change_set_id, ec.entity_type_full_name, ec.entity_id, ec.change_type, ec.change_time
		FROM entity_changes ec`)

	conditions := make([]string, 0, 5)
	if filter.EntityTypeFullName != "" {
		args = append(args, filter.EntityTypeFullName)
		conditions = append(conditions, "ec.entity_type_full_name = ?")
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, "ec.entity_id = ?")
	}
	if filter.ChangeType != "" {
		args = append(args, filter.ChangeType)
		conditions = append(conditions, "ec.change_type = ?")
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, "ec.change_time >= ?")
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, "ec.change_time <= ?")
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" ORDER BY ec.change_time DESC, ec.id LIMIT %d OFFSET %d) ec", limit, offset))
	builder.WriteString(`
	JOIN entity_change_sets cs ON cs.id = ec.entity_change_set_id
	LEFT JOIN entity_property_changes pc ON pc.entity_change_id = ec.id
	ORDER BY ec.change_time DESC, ec.id, pc.property_name`)

	var rows []models.EntityHistoryRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(builder.String()), args...); err != nil {
		return nil, fmt.Errorf("list entity history: %w", err)
	}
	return rows, nil
}
