package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/songzhibin97/process-engine/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
// Apply runs inside one transaction; guards are enforced by conditional updates and unique indexes.
type PostgresStorage struct {
	db *sqlx.DB
}

// NewPostgresStorage connects to the database at dsn.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

type definitionRow struct {
	Body []byte `db:"body"`
}

type instanceRow struct {
	ID           uint64     `db:"id"`
	DefinitionID uint64     `db:"definition_id"`
	Status       string     `db:"status"`
	Frontier     []byte     `db:"frontier"`
	Revision     int64      `db:"revision"`
	FailReason   string     `db:"fail_reason"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r instanceRow) instance() (types.Instance, error) {
	inst := types.Instance{
		ID:           r.ID,
		DefinitionID: r.DefinitionID,
		Status:       types.InstanceStatus(r.Status),
		Revision:     r.Revision,
		FailReason:   r.FailReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
	if err := json.Unmarshal(r.Frontier, &inst.Frontier); err != nil {
		return types.Instance{}, fmt.Errorf("decode frontier of instance %d: %w", r.ID, err)
	}
	return inst, nil
}

type taskRow struct {
	ID           uint64     `db:"id"`
	InstanceID   uint64     `db:"instance_id"`
	NodeID       string     `db:"node_id"`
	FunctionCode string     `db:"function_code"`
	TaskType     string     `db:"task_type"`
	Status       string     `db:"status"`
	AssignedTo   string     `db:"assigned_to"`
	InputData    []byte     `db:"input_data"`
	OutputData   []byte     `db:"output_data"`
	Error        string     `db:"error"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r taskRow) task() (types.Task, error) {
	t := types.Task{
		ID:           r.ID,
		InstanceID:   r.InstanceID,
		NodeID:       r.NodeID,
		FunctionCode: r.FunctionCode,
		TaskType:     types.TaskType(r.TaskType),
		Status:       types.TaskStatus(r.Status),
		AssignedTo:   r.AssignedTo,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
	if err := decodeMap(r.InputData, &t.InputData); err != nil {
		return types.Task{}, err
	}
	if err := decodeMap(r.OutputData, &t.OutputData); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

type contextRow struct {
	InstanceID uint64    `db:"instance_id"`
	Version    int       `db:"version"`
	Data       []byte    `db:"context_data"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r contextRow) contextVersion() (types.ContextVersion, error) {
	cv := types.ContextVersion{InstanceID: r.InstanceID, Version: r.Version, CreatedAt: r.CreatedAt}
	if err := decodeMap(r.Data, &cv.Data); err != nil {
		return types.ContextVersion{}, err
	}
	return cv, nil
}

type eventRow struct {
	ID         uint64    `db:"id"`
	InstanceID uint64    `db:"instance_id"`
	Type       string    `db:"event_type"`
	NodeID     string    `db:"node_id"`
	TaskID     uint64    `db:"task_id"`
	ActorID    string    `db:"actor_id"`
	Metadata   []byte    `db:"metadata"`
	Timestamp  time.Time `db:"event_timestamp"`
}

type queueRow struct {
	ID              uint64     `db:"id"`
	Kind            string     `db:"kind"`
	Payload         uint64     `db:"payload"`
	Status          string     `db:"status"`
	AttemptCount    int        `db:"attempt_count"`
	NextAttemptAt   time.Time  `db:"next_attempt_at"`
	ClaimedBy       string     `db:"claimed_by"`
	ClaimedAt       *time.Time `db:"claimed_at"`
	LastError       string     `db:"last_error"`
	FailureRecorded bool       `db:"failure_recorded"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r queueRow) item() types.QueueItem {
	return types.QueueItem{
		ID:              r.ID,
		Kind:            types.QueueKind(r.Kind),
		Payload:         r.Payload,
		Status:          types.QueueStatus(r.Status),
		AttemptCount:    r.AttemptCount,
		NextAttemptAt:   r.NextAttemptAt,
		ClaimedBy:       r.ClaimedBy,
		ClaimedAt:       r.ClaimedAt,
		LastError:       r.LastError,
		FailureRecorded: r.FailureRecorded,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

const (
	instanceColumns = "id, definition_id, status, frontier, revision, fail_reason, created_at, updated_at, completed_at"
	taskColumns     = "id, instance_id, node_id, function_code, task_type, status, assigned_to, input_data, output_data, error, created_at, updated_at, completed_at"
	queueColumns    = "id, kind, payload, status, attempt_count, next_attempt_at, claimed_by, claimed_at, last_error, failure_recorded, created_at, updated_at"
)

func decodeMap(data []byte, dest *map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// SaveDefinition inserts a definition.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	body, err := encode(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO definitions (id, key, version, name, body, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		def.ID, def.Key, def.Version, def.Name, body, def.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key=%s version=%d", ErrDefinitionExists, def.Key, def.Version)
	}
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, "SELECT body FROM definitions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Definition{}, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	}
	if err != nil {
		return types.Definition{}, fmt.Errorf("get definition %d: %w", id, err)
	}
	var def types.Definition
	if err := json.Unmarshal(row.Body, &def); err != nil {
		return types.Definition{}, fmt.Errorf("decode definition %d: %w", id, err)
	}
	return def, nil
}

// LatestDefinitionVersion returns the highest stored version for key.
func (s *PostgresStorage) LatestDefinitionVersion(ctx context.Context, key string) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM definitions WHERE key = $1", key)
	if err != nil {
		return 0, fmt.Errorf("latest definition version: %w", err)
	}
	return v, nil
}

// GetInstance retrieves an instance by id.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getInstance(ctx, s.db, id)
}

func getInstance(ctx context.Context, db DBInterface, id uint64) (types.Instance, error) {
	var row instanceRow
	err := db.GetContext(ctx, &row, "SELECT "+instanceColumns+" FROM instances WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	}
	if err != nil {
		return types.Instance{}, fmt.Errorf("get instance %d: %w", id, err)
	}
	return row.instance()
}

// GetTask retrieves a task by id.
func (s *PostgresStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, db DBInterface, id uint64) (types.Task, error) {
	var row taskRow
	err := db.GetContext(ctx, &row, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: id=%d", ErrTaskNotFound, id)
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return row.task()
}

// ListTasks returns the tasks of an instance ordered by id.
func (s *PostgresStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, "SELECT "+taskColumns+" FROM tasks WHERE instance_id = $1 ORDER BY id", instanceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %d: %w", instanceID, err)
	}
	out := make([]types.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LatestContext returns the newest context version of an instance.
func (s *PostgresStorage) LatestContext(ctx context.Context, instanceID uint64) (types.ContextVersion, error) {
	var row contextRow
	err := s.db.GetContext(ctx, &row,
		"SELECT instance_id, version, context_data, created_at FROM context_versions WHERE instance_id = $1 ORDER BY version DESC LIMIT 1",
		instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ContextVersion{}, fmt.Errorf("%w: no context for id=%d", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return types.ContextVersion{}, fmt.Errorf("latest context of %d: %w", instanceID, err)
	}
	return row.contextVersion()
}

// ListContextVersions returns all context versions of an instance.
func (s *PostgresStorage) ListContextVersions(ctx context.Context, instanceID uint64) ([]types.ContextVersion, error) {
	var rows []contextRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT instance_id, version, context_data, created_at FROM context_versions WHERE instance_id = $1 ORDER BY version",
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("list context versions of %d: %w", instanceID, err)
	}
	out := make([]types.ContextVersion, 0, len(rows))
	for _, r := range rows {
		cv, err := r.contextVersion()
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, nil
}

// ListHistory returns the history of an instance in write order.
func (s *PostgresStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, instance_id, event_type, node_id, task_id, actor_id, metadata, event_timestamp FROM history_events WHERE instance_id = $1 ORDER BY seq",
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("list history of %d: %w", instanceID, err)
	}
	out := make([]types.HistoryEvent, 0, len(rows))
	for _, r := range rows {
		e := types.HistoryEvent{
			ID:         r.ID,
			InstanceID: r.InstanceID,
			Type:       types.EventType(r.Type),
			NodeID:     r.NodeID,
			TaskID:     r.TaskID,
			ActorID:    r.ActorID,
			Timestamp:  r.Timestamp,
		}
		if err := decodeMap(r.Metadata, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Apply commits m in a single transaction.
func (s *PostgresStorage) Apply(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := applyMutation(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyMutation(ctx context.Context, tx DBInterface, m Mutation) error {
	if m.NewInstance != nil {
		if err := insertInstance(ctx, tx, *m.NewInstance); err != nil {
			return err
		}
	}
	if m.Instance != nil {
		if err := updateInstance(ctx, tx, *m.Instance); err != nil {
			return err
		}
	}
	if m.Task != nil {
		if err := updateTask(ctx, tx, *m.Task); err != nil {
			return err
		}
	}
	for _, t := range m.NewTasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	if m.Context != nil {
		if err := insertContext(ctx, tx, *m.Context); err != nil {
			return err
		}
	}
	for _, e := range m.Events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	if m.Queue != nil {
		if err := updateQueueItem(ctx, tx, *m.Queue); err != nil {
			return err
		}
	}
	for _, item := range m.Enqueue {
		if err := enqueue(ctx, tx, item); err != nil {
			return err
		}
	}
	return nil
}

func insertInstance(ctx context.Context, tx DBInterface, inst types.Instance) error {
	frontier, err := encode(inst.Frontier)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO instances ("+instanceColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		inst.ID, inst.DefinitionID, inst.Status, frontier, inst.Revision, inst.FailReason, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
	}
	if err != nil {
		return fmt.Errorf("insert instance %d: %w", inst.ID, err)
	}
	return nil
}

func updateInstance(ctx context.Context, tx DBInterface, inst types.Instance) error {
	frontier, err := encode(inst.Frontier)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE instances
		SET status = $1, frontier = $2, fail_reason = $3, updated_at = $4, completed_at = $5, revision = revision + 1
		WHERE id = $6 AND revision = $7`,
		inst.Status, frontier, inst.FailReason, inst.UpdatedAt, inst.CompletedAt, inst.ID, inst.Revision)
	if err != nil {
		return fmt.Errorf("update instance %d: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getInstance(ctx, tx, inst.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: id=%d want=%d", ErrRevisionConflict, inst.ID, inst.Revision)
	}
	return nil
}

func insertTask(ctx context.Context, tx DBInterface, t types.Task) error {
	input, err := encode(t.InputData)
	if err != nil {
		return err
	}
	output, err := encode(t.OutputData)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		t.ID, t.InstanceID, t.NodeID, t.FunctionCode, t.TaskType, t.Status, t.AssignedTo, input, output, t.Error, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: instance=%d node=%s", ErrOpenTaskExists, t.InstanceID, t.NodeID)
	}
	if err != nil {
		return fmt.Errorf("insert task %d: %w", t.ID, err)
	}
	return nil
}

func updateTask(ctx context.Context, tx DBInterface, u TaskUpdate) error {
	t := u.Task
	output, err := encode(t.OutputData)
	if err != nil {
		return err
	}
	from := make([]string, len(u.From))
	for i, st := range u.From {
		from[i] = string(st)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, assigned_to = $2, output_data = $3, error = $4, updated_at = $5, completed_at = $6
		WHERE id = $7 AND status = ANY($8)`,
		t.Status, t.AssignedTo, output, t.Error, t.UpdatedAt, t.CompletedAt, t.ID, pq.Array(from))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: instance=%d node=%s", ErrOpenTaskExists, t.InstanceID, t.NodeID)
	}
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		stored, err := getTask(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: id=%d status=%s", ErrTaskStatusConflict, t.ID, stored.Status)
	}
	return nil
}

func insertContext(ctx context.Context, tx DBInterface, cv types.ContextVersion) error {
	var current int
	if err := tx.GetContext(ctx, &current,
		"SELECT COALESCE(MAX(version), 0) FROM context_versions WHERE instance_id = $1", cv.InstanceID); err != nil {
		return fmt.Errorf("read context version: %w", err)
	}
	if cv.Version != current+1 {
		return fmt.Errorf("%w: instance=%d version=%d latest=%d", ErrVersionConflict, cv.InstanceID, cv.Version, current)
	}
	data, err := encode(cv.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO context_versions (instance_id, version, context_data, created_at) VALUES ($1, $2, $3, $4)",
		cv.InstanceID, cv.Version, data, cv.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: instance=%d version=%d", ErrVersionConflict, cv.InstanceID, cv.Version)
	}
	if err != nil {
		return fmt.Errorf("insert context version: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx DBInterface, e types.HistoryEvent) error {
	meta, err := encode(e.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_events (id, instance_id, event_type, node_id, task_id, actor_id, metadata, event_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.InstanceID, e.Type, e.NodeID, e.TaskID, e.ActorID, meta, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

func updateQueueItem(ctx context.Context, tx DBInterface, u QueueUpdate) error {
	item := u.Item
	if item.Kind == types.KindAdvanceInstance && item.Status == types.QueuePending {
		var absorbed []time.Time
		if err := tx.SelectContext(ctx, &absorbed, `
			DELETE FROM queue_items
			WHERE kind = $1 AND payload = $2 AND status = 'PENDING' AND id <> $3
			RETURNING next_attempt_at`,
			item.Kind, item.Payload, item.ID); err != nil {
			return fmt.Errorf("absorb pending advance: %w", err)
		}
		for _, t := range absorbed {
			item.NextAttemptAt = minTime(item.NextAttemptAt, t)
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_items
		SET status = $1, attempt_count = $2, next_attempt_at = $3, claimed_by = $4, claimed_at = $5,
			last_error = $6, failure_recorded = $7, updated_at = $8
		WHERE id = $9 AND status = 'RUNNING' AND claimed_by = $10`,
		item.Status, item.AttemptCount, item.NextAttemptAt, item.ClaimedBy, item.ClaimedAt,
		item.LastError, item.FailureRecorded, item.UpdatedAt, item.ID, u.ClaimedBy)
	if err != nil {
		return fmt.Errorf("update queue item %d: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM queue_items WHERE id = $1)", item.ID); err != nil {
			return fmt.Errorf("check queue item %d: %w", item.ID, err)
		}
		if !exists {
			return fmt.Errorf("%w: id=%d", ErrQueueItemNotFound, item.ID)
		}
		return fmt.Errorf("%w: id=%d", ErrClaimLost, item.ID)
	}
	return nil
}

func enqueue(ctx context.Context, tx DBInterface, item types.QueueItem) error {
	query := "INSERT INTO queue_items (" + queueColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"
	if item.Kind == types.KindAdvanceInstance && item.Status == types.QueuePending {
		query += `
			ON CONFLICT (kind, payload) WHERE status = 'PENDING' AND kind = 'ADVANCE_INSTANCE'
			DO UPDATE SET next_attempt_at = LEAST(queue_items.next_attempt_at, EXCLUDED.next_attempt_at),
				updated_at = EXCLUDED.updated_at`
	}
	_, err := tx.ExecContext(ctx, query,
		item.ID, item.Kind, item.Payload, item.Status, item.AttemptCount, item.NextAttemptAt,
		item.ClaimedBy, item.ClaimedAt, item.LastError, item.FailureRecorded, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s %d: %w", item.Kind, item.Payload, err)
	}
	return nil
}

const claimQuery = `
WITH c AS (
	SELECT q.id, q.status FROM queue_items q
	WHERE ((q.status = 'PENDING' AND q.next_attempt_at <= $2) OR (q.status = 'RUNNING' AND q.claimed_at <= $3))
	AND NOT (q.kind = 'ADVANCE_INSTANCE' AND EXISTS (
		SELECT 1 FROM queue_items o
		WHERE o.kind = 'ADVANCE_INSTANCE' AND o.payload = q.payload AND o.id <> q.id
		AND o.status = 'RUNNING' AND o.claimed_at > $3))
	ORDER BY q.next_attempt_at, q.id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE queue_items
SET status = 'RUNNING', claimed_by = $1, claimed_at = $2, updated_at = $2
FROM c
WHERE queue_items.id = c.id
RETURNING queue_items.id, queue_items.kind, queue_items.payload, queue_items.status, queue_items.attempt_count,
	queue_items.next_attempt_at, queue_items.claimed_by, queue_items.claimed_at, queue_items.last_error,
	queue_items.failure_recorded, queue_items.created_at, queue_items.updated_at, (c.status = 'RUNNING') AS reclaimed`

// ClaimQueueItem claims the due item with the earliest NextAttemptAt using SKIP LOCKED.
func (s *PostgresStorage) ClaimQueueItem(ctx context.Context, workerID string, now time.Time, leaseTTL time.Duration) (types.QueueItem, error) {
	var row struct {
		queueRow
		Reclaimed bool `db:"reclaimed"`
	}
	err := s.db.QueryRowxContext(ctx, claimQuery, workerID, now, now.Add(-leaseTTL)).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.QueueItem{}, ErrQueueEmpty
	}
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("claim queue item: %w", err)
	}
	item := row.item()
	item.Reclaimed = row.Reclaimed
	return item, nil
}

// GetQueueItem retrieves a queue item by id.
func (s *PostgresStorage) GetQueueItem(ctx context.Context, id uint64) (types.QueueItem, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, "SELECT "+queueColumns+" FROM queue_items WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.QueueItem{}, fmt.Errorf("%w: id=%d", ErrQueueItemNotFound, id)
	}
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("get queue item %d: %w", id, err)
	}
	return row.item(), nil
}

// PruneQueue removes finished queue items last updated before cutoff.
func (s *PostgresStorage) PruneQueue(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE updated_at < $1 AND (status = 'SUCCEEDED' OR (status = 'FAILED' AND failure_recorded))`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
