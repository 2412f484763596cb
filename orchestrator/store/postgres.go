package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// dbConn is the subset of pgxpool.Pool and pgx.Tx the store queries
// through, letting one implementation serve both pooled and
// transaction-bound views.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	db   dbConn
	pool *pgxpool.Pool // nil on transaction-bound views
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// NewPostgresStore opens a pooled connection and verifies it.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MaxConnLifetime = time.Hour
	pc.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

// EnsureSchema applies the embedded DDL. Safe to run on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn against a transaction-bound view. Nested calls reuse the
// enclosing transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	view := &PostgresStore{db: tx}
	if err := fn(ctx, view); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isPgErr(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// --- Manifest Group Operations ---

const manifestGroupCols = `id, name, max_active_jobs, priority, is_enabled, created_at, updated_at`

func scanManifestGroup(r rowScanner) (*ManifestGroup, error) {
	var g ManifestGroup
	err := r.Scan(&g.ID, &g.Name, &g.MaxActiveJobs, &g.Priority, &g.IsEnabled, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) CreateManifestGroup(ctx context.Context, g *ManifestGroup) error {
	query := `
		INSERT INTO manifest_groups (name, max_active_jobs, priority, is_enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, g.Name, g.MaxActiveJobs, g.Priority, g.IsEnabled).
		Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if isPgErr(err, pgUniqueViolation) {
		return fmt.Errorf("group %q: %w", g.Name, ErrDuplicateExternalID)
	}
	return err
}

func (s *PostgresStore) GetManifestGroup(ctx context.Context, id int64) (*ManifestGroup, error) {
	query := `SELECT ` + manifestGroupCols + ` FROM manifest_groups WHERE id = $1`
	g, err := scanManifestGroup(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *PostgresStore) GetManifestGroupByName(ctx context.Context, name string) (*ManifestGroup, error) {
	query := `SELECT ` + manifestGroupCols + ` FROM manifest_groups WHERE name = $1`
	g, err := scanManifestGroup(s.db.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *PostgresStore) ListManifestGroups(ctx context.Context) ([]*ManifestGroup, error) {
	query := `SELECT ` + manifestGroupCols + ` FROM manifest_groups ORDER BY priority DESC, name ASC`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ManifestGroup
	for rows.Next() {
		g, err := scanManifestGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateManifestGroup(ctx context.Context, g *ManifestGroup) error {
	query := `
		UPDATE manifest_groups
		SET name = $2, max_active_jobs = $3, priority = $4, updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, g.ID, g.Name, g.MaxActiveJobs, g.Priority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetManifestGroupEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE manifest_groups SET is_enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Manifest Operations ---

const manifestCols = `id, external_id, name, properties_json, properties_type_name, schedule_type,
	cron_expression, interval_seconds, max_retries, timeout_seconds, retry_backoff_multiplier,
	default_retry_delay_seconds, max_retry_delay_seconds, manifest_group_id, depends_on_manifest_id,
	is_enabled, disabled_note, priority, last_successful_run_at, last_enqueued_at, created_at, updated_at`

func scanManifest(r rowScanner) (*Manifest, error) {
	var m Manifest
	err := r.Scan(
		&m.ID, &m.ExternalID, &m.Name, &m.PropertiesJSON, &m.PropertiesTypeName, &m.ScheduleType,
		&m.CronExpression, &m.IntervalSeconds, &m.MaxRetries, &m.TimeoutSeconds, &m.RetryBackoffMultiplier,
		&m.DefaultRetryDelaySecs, &m.MaxRetryDelaySecs, &m.ManifestGroupID, &m.DependsOnManifestID,
		&m.IsEnabled, &m.DisabledNote, &m.Priority, &m.LastSuccessfulRunAt, &m.LastEnqueuedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateManifest(ctx context.Context, m *Manifest) error {
	if m.ExternalID == "" {
		m.ExternalID = NewExternalID()
	}
	query := `
		INSERT INTO manifests (external_id, name, properties_json, properties_type_name, schedule_type,
			cron_expression, interval_seconds, max_retries, timeout_seconds, retry_backoff_multiplier,
			default_retry_delay_seconds, max_retry_delay_seconds, manifest_group_id, depends_on_manifest_id,
			is_enabled, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		m.ExternalID, m.Name, m.PropertiesJSON, m.PropertiesTypeName, m.ScheduleType,
		m.CronExpression, m.IntervalSeconds, m.MaxRetries, m.TimeoutSeconds, m.RetryBackoffMultiplier,
		m.DefaultRetryDelaySecs, m.MaxRetryDelaySecs, m.ManifestGroupID, m.DependsOnManifestID,
		m.IsEnabled, m.Priority,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if isPgErr(err, pgUniqueViolation) {
		return fmt.Errorf("manifest %q: %w", m.ExternalID, ErrDuplicateExternalID)
	}
	return err
}

func (s *PostgresStore) GetManifest(ctx context.Context, id int64) (*Manifest, error) {
	query := `SELECT ` + manifestCols + ` FROM manifests WHERE id = $1`
	m, err := scanManifest(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) GetManifestByExternalID(ctx context.Context, externalID string) (*Manifest, error) {
	query := `SELECT ` + manifestCols + ` FROM manifests WHERE external_id = $1`
	m, err := scanManifest(s.db.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) ListManifests(ctx context.Context, f ManifestFilter) ([]*Manifest, error) {
	qb := psql.Select(manifestCols).From("manifests").OrderBy("id ASC")
	if f.GroupID != nil {
		qb = qb.Where(sq.Eq{"manifest_group_id": *f.GroupID})
	}
	if f.Enabled != nil {
		qb = qb.Where(sq.Eq{"is_enabled": *f.Enabled})
	}
	if f.ScheduleType != nil {
		qb = qb.Where(sq.Eq{"schedule_type": f.ScheduleType.String()})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateManifest(ctx context.Context, m *Manifest) error {
	query := `
		UPDATE manifests
		SET name = $2, properties_json = $3, properties_type_name = $4, schedule_type = $5,
			cron_expression = $6, interval_seconds = $7, max_retries = $8, timeout_seconds = $9,
			retry_backoff_multiplier = $10, default_retry_delay_seconds = $11, max_retry_delay_seconds = $12,
			manifest_group_id = $13, depends_on_manifest_id = $14, priority = $15, updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		m.ID, m.Name, m.PropertiesJSON, m.PropertiesTypeName, m.ScheduleType,
		m.CronExpression, m.IntervalSeconds, m.MaxRetries, m.TimeoutSeconds,
		m.RetryBackoffMultiplier, m.DefaultRetryDelaySecs, m.MaxRetryDelaySecs,
		m.ManifestGroupID, m.DependsOnManifestID, m.Priority,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetManifestEnabled(ctx context.Context, id int64, enabled bool, note string) error {
	query := `
		UPDATE manifests
		SET is_enabled = $2,
			disabled_note = CASE WHEN $2 THEN NULL ELSE NULLIF($3, '') END,
			updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, id, enabled, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkManifestEnqueued(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE manifests SET last_enqueued_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkManifestSucceeded(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE manifests SET last_successful_run_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDueManifestCandidates(ctx context.Context, now time.Time, limit int) ([]*ManifestCandidate, error) {
	// Due-ness of the schedule itself is evaluated by the caller; this
	// query applies every filter expressible against the store: enabled,
	// group enabled, no live run, no awaiting dead letter, no queued work.
	query := `
		SELECT ` + prefixCols("m", manifestCols) + `,
			COALESCE(g.name, ''), COALESCE(g.priority, 0), g.max_active_jobs, COALESCE(g.is_enabled, TRUE)
		FROM manifests m
		LEFT JOIN manifest_groups g ON g.id = m.manifest_group_id
		WHERE m.is_enabled
			AND m.schedule_type IN ('Cron', 'Interval')
			AND COALESCE(g.is_enabled, TRUE)
			AND NOT EXISTS (
				SELECT 1 FROM metadata md
				WHERE md.manifest_id = m.id AND md.workflow_state IN ('Pending', 'InProgress')
			)
			AND NOT EXISTS (
				SELECT 1 FROM dead_letters dl
				WHERE dl.manifest_id = m.id AND dl.status = 'AwaitingIntervention'
			)
			AND NOT EXISTS (
				SELECT 1 FROM work_queue wq
				WHERE wq.manifest_id = m.id AND wq.status = 'Queued'
			)
		ORDER BY COALESCE(g.priority, 0) DESC, m.priority DESC, m.last_enqueued_at ASC NULLS FIRST, m.id ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ManifestCandidate
	for rows.Next() {
		var c ManifestCandidate
		m := &c.Manifest
		err := rows.Scan(
			&m.ID, &m.ExternalID, &m.Name, &m.PropertiesJSON, &m.PropertiesTypeName, &m.ScheduleType,
			&m.CronExpression, &m.IntervalSeconds, &m.MaxRetries, &m.TimeoutSeconds, &m.RetryBackoffMultiplier,
			&m.DefaultRetryDelaySecs, &m.MaxRetryDelaySecs, &m.ManifestGroupID, &m.DependsOnManifestID,
			&m.IsEnabled, &m.DisabledNote, &m.Priority, &m.LastSuccessfulRunAt, &m.LastEnqueuedAt,
			&m.CreatedAt, &m.UpdatedAt,
			&c.GroupName, &c.GroupPriority, &c.GroupMaxJobs, &c.GroupEnabled,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Metadata Operations ---

const metadataCols = `id, external_id, manifest_id, parent_id, name, executor, workflow_state,
	scheduled_time, start_time, end_time, failure_step, failure_exception, failure_reason,
	stack_trace, input_json, output_json`

func scanMetadata(r rowScanner) (*Metadata, error) {
	var m Metadata
	err := r.Scan(
		&m.ID, &m.ExternalID, &m.ManifestID, &m.ParentID, &m.Name, &m.Executor, &m.WorkflowState,
		&m.ScheduledTime, &m.StartTime, &m.EndTime, &m.FailureStep, &m.FailureException,
		&m.FailureReason, &m.StackTrace, &m.InputJSON, &m.OutputJSON,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) AppendMetadata(ctx context.Context, m *Metadata) error {
	if err := validateAppend(m); err != nil {
		return err
	}
	if m.ExternalID == "" {
		m.ExternalID = NewExternalID()
	}
	query := `
		INSERT INTO metadata (external_id, manifest_id, parent_id, name, executor, workflow_state,
			scheduled_time, start_time, end_time, failure_step, failure_exception, failure_reason,
			stack_trace, input_json, output_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		m.ExternalID, m.ManifestID, m.ParentID, m.Name, m.Executor, m.WorkflowState,
		m.ScheduledTime, m.StartTime, m.EndTime, m.FailureStep, m.FailureException,
		m.FailureReason, m.StackTrace, m.InputJSON, m.OutputJSON,
	).Scan(&m.ID)
	switch {
	case isPgErr(err, pgUniqueViolation):
		return fmt.Errorf("metadata %q: %w", m.ExternalID, ErrDuplicateExternalID)
	case isPgErr(err, pgForeignKeyViolation) && m.ParentID != nil:
		return fmt.Errorf("metadata %q parent %d: %w", m.ExternalID, *m.ParentID, ErrParentNotFound)
	}
	return err
}

func (s *PostgresStore) GetMetadata(ctx context.Context, id int64) (*Metadata, error) {
	query := `SELECT ` + metadataCols + ` FROM metadata WHERE id = $1`
	m, err := scanMetadata(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) GetMetadataByExternalID(ctx context.Context, externalID string) (*Metadata, error) {
	query := `SELECT ` + metadataCols + ` FROM metadata WHERE external_id = $1`
	m, err := scanMetadata(s.db.QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) ListMetadata(ctx context.Context, f MetadataFilter) ([]*Metadata, error) {
	qb := psql.Select(metadataCols).From("metadata").OrderBy("start_time DESC", "id DESC")
	if f.ManifestID != nil {
		qb = qb.Where(sq.Eq{"manifest_id": *f.ManifestID})
	}
	if len(f.States) > 0 {
		names := make([]string, len(f.States))
		for i, st := range f.States {
			names[i] = st.String()
		}
		qb = qb.Where(sq.Eq{"workflow_state": names})
	}
	if f.Since != nil {
		qb = qb.Where(sq.GtOrEq{"start_time": *f.Since})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionMetadata(ctx context.Context, id int64, from, to WorkflowState, patch MetadataPatch) error {
	if err := validateTransition(id, from, to, patch); err != nil {
		return err
	}
	query := `
		UPDATE metadata
		SET workflow_state = $3,
			end_time = COALESCE($4, end_time),
			failure_step = COALESCE($5, failure_step),
			failure_exception = COALESCE($6, failure_exception),
			failure_reason = COALESCE($7, failure_reason),
			stack_trace = COALESCE($8, stack_trace),
			output_json = COALESCE($9, output_json)
		WHERE id = $1 AND workflow_state = $2
	`
	tag, err := s.db.Exec(ctx, query, id, from, to,
		patch.EndTime, patch.FailureStep, patch.FailureException, patch.FailureReason,
		patch.StackTrace, patch.OutputJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var actual string
	err = s.db.QueryRow(ctx, `SELECT workflow_state FROM metadata WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StateConflictError{Entity: "metadata", ID: id, Expected: from.String(), Actual: actual}
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context, groupID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM metadata md
		JOIN manifests m ON m.id = md.manifest_id
		WHERE m.manifest_group_id = $1 AND md.workflow_state IN ('Pending', 'InProgress')
	`
	var n int
	err := s.db.QueryRow(ctx, query, groupID).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountActiveJobsByGroup(ctx context.Context) (map[int64]int, error) {
	query := `
		SELECT m.manifest_group_id, COUNT(*)
		FROM metadata md
		JOIN manifests m ON m.id = md.manifest_id
		WHERE md.workflow_state IN ('Pending', 'InProgress') AND m.manifest_group_id IS NOT NULL
		GROUP BY m.manifest_group_id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var groupID int64
		var n int
		if err := rows.Scan(&groupID, &n); err != nil {
			return nil, err
		}
		out[groupID] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountMetadataByState(ctx context.Context) (map[WorkflowState]int, error) {
	rows, err := s.db.Query(ctx, `SELECT workflow_state, COUNT(*) FROM metadata GROUP BY workflow_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[WorkflowState]int)
	for rows.Next() {
		var state WorkflowState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountRecentFailures(ctx context.Context, manifestID int64, since *time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM metadata
		WHERE manifest_id = $1 AND workflow_state = 'Failed'
			AND ($2::timestamptz IS NULL OR start_time > $2)
	`
	var n int
	err := s.db.QueryRow(ctx, query, manifestID, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) HasActiveMetadata(ctx context.Context, manifestID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM metadata
			WHERE manifest_id = $1 AND workflow_state IN ('Pending', 'InProgress')
		)
	`
	var ok bool
	err := s.db.QueryRow(ctx, query, manifestID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) HasCompletedRunSince(ctx context.Context, manifestID int64, since *time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM metadata
			WHERE manifest_id = $1 AND workflow_state = 'Completed'
				AND ($2::timestamptz IS NULL OR end_time >= $2)
		)
	`
	var ok bool
	err := s.db.QueryRow(ctx, query, manifestID, since).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) ListTimedOutMetadata(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]*Metadata, error) {
	query := `
		SELECT ` + prefixCols("md", metadataCols) + `
		FROM metadata md
		LEFT JOIN manifests m ON m.id = md.manifest_id
		WHERE md.workflow_state IN ('Pending', 'InProgress')
			AND md.start_time + make_interval(secs => GREATEST(COALESCE(m.timeout_seconds, 0), $2)) <= $1
		ORDER BY md.start_time ASC
	`
	rows, err := s.db.Query(ctx, query, now, defaultTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batch int) (int64, error) {
	query := `
		WITH victims AS (
			SELECT md.id
			FROM metadata md
			WHERE md.workflow_state IN ('Completed', 'Failed', 'Cancelled')
				AND md.end_time IS NOT NULL AND md.end_time < $1
				AND NOT EXISTS (
					SELECT 1 FROM dead_letters dl
					WHERE dl.manifest_id = md.manifest_id AND dl.status = 'AwaitingIntervention'
				)
				AND NOT EXISTS (
					SELECT 1 FROM metadata child
					WHERE child.parent_id = md.id
						AND child.workflow_state NOT IN ('Completed', 'Failed', 'Cancelled')
				)
			ORDER BY md.end_time ASC
			LIMIT $2
		)
		DELETE FROM metadata WHERE id IN (SELECT id FROM victims)
	`
	tag, err := s.db.Exec(ctx, query, olderThan, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Work Queue Operations ---

const workQueueCols = `id, workflow_name, input_json, input_type_name, manifest_id, metadata_id,
	priority, status, created_at, available_at, dispatched_at`

func scanWorkQueueEntry(r rowScanner) (*WorkQueueEntry, error) {
	var w WorkQueueEntry
	err := r.Scan(
		&w.ID, &w.WorkflowName, &w.InputJSON, &w.InputTypeName, &w.ManifestID, &w.MetadataID,
		&w.Priority, &w.Status, &w.CreatedAt, &w.AvailableAt, &w.DispatchedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) EnqueueWork(ctx context.Context, w *WorkQueueEntry) error {
	w.Status = WorkQueued
	if w.AvailableAt.IsZero() {
		w.AvailableAt = w.CreatedAt
	}
	query := `
		INSERT INTO work_queue (workflow_name, input_json, input_type_name, manifest_id, priority,
			status, created_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return s.db.QueryRow(ctx, query,
		w.WorkflowName, w.InputJSON, w.InputTypeName, w.ManifestID, w.Priority,
		w.Status, w.CreatedAt, w.AvailableAt,
	).Scan(&w.ID)
}

func (s *PostgresStore) GetWorkQueueEntry(ctx context.Context, id int64) (*WorkQueueEntry, error) {
	query := `SELECT ` + workQueueCols + ` FROM work_queue WHERE id = $1`
	w, err := scanWorkQueueEntry(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) ListWorkQueue(ctx context.Context, f WorkQueueFilter) ([]*WorkQueueEntry, error) {
	qb := psql.Select(workQueueCols).From("work_queue").
		OrderBy("priority DESC", "created_at ASC", "id ASC")
	if f.Status != nil {
		qb = qb.Where(sq.Eq{"status": f.Status.String()})
	}
	if f.ManifestID != nil {
		qb = qb.Where(sq.Eq{"manifest_id": *f.ManifestID})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkQueueEntry
	for rows.Next() {
		w, err := scanWorkQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountQueuedWork(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM work_queue WHERE status = 'Queued'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) HasQueuedWork(ctx context.Context, manifestID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM work_queue WHERE manifest_id = $1 AND status = 'Queued')`
	var ok bool
	err := s.db.QueryRow(ctx, query, manifestID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]*ClaimedWork, error) {
	// SKIP LOCKED keeps concurrent claimants from observing the same
	// Queued row; each row is won by exactly one caller.
	query := `
		WITH claimed AS (
			SELECT id FROM work_queue
			WHERE status = 'Queued' AND available_at <= $2
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		),
		flipped AS (
			UPDATE work_queue wq
			SET status = 'Dispatched', dispatched_at = $2
			FROM claimed
			WHERE wq.id = claimed.id
			RETURNING wq.id, wq.workflow_name, wq.input_json, wq.input_type_name, wq.manifest_id,
				wq.metadata_id, wq.priority, wq.status, wq.created_at, wq.available_at, wq.dispatched_at
		)
		SELECT f.id, f.workflow_name, f.input_json, f.input_type_name, f.manifest_id, f.metadata_id,
			f.priority, f.status, f.created_at, f.available_at, f.dispatched_at,
			m.manifest_group_id, g.max_active_jobs, COALESCE(g.is_enabled, TRUE),
			COALESCE(m.name, f.workflow_name), COALESCE(g.name, '')
		FROM flipped f
		LEFT JOIN manifests m ON m.id = f.manifest_id
		LEFT JOIN manifest_groups g ON g.id = m.manifest_group_id
		ORDER BY f.priority DESC, f.created_at ASC, f.id ASC
	`
	rows, err := s.db.Query(ctx, query, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClaimedWork
	for rows.Next() {
		var c ClaimedWork
		w := &c.Entry
		err := rows.Scan(
			&w.ID, &w.WorkflowName, &w.InputJSON, &w.InputTypeName, &w.ManifestID, &w.MetadataID,
			&w.Priority, &w.Status, &w.CreatedAt, &w.AvailableAt, &w.DispatchedAt,
			&c.GroupID, &c.GroupMaxJobs, &c.GroupEnabled, &c.ManifestName, &c.GroupName,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReleaseWorkQueueEntry(ctx context.Context, id int64, priorityBump int) error {
	query := `
		UPDATE work_queue
		SET status = 'Queued', priority = priority + $2, dispatched_at = NULL
		WHERE id = $1 AND status = 'Dispatched'
	`
	tag, err := s.db.Exec(ctx, query, id, priorityBump)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.workQueueConflict(ctx, id, WorkDispatched)
	}
	return nil
}

func (s *PostgresStore) CancelWorkQueueEntry(ctx context.Context, id int64) error {
	query := `UPDATE work_queue SET status = 'Cancelled' WHERE id = $1 AND status = 'Queued'`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.workQueueConflict(ctx, id, WorkQueued)
	}
	return nil
}

func (s *PostgresStore) SetWorkQueueMetadata(ctx context.Context, id int64, metadataID int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE work_queue SET metadata_id = $2 WHERE id = $1`, id, metadataID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecoverStaleDispatches(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE work_queue
		SET status = 'Queued', priority = priority + 1, dispatched_at = NULL
		WHERE status = 'Dispatched' AND metadata_id IS NULL
			AND dispatched_at IS NOT NULL AND dispatched_at < $1
	`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) workQueueConflict(ctx context.Context, id int64, expected WorkQueueStatus) error {
	var actual string
	err := s.db.QueryRow(ctx, `SELECT status FROM work_queue WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StateConflictError{Entity: "work_queue", ID: id, Expected: expected.String(), Actual: actual}
}

// --- Dead Letter Operations ---

const deadLetterCols = `id, manifest_id, reason, retry_count_at_dead_letter, status,
	dead_lettered_at, resolved_at, resolution_note, retry_metadata_id`

func scanDeadLetter(r rowScanner) (*DeadLetter, error) {
	var d DeadLetter
	err := r.Scan(
		&d.ID, &d.ManifestID, &d.Reason, &d.RetryCountAtDeadLetter, &d.Status,
		&d.DeadLetteredAt, &d.ResolvedAt, &d.ResolutionNote, &d.RetryMetadataID,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) UpsertDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int, at time.Time) (*DeadLetter, bool, error) {
	query := `
		INSERT INTO dead_letters (manifest_id, reason, retry_count_at_dead_letter, status, dead_lettered_at)
		VALUES ($1, $2, $3, 'AwaitingIntervention', $4)
		ON CONFLICT (manifest_id) WHERE status = 'AwaitingIntervention' DO NOTHING
		RETURNING ` + deadLetterCols + `
	`
	d, err := scanDeadLetter(s.db.QueryRow(ctx, query, manifestID, reason, retryCount, at))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	// Existing awaiting row won the conflict; return it.
	existing := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE manifest_id = $1 AND status = 'AwaitingIntervention'`
	d, err = scanDeadLetter(s.db.QueryRow(ctx, existing, manifestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	return d, false, err
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	query := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE id = $1`
	d, err := scanDeadLetter(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error) {
	qb := psql.Select(deadLetterCols).From("dead_letters").OrderBy("dead_lettered_at DESC", "id DESC")
	if f.Status != nil {
		qb = qb.Where(sq.Eq{"status": f.Status.String()})
	}
	if f.ManifestID != nil {
		qb = qb.Where(sq.Eq{"manifest_id": *f.ManifestID})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasAwaitingDeadLetter(ctx context.Context, manifestID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM dead_letters WHERE manifest_id = $1 AND status = 'AwaitingIntervention')`
	var ok bool
	err := s.db.QueryRow(ctx, query, manifestID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) ListDeadLetterCandidates(ctx context.Context, limit int) ([]*DeadLetterCandidate, error) {
	query := `
		SELECT ` + prefixCols("m", manifestCols) + `, f.attempts
		FROM manifests m
		JOIN LATERAL (
			SELECT COUNT(*) AS attempts
			FROM metadata md
			WHERE md.manifest_id = m.id AND md.workflow_state = 'Failed'
				AND (m.last_successful_run_at IS NULL OR md.start_time > m.last_successful_run_at)
		) f ON TRUE
		WHERE f.attempts > 0 AND f.attempts >= m.max_retries
			AND NOT EXISTS (
				SELECT 1 FROM dead_letters dl
				WHERE dl.manifest_id = m.id AND dl.status = 'AwaitingIntervention'
			)
		ORDER BY m.id ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetterCandidate
	for rows.Next() {
		var c DeadLetterCandidate
		m := &c.Manifest
		err := rows.Scan(
			&m.ID, &m.ExternalID, &m.Name, &m.PropertiesJSON, &m.PropertiesTypeName, &m.ScheduleType,
			&m.CronExpression, &m.IntervalSeconds, &m.MaxRetries, &m.TimeoutSeconds, &m.RetryBackoffMultiplier,
			&m.DefaultRetryDelaySecs, &m.MaxRetryDelaySecs, &m.ManifestGroupID, &m.DependsOnManifestID,
			&m.IsEnabled, &m.DisabledNote, &m.Priority, &m.LastSuccessfulRunAt, &m.LastEnqueuedAt,
			&m.CreatedAt, &m.UpdatedAt,
			&c.Attempts,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id int64, status DeadLetterStatus, note string, at time.Time) error {
	if status != DeadLetterRetried && status != DeadLetterAcknowledged {
		return fmt.Errorf("store: dead letter %d cannot be resolved to %s", id, status)
	}
	query := `
		UPDATE dead_letters
		SET status = $2, resolution_note = NULLIF($3, ''), resolved_at = $4
		WHERE id = $1 AND status = 'AwaitingIntervention'
	`
	tag, err := s.db.Exec(ctx, query, id, status, note, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var actual string
	err = s.db.QueryRow(ctx, `SELECT status FROM dead_letters WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StateConflictError{Entity: "dead_letter", ID: id, Expected: DeadLetterAwaitingIntervention.String(), Actual: actual}
}

func (s *PostgresStore) AttachRetryMetadata(ctx context.Context, deadLetterID int64, metadataID int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE dead_letters SET retry_metadata_id = $2 WHERE id = $1`, deadLetterID, metadataID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountDeadLettersByStatus(ctx context.Context) (map[DeadLetterStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[DeadLetterStatus]int)
	for rows.Next() {
		var status DeadLetterStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM dead_letters
		WHERE status IN ('Retried', 'Acknowledged')
			AND resolved_at IS NOT NULL AND resolved_at < $1
	`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Background Job Operations ---

const backgroundJobCols = `id, metadata_id, task_handle, server, state, enqueued_at, completed_at`

func scanBackgroundJob(r rowScanner) (*BackgroundJob, error) {
	var j BackgroundJob
	err := r.Scan(&j.ID, &j.MetadataID, &j.TaskHandle, &j.Server, &j.State, &j.EnqueuedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) RecordBackgroundJob(ctx context.Context, j *BackgroundJob) error {
	query := `
		INSERT INTO background_jobs (metadata_id, task_handle, server, state, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return s.db.QueryRow(ctx, query, j.MetadataID, j.TaskHandle, j.Server, j.State, j.EnqueuedAt).Scan(&j.ID)
}

func (s *PostgresStore) CompleteBackgroundJob(ctx context.Context, taskHandle string, at time.Time) error {
	query := `
		UPDATE background_jobs
		SET state = 'completed', completed_at = $2
		WHERE task_handle = $1 AND state = 'enqueued'
	`
	_, err := s.db.Exec(ctx, query, taskHandle, at)
	return err
}

func (s *PostgresStore) GetBackgroundJobByMetadata(ctx context.Context, metadataID int64) (*BackgroundJob, error) {
	query := `SELECT ` + backgroundJobCols + ` FROM background_jobs WHERE metadata_id = $1 ORDER BY id DESC LIMIT 1`
	j, err := scanBackgroundJob(s.db.QueryRow(ctx, query, metadataID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PostgresStore) ListBackgroundJobs(ctx context.Context, limit int) ([]*BackgroundJob, error) {
	query := `SELECT ` + backgroundJobCols + ` FROM background_jobs ORDER BY id DESC LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BackgroundJob
	for rows.Next() {
		j, err := scanBackgroundJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Lease Operations ---

func (s *PostgresStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	query := `
		INSERT INTO leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at < $4 OR leases.holder = EXCLUDED.holder
	`
	tag, err := s.db.Exec(ctx, query, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	query := `UPDATE leases SET expires_at = $3 WHERE name = $1 AND holder = $2`
	tag, err := s.db.Exec(ctx, query, name, holder, now.Add(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	return err
}

// prefixCols qualifies a comma-separated column list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
