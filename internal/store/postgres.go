package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"geospatial-work-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence of jobs, work items, batches,
// and user work counts. All multi-row mutations run inside one transaction so
// two pollers can never claim the same item.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, username, status, num_input_granules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, job.ID, job.Username, job.Status, job.NumInputGranules, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, status, num_input_granules, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.Username, &job.Status, &job.NumInputGranules, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// AddWorkItems persists planned work items as READY and bumps the owning
// user's ready counts in the same transaction.
func (s *Store) AddWorkItems(ctx context.Context, username string, items []models.WorkItem) ([]models.WorkItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	perService := map[string]int{}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
		items[i].Status = models.StatusReady
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
		if len(items[i].Operation) == 0 {
			items[i].Operation = json.RawMessage(`{}`)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO work_items (id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
		`, items[i].ID, items[i].JobID, items[i].ServiceID, models.StatusReady,
			emptyToNil(items[i].ScrollID), []byte(items[i].Operation), items[i].StacCatalogLocation, now)
		if err != nil {
			return nil, fmt.Errorf("insert work item: %w", err)
		}
		perService[items[i].ServiceID]++
	}

	jobID := items[0].JobID
	for serviceID, n := range perService {
		_, err = tx.Exec(ctx, `
			INSERT INTO user_work (username, job_id, service_id, ready_count, running_count, last_worked)
			VALUES ($1, $2, $3, $4, 0, $5)
			ON CONFLICT (job_id, service_id)
			DO UPDATE SET ready_count = user_work.ready_count + $4
		`, username, jobID, serviceID, n, now)
		if err != nil {
			return nil, fmt.Errorf("bump ready count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return items, nil
}

// GetWorkItem fetches one work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items WHERE id = $1
	`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("work item %s not found: %w", id, err)
	}
	return item, err
}

// ListWorkItems returns all work items for a job, creation order.
func (s *Store) ListWorkItems(ctx context.Context, jobID string) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextReadyUser picks the username with outstanding ready work for a service,
// favoring users with the fewest items already running so no user starves.
func (s *Store) NextReadyUser(ctx context.Context, serviceID string) (string, bool, error) {
	var username string
	err := s.pool.QueryRow(ctx, `
		SELECT username FROM user_work
		WHERE service_id = $1 AND ready_count > 0
		GROUP BY username
		ORDER BY SUM(running_count) ASC, MIN(last_worked) ASC
		LIMIT 1
	`, serviceID).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("next ready user: %w", err)
	}
	return username, true, nil
}

// NextReadyJob picks the user's least recently serviced job with ready work.
func (s *Store) NextReadyJob(ctx context.Context, serviceID, username string) (string, bool, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM user_work
		WHERE service_id = $1 AND username = $2 AND ready_count > 0
		ORDER BY last_worked ASC
		LIMIT 1
	`, serviceID, username).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("next ready job: %w", err)
	}
	return jobID, true, nil
}

// JobsWithReadyWork lists up to limit job ids with ready items for a service,
// least recently serviced first.
func (s *Store) JobsWithReadyWork(ctx context.Context, serviceID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id FROM user_work
		WHERE service_id = $1 AND ready_count > 0
		ORDER BY last_worked ASC
		LIMIT $2
	`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs with ready work: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, rows.Err()
}

// NextReadyItems claims up to limit READY items for a job/service,
// transitioning them to RUNNING and moving counts in one transaction.
// SKIP LOCKED keeps concurrent claimers from blocking on each other; a row
// already claimed in a committed transaction is seen as RUNNING and skipped.
func (s *Store) NextReadyItems(ctx context.Context, serviceID, jobID string, limit int) ([]models.WorkItem, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items
		WHERE service_id = $1 AND job_id = $2 AND status = $3
		ORDER BY created_at, id
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, serviceID, jobID, models.StatusReady, limit)
	if err != nil {
		return nil, fmt.Errorf("select ready items: %w", err)
	}
	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
		items[i].Status = models.StatusRunning
		items[i].UpdatedAt = now
	}
	_, err = tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = $3 WHERE id = ANY($1)
	`, ids, models.StatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("mark items running: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE user_work
		SET ready_count = GREATEST(ready_count - $3, 0),
		    running_count = running_count + $3,
		    last_worked = $4
		WHERE job_id = $1 AND service_id = $2
	`, jobID, serviceID, len(items), now)
	if err != nil {
		return nil, fmt.Errorf("move counts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

// RecomputeCounts rebuilds a job's ready/running counts from the work item
// rows, the authoritative source. Called whenever a claim comes back empty
// despite positive counts.
func (s *Store) RecomputeCounts(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_work uw
		SET ready_count = (
		        SELECT COUNT(*) FROM work_items wi
		        WHERE wi.job_id = uw.job_id AND wi.service_id = uw.service_id AND wi.status = $2
		    ),
		    running_count = (
		        SELECT COUNT(*) FROM work_items wi
		        WHERE wi.job_id = uw.job_id AND wi.service_id = uw.service_id AND wi.status = $3
		    )
		WHERE uw.job_id = $1
	`, jobID, models.StatusReady, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("recompute counts: %w", err)
	}
	return nil
}

// CheckIn re-reads a dequeued item's status. A CANCELED item reports
// canceled=true and is left alone; anything else is confirmed RUNNING.
func (s *Store) CheckIn(ctx context.Context, id string) (models.WorkItem, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items WHERE id = $1
		FOR UPDATE
	`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return models.WorkItem{}, false, err
	}
	if item.Status == models.StatusCanceled {
		return item, true, tx.Commit(ctx)
	}
	if item.Status != models.StatusRunning {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE work_items SET status = $2, updated_at = $3 WHERE id = $1
		`, id, models.StatusRunning, now); err != nil {
			return models.WorkItem{}, false, fmt.Errorf("mark running: %w", err)
		}
		item.Status = models.StatusRunning
		item.UpdatedAt = now
	}
	return item, false, tx.Commit(ctx)
}

// CompleteWorkItem records a terminal status for an item and releases its
// running count. Already-terminal items are left untouched.
func (s *Store) CompleteWorkItem(ctx context.Context, id, status, scrollID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items WHERE id = $1
		FOR UPDATE
	`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return err
	}
	if models.Terminal(item.Status) {
		return tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, scroll_id = COALESCE(NULLIF($3, ''), scroll_id), updated_at = $4
		WHERE id = $1
	`, id, status, scrollID, now); err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if item.Status == models.StatusRunning {
		if _, err := tx.Exec(ctx, `
			UPDATE user_work SET running_count = GREATEST(running_count - 1, 0)
			WHERE job_id = $1 AND service_id = $2
		`, item.JobID, item.ServiceID); err != nil {
			return fmt.Errorf("release running count: %w", err)
		}
	} else if item.Status == models.StatusReady {
		if _, err := tx.Exec(ctx, `
			UPDATE user_work SET ready_count = GREATEST(ready_count - 1, 0)
			WHERE job_id = $1 AND service_id = $2
		`, item.JobID, item.ServiceID); err != nil {
			return fmt.Errorf("release ready count: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RetryWorkItem returns a RUNNING item to READY with an incremented retry
// count, provided retries remain. Reports whether a retry was recorded.
func (s *Store) RetryWorkItem(ctx context.Context, id string, maxRetries int) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, job_id, service_id, status, retry_count, scroll_id, operation, stac_catalog_location, created_at, updated_at
		FROM work_items WHERE id = $1
		FOR UPDATE
	`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return false, err
	}
	if item.Status != models.StatusRunning || item.RetryCount >= maxRetries {
		return false, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, retry_count = retry_count + 1, updated_at = $3
		WHERE id = $1
	`, id, models.StatusReady, now); err != nil {
		return false, fmt.Errorf("requeue work item: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE user_work
		SET running_count = GREATEST(running_count - 1, 0), ready_count = ready_count + 1
		WHERE job_id = $1 AND service_id = $2
	`, item.JobID, item.ServiceID); err != nil {
		return false, fmt.Errorf("move counts for retry: %w", err)
	}
	return true, tx.Commit(ctx)
}

// CancelJob cancels a job and every non-terminal item it owns, zeroing the
// job's counts in the same transaction.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1
	`, jobID, models.JobCanceled, now); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = $3
		WHERE job_id = $1 AND status NOT IN ($4, $5, $2)
	`, jobID, models.StatusCanceled, now, models.StatusSuccessful, models.StatusFailed); err != nil {
		return fmt.Errorf("cancel work items: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE user_work SET ready_count = 0, running_count = 0 WHERE job_id = $1
	`, jobID); err != nil {
		return fmt.Errorf("zero counts: %w", err)
	}
	return tx.Commit(ctx)
}

// HighestBatch returns the current max batch id for a (job, service) pair,
// zero when none exist yet.
func (s *Store) HighestBatch(ctx context.Context, jobID, serviceID string) (int, error) {
	var highest int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(batch_id), 0) FROM batches WHERE job_id = $1 AND service_id = $2
	`, jobID, serviceID).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("highest batch: %w", err)
	}
	return highest, nil
}

// NextBatch allocates and persists the next batch number for the pair. The
// read-increment-insert runs in one transaction so numbers stay dense and
// strictly increasing.
func (s *Store) NextBatch(ctx context.Context, jobID, serviceID string) (models.Batch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Batch{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Aggregates cannot take row locks; lock the current tail row instead.
	var highest int
	err = tx.QueryRow(ctx, `
		SELECT batch_id FROM batches WHERE job_id = $1 AND service_id = $2
		ORDER BY batch_id DESC LIMIT 1
		FOR UPDATE
	`, jobID, serviceID).Scan(&highest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, fmt.Errorf("read highest batch: %w", err)
	}
	batch := models.Batch{JobID: jobID, ServiceID: serviceID, BatchID: highest + 1}
	if _, err := tx.Exec(ctx, `
		INSERT INTO batches (job_id, service_id, batch_id) VALUES ($1, $2, $3)
	`, batch.JobID, batch.ServiceID, batch.BatchID); err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Batch{}, fmt.Errorf("commit batch: %w", err)
	}
	return batch, nil
}

// UserWorkCounts returns the counts rows for a job, used by the status API.
func (s *Store) UserWorkCounts(ctx context.Context, jobID string) ([]models.UserWork, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, job_id, service_id, ready_count, running_count, last_worked
		FROM user_work WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query user work: %w", err)
	}
	defer rows.Close()

	var out []models.UserWork
	for rows.Next() {
		var uw models.UserWork
		if err := rows.Scan(&uw.Username, &uw.JobID, &uw.ServiceID, &uw.ReadyCount, &uw.RunningCount, &uw.LastWorked); err != nil {
			return nil, fmt.Errorf("scan user work: %w", err)
		}
		out = append(out, uw)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (models.WorkItem, error) {
	var item models.WorkItem
	var scroll pgtype.Text
	var operation []byte
	if err := row.Scan(&item.ID, &item.JobID, &item.ServiceID, &item.Status, &item.RetryCount,
		&scroll, &operation, &item.StacCatalogLocation, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	if scroll.Valid {
		item.ScrollID = scroll.String
	}
	item.Operation = json.RawMessage(operation)
	return item, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
