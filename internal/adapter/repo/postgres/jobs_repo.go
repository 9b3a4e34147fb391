package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, status, job_type, url, original_filename, source_override, initial_tags,
	safety, skip_tagging, owner, target_post_id, replace_original_tags, szuru_post_id,
	related_post_ids, was_merge, error_message, retry_count, tags_applied, tags_from_source,
	tags_from_ai, created_at, updated_at`

func jsonText(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var initialTags, relatedIDs, tagsApplied, tagsFromSource, tagsFromAI []byte
	err := row.Scan(
		&j.ID, &j.Status, &j.JobType, &j.URL, &j.OriginalFilename, &j.SourceOverride, &initialTags,
		&j.Safety, &j.SkipTagging, &j.Owner, &j.TargetPostID, &j.ReplaceOriginalTags, &j.SzuruPostID,
		&relatedIDs, &j.WasMerge, &j.ErrorMessage, &j.RetryCount, &tagsApplied, &tagsFromSource,
		&tagsFromAI, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	_ = json.Unmarshal(initialTags, &j.InitialTags)
	_ = json.Unmarshal(relatedIDs, &j.RelatedPostIDs)
	_ = json.Unmarshal(tagsApplied, &j.TagsApplied)
	_ = json.Unmarshal(tagsFromSource, &j.TagsFromSource)
	_ = json.Unmarshal(tagsFromAI, &j.TagsFromAI)
	return j, nil
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.Safety == "" {
		j.Safety = domain.SafetyUnsafe
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (` + jobColumns + `) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`
	_, err := r.Pool.Exec(ctx, q,
		id, j.Status, j.JobType, j.URL, j.OriginalFilename, j.SourceOverride, jsonText(j.InitialTags),
		j.Safety, j.SkipTagging, j.Owner, j.TargetPostID, j.ReplaceOriginalTags, j.SzuruPostID,
		jsonText(j.RelatedPostIDs), j.WasMerge, j.ErrorMessage, j.RetryCount, jsonText(j.TagsApplied),
		jsonText(j.TagsFromSource), jsonText(j.TagsFromAI), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ClaimNext atomically claims the oldest pending job for a worker. The
// select with FOR UPDATE SKIP LOCKED and the transition to downloading are
// a single transaction, so no two workers ever receive the same job.
func (r *JobRepo) ClaimNext(ctx domain.Context, workerID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim worker=%s: %w", workerID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status=$1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`, domain.JobPending)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim worker=%s: %w", workerID, err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1`, j.ID, domain.JobDownloading, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim worker=%s: %w", workerID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim worker=%s: %w", workerID, err)
	}
	j.Status = domain.JobDownloading
	j.UpdatedAt = now
	return j, nil
}

// Update applies the non-nil fields of mut with a monotonic updated_at.
// With ExpectStatus set the write is conditional on the stored status;
// zero affected rows then reads as losing the race (ErrConflict), since
// the id was resolved by the caller moments before.
func (r *JobRepo) Update(ctx domain.Context, id string, mut domain.JobMutation) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	q, args := buildJobUpdate(id, mut)
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if len(mut.ExpectStatus) > 0 {
			return fmt.Errorf("op=job.update: status moved under us: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	return nil
}

func buildJobUpdate(id string, mut domain.JobMutation) (string, []any) {
	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if mut.Status != nil {
		add("status", *mut.Status)
	}
	if mut.SourceOverride != nil {
		add("source_override", *mut.SourceOverride)
	}
	if mut.ErrorMessage != nil {
		add("error_message", *mut.ErrorMessage)
	}
	if mut.RetryCount != nil {
		add("retry_count", *mut.RetryCount)
	}
	if mut.SzuruPostID != nil {
		add("szuru_post_id", *mut.SzuruPostID)
	}
	if mut.RelatedPostIDs != nil {
		add("related_post_ids", jsonText(*mut.RelatedPostIDs))
	}
	if mut.WasMerge != nil {
		add("was_merge", *mut.WasMerge)
	}
	if mut.TagsApplied != nil {
		add("tags_applied", jsonText(*mut.TagsApplied))
	}
	if mut.TagsFromSource != nil {
		add("tags_from_source", jsonText(*mut.TagsFromSource))
	}
	if mut.TagsFromAI != nil {
		add("tags_from_ai", jsonText(*mut.TagsFromAI))
	}
	where := []string{"id=$1"}
	if len(mut.ExpectStatus) > 0 {
		ph := make([]string, len(mut.ExpectStatus))
		for i, s := range mut.ExpectStatus {
			args = append(args, s)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND ")
	return q, args
}

// ObserveStatus is the point-in-time status read used for cooperative
// cancellation checks between pipeline stages.
func (r *JobRepo) ObserveStatus(ctx domain.Context, id string) (domain.JobStatus, error) {
	var s domain.JobStatus
	row := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id)
	if err := row.Scan(&s); err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("op=job.observe_status: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=job.observe_status: %w", err)
	}
	return s, nil
}

// List returns a filtered page of jobs plus the total match count.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where, args := buildJobFilter(f)
	var total int
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return out, total, nil
}

func buildJobFilter(f domain.JobFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Owner != "" {
		args = append(args, f.Owner)
		conds = append(conds, fmt.Sprintf("owner=$%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.JobType != nil {
		args = append(args, *f.JobType)
		conds = append(conds, fmt.Sprintf("job_type=$%d", len(args)))
	}
	if f.WasMerge != nil {
		args = append(args, *f.WasMerge)
		conds = append(conds, fmt.Sprintf("was_merge=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Delete removes a job row.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// PendingTagTargets lists remote post ids that already have a live
// tag_existing job for the owner.
func (r *JobRepo) PendingTagTargets(ctx domain.Context, owner string) (map[int]bool, error) {
	rows, err := r.Pool.Query(ctx, `SELECT target_post_id FROM jobs
		WHERE owner=$1 AND job_type=$2 AND target_post_id IS NOT NULL
		AND status NOT IN ($3,$4,$5)`,
		owner, domain.JobTypeTagExisting, domain.JobCompleted, domain.JobMerged, domain.JobFailed)
	if err != nil {
		return nil, fmt.Errorf("op=job.pending_tag_targets: %w", err)
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.pending_tag_targets: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.pending_tag_targets: %w", err)
	}
	return out, nil
}
