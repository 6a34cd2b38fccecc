package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/baechuer/xraypipe/internal/domain"
)

// EngineRepository implements domain.EngineRepository. Grounded on
// join-service/internal/infrastructure/postgres/repository.go's
// lock-then-mutate shape, generalized to the single-statement
// optimistic upsert the spec calls out in its design notes.
type EngineRepository struct {
	q querier
}

func NewEngineRepository(q querier) *EngineRepository { return &EngineRepository{q: q} }

func (r *EngineRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Engine, error) {
	return r.get(ctx, id, false)
}

func (r *EngineRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Engine, error) {
	return r.get(ctx, id, true)
}

func (r *EngineRepository) get(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Engine, error) {
	q := `SELECT id, uuid, status, created, addr, version_ts, version_seq FROM engines WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var (
		e      domain.Engine
		status string
		ts     uint64
		seq    uint32
	)
	err := r.q.QueryRow(ctx, q, id).Scan(&e.ID, &e.UUID, &status, &e.Created, &e.Addr, &ts, &seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Status = domain.EngineStatus(status)
	e.Version = domain.Version{TS: ts, Seq: seq}
	return &e, nil
}

// Save is an idempotent upsert: insert if absent, update only if the
// stored version is strictly less than e.Version. The WHERE clause
// on the DO UPDATE branch keeps the whole operation a single
// statement, so concurrent saves for the same id serialize at the row
// level without an explicit application lock (spec.md §4.4, DESIGN
// NOTES "per-aggregate optimistic control").
func (r *EngineRepository) Save(ctx context.Context, e *domain.Engine) (bool, error) {
	const q = `
		INSERT INTO engines (id, uuid, status, created, addr, version_ts, version_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			uuid = EXCLUDED.uuid,
			status = EXCLUDED.status,
			version_ts = EXCLUDED.version_ts,
			version_seq = EXCLUDED.version_seq
		WHERE (engines.version_ts, engines.version_seq) < (EXCLUDED.version_ts, EXCLUDED.version_seq)
		RETURNING id`

	var returnedID uuid.UUID
	err := r.q.QueryRow(ctx, q,
		e.ID, e.UUID, string(e.Status), e.Created, e.Addr, e.Version.TS, e.Version.Seq,
	).Scan(&returnedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *EngineRepository) RemoveDead(ctx context.Context) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM engines WHERE status = $1`, string(domain.EngineDead))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
