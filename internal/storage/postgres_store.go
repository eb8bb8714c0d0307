package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-grouping/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file-name order. Every statement
// is idempotent, so running it on an up-to-date schema is a no-op.
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, requester_id, dedupe_key, pickup_lat, pickup_lon, drop_lat, drop_lon, earliest, latest, rider_mode_only, female_only, trust_score, status, group_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RequesterID, nullString(r.DedupeKey), r.Pickup.Lat, r.Pickup.Lon, r.Drop.Lat, r.Drop.Lon,
		r.Window.Earliest, r.Window.Latest, r.RiderModeOnly, r.FemaleOnly, r.TrustScore,
		string(r.Status), nullString(r.GroupID), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r models.RideRequest) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status=$1, group_id=$2, updated_at=$3 WHERE id=$4`,
		string(r.Status), nullString(r.GroupID), r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update request %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveGroup(ctx context.Context, g models.Group, cs []models.Confirmation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO ride_groups(id, members, formation_score, status, reason, created_at, confirmation_deadline, closed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, reason=EXCLUDED.reason, closed_at=EXCLUDED.closed_at`,
		g.ID, pq.Array(g.Members), g.FormationScore, string(g.Status), nullString(g.Reason),
		g.CreatedAt, g.ConfirmationDeadline, nullTime(g.ClosedAt))
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	for _, c := range cs {
		_, err = tx.ExecContext(ctx, `INSERT INTO group_confirmations(group_id, request_id, decision, decided_at)
			VALUES($1,$2,$3,$4)
			ON CONFLICT (group_id, request_id) DO UPDATE SET decision=EXCLUDED.decision, decided_at=EXCLUDED.decided_at`,
			c.GroupID, c.RequestID, string(c.Decision), nullTime(c.DecidedAt))
		if err != nil {
			return fmt.Errorf("upsert confirmation %s/%s: %w", c.GroupID, c.RequestID, err)
		}
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
