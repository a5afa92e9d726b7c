package lots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lotbot/pkg/fault"
)

const schema = `
CREATE TABLE IF NOT EXISTS lots (
	id         BIGSERIAL PRIMARY KEY,
	number     TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lot_images (
	id           BIGSERIAL PRIMARY KEY,
	lot_id       BIGINT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	taken_on     DATE NOT NULL,
	filename     TEXT NOT NULL,
	storage_key  TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	uploaded_by  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS lot_images_lot_date_idx ON lot_images (lot_id, taken_on);
CREATE UNIQUE INDEX IF NOT EXISTS lot_images_lot_date_seq_key ON lot_images (lot_id, taken_on, seq);

CREATE TABLE IF NOT EXISTS lot_sequences (
	lot_id   BIGINT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
	taken_on DATE NOT NULL,
	last_seq INTEGER NOT NULL,
	PRIMARY KEY (lot_id, taken_on)
);
`

const imageColumns = `i.id, i.lot_id, l.number, i.taken_on, i.filename, i.storage_key, i.seq, i.size_bytes, i.content_hash, i.uploaded_by, i.created_at`

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores lots and images in Postgres.
type PostgresRepository struct {
	db DB
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the schema when missing.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply lot schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ResolveOrCreateLot(ctx context.Context, number string) (Lot, error) {
	var lot Lot
	err := r.db.QueryRow(ctx, `
INSERT INTO lots (number) VALUES ($1)
ON CONFLICT (number) DO UPDATE SET number = EXCLUDED.number
RETURNING id, number, created_at`, number).Scan(&lot.ID, &lot.Number, &lot.CreatedAt)
	if err != nil {
		return Lot{}, fault.Wrap(fault.Downstream, "resolve lot", err)
	}
	return lot, nil
}

func (r *PostgresRepository) FindLot(ctx context.Context, number string) (Lot, error) {
	var lot Lot
	err := r.db.QueryRow(ctx, `SELECT id, number, created_at FROM lots WHERE number = $1`, number).
		Scan(&lot.ID, &lot.Number, &lot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, fault.NotFoundf("lot %s not found", number)
	}
	if err != nil {
		return Lot{}, fault.Wrap(fault.Downstream, "find lot", err)
	}
	return lot, nil
}

func (r *PostgresRepository) AddImage(ctx context.Context, img Image) (Image, error) {
	img.Date = DateOnly(img.Date)
	err := r.db.QueryRow(ctx, `
INSERT INTO lot_images (lot_id, taken_on, filename, storage_key, seq, size_bytes, content_hash, uploaded_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`,
		img.LotID, img.Date, img.Filename, img.StorageKey, img.Seq, img.SizeBytes, img.ContentHash, img.UploadedBy,
	).Scan(&img.ID, &img.CreatedAt)
	if err != nil {
		return Image{}, fault.Wrap(fault.Downstream, "record image", err)
	}
	return img, nil
}

func (r *PostgresRepository) UpdateImage(ctx context.Context, img Image) error {
	tag, err := r.db.Exec(ctx, `
UPDATE lot_images SET lot_id = $2, taken_on = $3, filename = $4, storage_key = $5, seq = $6
WHERE id = $1`, img.ID, img.LotID, DateOnly(img.Date), img.Filename, img.StorageKey, img.Seq)
	if err != nil {
		return fault.Wrap(fault.Downstream, "update image", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("image %d not found", img.ID)
	}
	return nil
}

func (r *PostgresRepository) GetImage(ctx context.Context, id int64) (Image, error) {
	row := r.db.QueryRow(ctx, `SELECT `+imageColumns+` FROM lot_images i JOIN lots l ON l.id = i.lot_id WHERE i.id = $1`, id)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Image{}, fault.NotFoundf("image %d not found", id)
	}
	if err != nil {
		return Image{}, fault.Wrap(fault.Downstream, "get image", err)
	}
	return img, nil
}

func (r *PostgresRepository) DeleteImage(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM lot_images WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.Downstream, "delete image", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFoundf("image %d not found", id)
	}
	return nil
}

// ReserveSeq bumps the per-day counter row. The upsert holds the row lock,
// so concurrent flushes for the same lot and date get disjoint ranges.
func (r *PostgresRepository) ReserveSeq(ctx context.Context, lotID int64, date time.Time, n int) (int, error) {
	if n <= 0 {
		return 0, fault.Validationf("reserve at least one sequence number")
	}

	var last int
	err := r.db.QueryRow(ctx, `
INSERT INTO lot_sequences (lot_id, taken_on, last_seq)
VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) FROM lot_images WHERE lot_id = $1 AND taken_on = $2) + $3)
ON CONFLICT (lot_id, taken_on) DO UPDATE SET last_seq = GREATEST(
	lot_sequences.last_seq,
	(SELECT COALESCE(MAX(seq), 0) FROM lot_images WHERE lot_id = $1 AND taken_on = $2)
) + $3
RETURNING last_seq`, lotID, DateOnly(date), n).Scan(&last)
	if err != nil {
		return 0, fault.Wrap(fault.Downstream, "reserve sequence", err)
	}
	return last - n + 1, nil
}

func (r *PostgresRepository) ListDates(ctx context.Context, lotID int64) ([]time.Time, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT taken_on FROM lot_images WHERE lot_id = $1 ORDER BY taken_on DESC`, lotID)
	if err != nil {
		return nil, fault.Wrap(fault.Downstream, "list dates", err)
	}

	dates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (time.Time, error) {
		var date time.Time
		err := row.Scan(&date)
		return DateOnly(date), err
	})
	if err != nil {
		return nil, fault.Wrap(fault.Downstream, "scan dates", err)
	}
	return dates, nil
}

func (r *PostgresRepository) ListImages(ctx context.Context, lotID int64, date time.Time) ([]Image, error) {
	rows, err := r.db.Query(ctx, `SELECT `+imageColumns+` FROM lot_images i JOIN lots l ON l.id = i.lot_id
WHERE i.lot_id = $1 AND i.taken_on = $2 ORDER BY i.seq, i.id`, lotID, DateOnly(date))
	if err != nil {
		return nil, fault.Wrap(fault.Downstream, "list images", err)
	}

	images, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Image, error) {
		return scanImage(row)
	})
	if err != nil {
		return nil, fault.Wrap(fault.Downstream, "scan images", err)
	}
	return images, nil
}

func scanImage(row pgx.Row) (Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.LotID, &img.LotNumber, &img.Date, &img.Filename, &img.StorageKey,
		&img.Seq, &img.SizeBytes, &img.ContentHash, &img.UploadedBy, &img.CreatedAt)
	img.Date = DateOnly(img.Date)
	return img, err
}
