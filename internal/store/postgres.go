package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/db"
	"github.com/sells-group/card-appraiser/internal/model"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgres opens a pool and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return NewPostgresFromPool(pool), nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, postgresMigrations, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Cards ---

func (s *PostgresStore) CreateCard(ctx context.Context, caller string, card *model.Card) error {
	if err := validateNewCard(caller, card); err != nil {
		return err
	}
	now := storeTime(s.now())
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.CreatedAt = storeTime(card.CreatedAt)
	card.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cards (card_id, owner_id, entity, name, set_name, number, rarity, condition_estimate,
		   front_image, back_image, identification_confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (card_id) DO NOTHING`,
		card.CardID, card.OwnerID, model.EntityCard, card.Name, card.Set, card.Number, card.Rarity,
		card.ConditionEstimate, card.Images.Front, card.Images.Back, card.IdentificationConfidence,
		card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert card %s", card.CardID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "card %s", card.CardID)
	}
	return nil
}

func (s *PostgresStore) GetCard(ctx context.Context, caller, ownerID, cardID string) (*model.Card, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE owner_id = $1 AND card_id = $2 AND deleted_at IS NULL`,
		ownerID, cardID,
	)
	c, err := scanPgCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgMissing(ctx, s.pool, ownerID, cardID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get card %s", cardID)
	}
	return c, nil
}

func (s *PostgresStore) ListCards(ctx context.Context, caller, ownerID, cursorToken string, limit int) (*model.CardPage, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	query := `SELECT ` + cardColumns + ` FROM cards WHERE owner_id = $1 AND deleted_at IS NULL`
	args := []any{ownerID}
	if cur != nil {
		query += ` AND (created_at, card_id) < ($2, $3)`
		args = append(args, cur.CreatedAt, cur.CardID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, card_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cards")
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		c, err := scanPgCard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan card")
		}
		cards = append(cards, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list cards iterate")
	}
	return pageOf(cards, limit), nil
}

func (s *PostgresStore) UpdateCard(ctx context.Context, caller, ownerID, cardID string, patch model.CardPatch) (*model.Card, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	cols, err := patchColumns(patch)
	if err != nil {
		return nil, err
	}
	cols = append(cols, column{"updated_at", storeTime(s.now())})

	args := append(columnValues(cols), ownerID, cardID)
	n := len(cols)
	query := fmt.Sprintf(
		`UPDATE cards SET %s WHERE owner_id = $%d AND card_id = $%d AND deleted_at IS NULL RETURNING `+cardColumns,
		db.SetClause(columnNames(cols), 1, db.Dollar), n+1, n+2,
	)

	var c *model.Card
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		c, err = scanPgCard(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return pgMissing(ctx, tx, ownerID, cardID)
		}
		return eris.Wrapf(err, "postgres: update card %s", cardID)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) DeleteCard(ctx context.Context, caller, ownerID, cardID string, mode model.DeleteMode) error {
	if err := authorize(caller, ownerID); err != nil {
		return err
	}

	if mode == model.DeleteHard {
		return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `DELETE FROM cards WHERE owner_id = $1 AND card_id = $2`, ownerID, cardID)
			if err != nil {
				return eris.Wrapf(err, "postgres: hard delete card %s", cardID)
			}
			if tag.RowsAffected() == 0 {
				return pgMissing(ctx, tx, ownerID, cardID)
			}
			_, err = tx.Exec(ctx, `DELETE FROM pricing_snapshots WHERE owner_id = $1 AND card_id = $2`, ownerID, cardID)
			return eris.Wrap(err, "postgres: delete card snapshots")
		})
	}

	now := storeTime(s.now())
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE cards SET deleted_at = $1, updated_at = $1
			 WHERE owner_id = $2 AND card_id = $3 AND deleted_at IS NULL`,
			now, ownerID, cardID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: soft delete card %s", cardID)
		}
		if tag.RowsAffected() == 0 {
			return pgMissing(ctx, tx, ownerID, cardID)
		}
		return nil
	})
}

func (s *PostgresStore) ApplyResults(ctx context.Context, ownerID, cardID, requestID string, patch model.CardPatch) (bool, error) {
	cols, err := patchColumns(patch)
	if err != nil {
		return false, err
	}
	now := storeTime(s.now())
	cols = append(cols,
		column{"last_request_id", requestID},
		column{"updated_at", now},
	)
	args := append(columnValues(cols), ownerID, cardID)
	n := len(cols)
	update := fmt.Sprintf(
		`UPDATE cards SET %s
		 WHERE owner_id = $%d AND card_id = $%d AND deleted_at IS NULL`,
		db.SetClause(columnNames(cols), 1, db.Dollar), n+1, n+2,
	)

	applied := false
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO applied_requests (owner_id, card_id, request_id, applied_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (owner_id, card_id, request_id) DO NOTHING`,
			ownerID, cardID, requestID, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: record request %s", requestID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx, update, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: apply results %s", cardID)
		}
		if tag.RowsAffected() == 0 {
			return pgMissing(ctx, tx, ownerID, cardID)
		}
		applied = true
		return nil
	})
	return applied, err
}

type pgRowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgMissing resolves the card's recorded owner after an owner-scoped
// statement matched nothing.
func pgMissing(ctx context.Context, q pgRowQueryer, ownerID, cardID string) error {
	var owner string
	err := q.QueryRow(ctx, `SELECT owner_id FROM cards WHERE card_id = $1`, cardID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(ownerID, cardID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve owner of %s", cardID)
	}
	return missing(ownerID, cardID, owner)
}

func scanPgCard(row pgx.Row) (*model.Card, error) {
	var c model.Card
	var authenticity, valuation []byte
	err := row.Scan(&c.CardID, &c.OwnerID, &c.Name, &c.Set, &c.Number, &c.Rarity, &c.ConditionEstimate,
		&c.Images.Front, &c.Images.Back, &c.IdentificationConfidence, &authenticity, &valuation,
		&c.ValuationSummary, &c.LastRequestID, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeCardJSON(&c, authenticity, valuation); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Pricing snapshots ---

func (s *PostgresStore) GetSnapshot(ctx context.Context, ownerID, cardID string) (*model.PricingSnapshot, error) {
	snap := model.PricingSnapshot{OwnerID: ownerID, CardID: cardID}
	var result []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result, created_at, expires_at FROM pricing_snapshots
		 WHERE owner_id = $1 AND card_id = $2 AND expires_at > $3`,
		ownerID, cardID, s.now().UTC(),
	).Scan(&result, &snap.CreatedAt, &snap.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshot")
	}
	if err := json.Unmarshal(result, &snap.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	return &snap, nil
}

func (s *PostgresStore) PutSnapshot(ctx context.Context, snap model.PricingSnapshot) error {
	result, err := json.Marshal(snap.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pricing_snapshots (owner_id, card_id, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, card_id) DO UPDATE SET result = $3, created_at = $4, expires_at = $5`,
		snap.OwnerID, snap.CardID, string(result), storeTime(snap.CreatedAt), storeTime(snap.ExpiresAt),
	)
	return eris.Wrap(err, "postgres: put snapshot")
}

func (s *PostgresStore) DeleteExpiredSnapshots(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pricing_snapshots WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired snapshots")
	}
	return int(tag.RowsAffected()), nil
}

// --- Dead letters ---

func (s *PostgresStore) EnqueueDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dead letter")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, user_id, card_id, request_id, error_type, error_cause, record, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.CardID, rec.RequestID, rec.Error.Type, rec.Error.Cause,
		string(data), storeTime(rec.Timestamp),
	)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterRecord, error) {
	query := `SELECT record FROM dead_letters WHERE true`
	args := []any{}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	if filter.CardID != "" {
		args = append(args, filter.CardID)
		query += fmt.Sprintf(` AND card_id = $%d`, len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		var rec model.DeadLetterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dead letter")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}
