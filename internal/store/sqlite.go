package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/card-appraiser/internal/db"
	"github.com/sells-group/card-appraiser/internal/model"
)

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cards (
	card_id                   TEXT PRIMARY KEY,
	owner_id                  TEXT NOT NULL,
	entity                    TEXT NOT NULL DEFAULT 'CARD',
	name                      TEXT NOT NULL DEFAULT '',
	set_name                  TEXT NOT NULL DEFAULT '',
	number                    TEXT NOT NULL DEFAULT '',
	rarity                    TEXT NOT NULL DEFAULT '',
	condition_estimate        TEXT NOT NULL DEFAULT '',
	front_image               TEXT NOT NULL,
	back_image                TEXT NOT NULL DEFAULT '',
	identification_confidence REAL NOT NULL DEFAULT 0,
	authenticity              TEXT,
	valuation                 TEXT,
	valuation_summary         TEXT NOT NULL DEFAULT '',
	last_request_id           TEXT NOT NULL DEFAULT '',
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL,
	deleted_at                TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cards_owner_entity ON cards(owner_id, entity, card_id);
CREATE INDEX IF NOT EXISTS idx_cards_owner_created ON cards(owner_id, created_at DESC, card_id DESC);

CREATE TABLE IF NOT EXISTS applied_requests (
	owner_id   TEXT NOT NULL,
	card_id    TEXT NOT NULL,
	request_id TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	PRIMARY KEY (owner_id, card_id, request_id)
);

CREATE TABLE IF NOT EXISTS pricing_snapshots (
	owner_id   TEXT NOT NULL,
	card_id    TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (owner_id, card_id)
);

CREATE INDEX IF NOT EXISTS idx_pricing_snapshots_expires_at ON pricing_snapshots(expires_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	card_id     TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	error_cause TEXT NOT NULL DEFAULT '',
	record      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Cards ---

func (s *SQLiteStore) CreateCard(ctx context.Context, caller string, card *model.Card) error {
	if err := validateNewCard(caller, card); err != nil {
		return err
	}
	now := storeTime(s.now())
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.CreatedAt = storeTime(card.CreatedAt)
	card.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (card_id, owner_id, entity, name, set_name, number, rarity, condition_estimate,
		   front_image, back_image, identification_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (card_id) DO NOTHING`,
		card.CardID, card.OwnerID, model.EntityCard, card.Name, card.Set, card.Number, card.Rarity,
		card.ConditionEstimate, card.Images.Front, card.Images.Back, card.IdentificationConfidence,
		formatTime(card.CreatedAt), formatTime(card.UpdatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert card %s", card.CardID)
	}
	if err := checkRowsAffected(res, "card", card.CardID); err != nil {
		return eris.Wrapf(ErrConflict, "card %s", card.CardID)
	}
	return nil
}

func (s *SQLiteStore) GetCard(ctx context.Context, caller, ownerID, cardID string) (*model.Card, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NULL`,
		ownerID, cardID,
	)
	c, err := scanSQLiteCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sqliteMissing(ctx, s.db, ownerID, cardID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get card %s", cardID)
	}
	return c, nil
}

func (s *SQLiteStore) ListCards(ctx context.Context, caller, ownerID, cursorToken string, limit int) (*model.CardPage, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	query := `SELECT ` + cardColumns + ` FROM cards WHERE owner_id = ? AND deleted_at IS NULL`
	args := []any{ownerID}
	if cur != nil {
		ts := formatTime(cur.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND card_id < ?))`
		args = append(args, ts, ts, cur.CardID)
	}
	query += ` ORDER BY created_at DESC, card_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cards")
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		c, err := scanSQLiteCard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan card")
		}
		cards = append(cards, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list cards iterate")
	}
	return pageOf(cards, limit), nil
}

func (s *SQLiteStore) UpdateCard(ctx context.Context, caller, ownerID, cardID string, patch model.CardPatch) (*model.Card, error) {
	if err := authorize(caller, ownerID); err != nil {
		return nil, err
	}
	cols, err := patchColumns(patch)
	if err != nil {
		return nil, err
	}
	cols = append(cols, column{"updated_at", formatTime(storeTime(s.now()))})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	args := append(columnValues(cols), ownerID, cardID)
	res, err := tx.ExecContext(ctx,
		`UPDATE cards SET `+db.SetClause(columnNames(cols), 1, db.Question)+`
		 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NULL`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update card %s", cardID)
	}
	if err := checkRowsAffected(res, "card", cardID); err != nil {
		return nil, sqliteMissing(ctx, tx, ownerID, cardID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit update")
	}
	return s.GetCard(ctx, caller, ownerID, cardID)
}

func (s *SQLiteStore) DeleteCard(ctx context.Context, caller, ownerID, cardID string, mode model.DeleteMode) error {
	if err := authorize(caller, ownerID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if mode == model.DeleteHard {
		res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE owner_id = ? AND card_id = ?`, ownerID, cardID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: hard delete card %s", cardID)
		}
		if err := checkRowsAffected(res, "card", cardID); err != nil {
			return sqliteMissing(ctx, tx, ownerID, cardID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pricing_snapshots WHERE owner_id = ? AND card_id = ?`, ownerID, cardID); err != nil {
			return eris.Wrap(err, "sqlite: delete card snapshots")
		}
		return eris.Wrap(tx.Commit(), "sqlite: commit hard delete")
	}

	now := formatTime(storeTime(s.now()))
	res, err := tx.ExecContext(ctx,
		`UPDATE cards SET deleted_at = ?, updated_at = ?
		 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NULL`,
		now, now, ownerID, cardID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete card %s", cardID)
	}
	if err := checkRowsAffected(res, "card", cardID); err != nil {
		return sqliteMissing(ctx, tx, ownerID, cardID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit soft delete")
}

func (s *SQLiteStore) ApplyResults(ctx context.Context, ownerID, cardID, requestID string, patch model.CardPatch) (bool, error) {
	cols, err := patchColumns(patch)
	if err != nil {
		return false, err
	}
	now := formatTime(storeTime(s.now()))
	cols = append(cols,
		column{"last_request_id", requestID},
		column{"updated_at", now},
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_requests (owner_id, card_id, request_id, applied_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner_id, card_id, request_id) DO NOTHING`,
		ownerID, cardID, requestID, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: record request %s", requestID)
	}
	if checkRowsAffected(res, "request", requestID) != nil {
		return false, nil
	}

	args := append(columnValues(cols), ownerID, cardID)
	res, err = tx.ExecContext(ctx,
		`UPDATE cards SET `+db.SetClause(columnNames(cols), 1, db.Question)+`
		 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NULL`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: apply results %s", cardID)
	}
	if err := checkRowsAffected(res, "card", cardID); err != nil {
		return false, sqliteMissing(ctx, tx, ownerID, cardID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit apply results")
	}
	return true, nil
}

// --- Pricing snapshots ---

func (s *SQLiteStore) GetSnapshot(ctx context.Context, ownerID, cardID string) (*model.PricingSnapshot, error) {
	var result, createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at, expires_at FROM pricing_snapshots
		 WHERE owner_id = ? AND card_id = ? AND expires_at > ?`,
		ownerID, cardID, formatTime(s.now()),
	).Scan(&result, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshot")
	}

	snap := model.PricingSnapshot{OwnerID: ownerID, CardID: cardID}
	if err := json.Unmarshal([]byte(result), &snap.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if snap.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap model.PricingSnapshot) error {
	result, err := json.Marshal(snap.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pricing_snapshots (owner_id, card_id, result, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, card_id) DO UPDATE SET
		   result = excluded.result, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		snap.OwnerID, snap.CardID, string(result), formatTime(snap.CreatedAt), formatTime(snap.ExpiresAt),
	)
	return eris.Wrap(err, "sqlite: put snapshot")
}

func (s *SQLiteStore) DeleteExpiredSnapshots(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pricing_snapshots WHERE expires_at <= ?`, formatTime(s.now()),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired snapshots")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Dead letters ---

func (s *SQLiteStore) EnqueueDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dead letter")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, user_id, card_id, request_id, error_type, error_cause, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.CardID, rec.RequestID, rec.Error.Type, rec.Error.Cause,
		string(data), formatTime(rec.Timestamp),
	)
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterRecord, error) {
	var where []string
	var args []any
	if filter.ErrorType != "" {
		where = append(where, "error_type = ?")
		args = append(args, filter.ErrorType)
	}
	if filter.CardID != "" {
		where = append(where, "card_id = ?")
		args = append(args, filter.CardID)
	}
	query := `SELECT record FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		var rec model.DeadLetterRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dead letter")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// helpers

type sqliteRowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteMissing resolves the card's recorded owner after an owner-scoped
// statement matched nothing.
func sqliteMissing(ctx context.Context, q sqliteRowQueryer, ownerID, cardID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT owner_id FROM cards WHERE card_id = ?`, cardID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(ownerID, cardID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve owner of %s", cardID)
	}
	return missing(ownerID, cardID, owner)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteCard(row scannable) (*model.Card, error) {
	var c model.Card
	var authenticity, valuation, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&c.CardID, &c.OwnerID, &c.Name, &c.Set, &c.Number, &c.Rarity, &c.ConditionEstimate,
		&c.Images.Front, &c.Images.Back, &c.IdentificationConfidence, &authenticity, &valuation,
		&c.ValuationSummary, &c.LastRequestID, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, err
		}
		c.DeletedAt = &t
	}
	if err := decodeCardJSON(&c, []byte(authenticity.String), []byte(valuation.String)); err != nil {
		return nil, err
	}
	return &c, nil
}
