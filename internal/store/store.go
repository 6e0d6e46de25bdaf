// Package store persists cards, pricing snapshots and dead-letter records.
// Every card accessor takes the caller identity first and refuses to touch
// storage unless the caller is the addressed owner.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/model"
)

// Sentinel errors. Backends wrap them with eris so errors.Is keeps working.
var (
	ErrForbidden = errors.New("store: caller does not own card")
	ErrNotFound  = errors.New("store: card not found")
	ErrConflict  = errors.New("store: card already exists")
	ErrCursor    = errors.New("store: invalid cursor")
)

// Listing bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Cards is the owner-scoped card accessor set.
type Cards interface {
	CreateCard(ctx context.Context, caller string, card *model.Card) error
	GetCard(ctx context.Context, caller, ownerID, cardID string) (*model.Card, error)
	ListCards(ctx context.Context, caller, ownerID, cursor string, limit int) (*model.CardPage, error)
	UpdateCard(ctx context.Context, caller, ownerID, cardID string, patch model.CardPatch) (*model.Card, error)
	DeleteCard(ctx context.Context, caller, ownerID, cardID string, mode model.DeleteMode) error

	// ApplyResults writes workflow output keyed on requestID. It reports
	// false without error when requestID was ever applied to the card.
	ApplyResults(ctx context.Context, ownerID, cardID, requestID string, patch model.CardPatch) (bool, error)
}

// Snapshots is the pricing snapshot cache contract.
type Snapshots interface {
	// GetSnapshot returns the non-expired snapshot or nil.
	GetSnapshot(ctx context.Context, ownerID, cardID string) (*model.PricingSnapshot, error)
	PutSnapshot(ctx context.Context, snap model.PricingSnapshot) error
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	ErrorType string
	CardID    string
	Limit     int
}

// Store defines the persistence interface for the appraisal service.
type Store interface {
	Cards
	Snapshots
	DeleteExpiredSnapshots(ctx context.Context) (int, error)

	// Dead letters
	EnqueueDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterRecord, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// authorize fails with ErrForbidden unless caller addresses their own cards.
func authorize(caller, ownerID string) error {
	if caller == "" || caller != ownerID {
		return eris.Wrapf(ErrForbidden, "caller %q, owner %q", caller, ownerID)
	}
	return nil
}

func notFound(ownerID, cardID string) error {
	return eris.Wrapf(ErrNotFound, "card %s/%s", ownerID, cardID)
}

// missing explains an owner-scoped statement that matched no row. owner is
// the card's recorded owner, empty when no row carries cardID.
func missing(ownerID, cardID, owner string) error {
	if owner != "" && owner != ownerID {
		return eris.Wrapf(ErrForbidden, "card %s is not owned by %q", cardID, ownerID)
	}
	return notFound(ownerID, cardID)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// storeTime truncates to the precision every backend round-trips.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type cursor struct {
	CreatedAt time.Time `json:"c"`
	CardID    string    `json:"i"`
}

func encodeCursor(c model.Card) string {
	data, _ := json.Marshal(cursor{CreatedAt: c.CreatedAt.UTC(), CardID: c.CardID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, eris.Wrap(ErrCursor, err.Error())
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil || c.CardID == "" {
		return nil, eris.Wrap(ErrCursor, "malformed payload")
	}
	return &c, nil
}

// pageOf trims the limit+1 lookahead row and computes the next cursor.
func pageOf(cards []model.Card, limit int) *model.CardPage {
	page := &model.CardPage{Cards: cards}
	if page.Cards == nil {
		page.Cards = []model.Card{}
	}
	if len(cards) > limit {
		page.Cards = cards[:limit]
		page.NextCursor = encodeCursor(page.Cards[limit-1])
	}
	return page
}

// column is one column assignment produced from a patch.
type column struct {
	name  string
	value any
}

// patchColumns maps the supplied patch fields to column assignments. JSON
// columns are returned as strings so both backends accept them.
func patchColumns(p model.CardPatch) ([]column, error) {
	var cols []column
	add := func(name string, v any) { cols = append(cols, column{name, v}) }

	if p.Name != nil {
		add("name", strings.TrimSpace(*p.Name))
	}
	if p.Set != nil {
		add("set_name", strings.TrimSpace(*p.Set))
	}
	if p.Number != nil {
		add("number", strings.TrimSpace(*p.Number))
	}
	if p.Rarity != nil {
		add("rarity", strings.TrimSpace(*p.Rarity))
	}
	if p.ConditionEstimate != nil {
		add("condition_estimate", *p.ConditionEstimate)
	}
	if p.BackImage != nil {
		add("back_image", *p.BackImage)
	}
	if p.IdentificationConfidence != nil {
		add("identification_confidence", model.Clamp01(*p.IdentificationConfidence))
	}
	if p.Authenticity != nil {
		data, err := json.Marshal(p.Authenticity)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal authenticity")
		}
		add("authenticity", string(data))
	}
	if p.Valuation != nil {
		data, err := json.Marshal(p.Valuation)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal valuation")
		}
		add("valuation", string(data))
	}
	if p.ValuationSummary != nil {
		add("valuation_summary", *p.ValuationSummary)
	}
	return cols, nil
}

func columnNames(cols []column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names
}

func columnValues(cols []column) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = c.value
	}
	return vals
}

// cardColumns is the select list shared by both backends.
const cardColumns = `card_id, owner_id, name, set_name, number, rarity, condition_estimate,
	front_image, back_image, identification_confidence, authenticity, valuation,
	valuation_summary, last_request_id, created_at, updated_at, deleted_at`

// decodeCardJSON fills the JSON-backed card fields.
func decodeCardJSON(c *model.Card, authenticity, valuation []byte) error {
	if len(authenticity) > 0 {
		var ar model.AuthenticityResult
		if err := json.Unmarshal(authenticity, &ar); err != nil {
			return eris.Wrap(err, "store: unmarshal authenticity")
		}
		model.CardPatch{Authenticity: &ar}.Apply(c)
	}
	if len(valuation) > 0 {
		var v model.Valuation
		if err := json.Unmarshal(valuation, &v); err != nil {
			return eris.Wrap(err, "store: unmarshal valuation")
		}
		c.Valuation = &v
	}
	return nil
}

func validateNewCard(caller string, card *model.Card) error {
	if card == nil {
		return model.NewValidationError("card", "is required")
	}
	if err := authorize(caller, card.OwnerID); err != nil {
		return err
	}
	if card.CardID == "" {
		return model.NewValidationError("card_id", "is required")
	}
	if card.Images.Front == "" {
		return model.NewValidationError("images.front", "is required")
	}
	return nil
}

var (
	_ Store     = (*PostgresStore)(nil)
	_ Store     = (*SQLiteStore)(nil)
	_ Snapshots = (*RedisSnapshotCache)(nil)
)
