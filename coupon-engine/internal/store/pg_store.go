package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shopfront/Main/coupon-engine/internal/models"
)

const pqUniqueViolation = "23505"

// PGStore persists coupons, issuances and the outbox log in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func (s *PGStore) CreateCoupon(ctx context.Context, in CouponInput) (models.Coupon, error) {
	if in.Status == "" {
		in.Status = models.CouponActive
	}
	query := `
		INSERT INTO coupons (name, total_quantity, issued_quantity, starts_at, ends_at, status)
		VALUES ($1,$2,0,$3,$4,$5)
		RETURNING id, created_at, updated_at
	`
	c := models.Coupon{
		Name:          in.Name,
		TotalQuantity: in.TotalQuantity,
		StartsAt:      in.StartsAt,
		EndsAt:        in.EndsAt,
		Status:        in.Status,
	}
	if err := s.db.QueryRowContext(ctx, query, in.Name, in.TotalQuantity, in.StartsAt, in.EndsAt, string(in.Status)).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Coupon{}, fmt.Errorf("insert coupon: %w", err)
	}
	return c, nil
}

const couponColumns = `id, name, total_quantity, issued_quantity, starts_at, ends_at, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(row rowScanner) (models.Coupon, error) {
	var (
		c      models.Coupon
		status string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.TotalQuantity, &c.IssuedQuantity, &c.StartsAt, &c.EndsAt, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Coupon{}, err
	}
	c.Status = models.CouponStatus(status)
	return c, nil
}

func (s *PGStore) GetCoupon(ctx context.Context, id int64) (models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id=$1`
	c, err := scanCoupon(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Coupon{}, ErrNotFound
		}
		return models.Coupon{}, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

func (s *PGStore) ExpireCoupons(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE coupons
		SET status='EXPIRED', updated_at=NOW()
		WHERE status IN ('ACTIVE','SOLD_OUT') AND ends_at < $1
	`
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire coupons: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PGStore) GetIssuance(ctx context.Context, userID, couponID int64) (models.Issuance, error) {
	query := `
		SELECT id, user_id, coupon_id, correlation_id, status, issued_at, used_at
		FROM coupon_issuances
		WHERE user_id=$1 AND coupon_id=$2
	`
	var (
		iss    models.Issuance
		status string
		usedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID, couponID).Scan(
		&iss.ID, &iss.UserID, &iss.CouponID, &iss.CorrelationID, &status, &iss.IssuedAt, &usedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Issuance{}, ErrNotFound
		}
		return models.Issuance{}, fmt.Errorf("get issuance: %w", err)
	}
	iss.Status = models.IssuanceStatus(status)
	if usedAt.Valid {
		t := usedAt.Time
		iss.UsedAt = &t
	}
	return iss, nil
}

func (s *PGStore) CommitIssuance(ctx context.Context, in IssuanceInput) (models.Coupon, models.Issuance, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.IssuedAt.IsZero() {
		in.IssuedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Coupon{}, models.Issuance{}, fmt.Errorf("begin issuance tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	update := `
		UPDATE coupons
		SET issued_quantity = issued_quantity + 1,
		    status = CASE WHEN issued_quantity + 1 >= total_quantity THEN 'SOLD_OUT' ELSE status END,
		    updated_at = NOW()
		WHERE id=$1 AND issued_quantity < total_quantity
		RETURNING ` + couponColumns
	coupon, err := scanCoupon(tx.QueryRowContext(ctx, update, in.CouponID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Coupon{}, models.Issuance{}, ErrQuotaExhausted
		}
		return models.Coupon{}, models.Issuance{}, fmt.Errorf("increment issued quantity: %w", err)
	}

	insert := `
		INSERT INTO coupon_issuances (id, user_id, coupon_id, correlation_id, status, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := tx.ExecContext(ctx, insert, in.ID, in.UserID, in.CouponID, in.CorrelationID, string(models.IssuanceIssued), in.IssuedAt); err != nil {
		if isUniqueViolation(err) {
			return models.Coupon{}, models.Issuance{}, ErrDuplicate
		}
		return models.Coupon{}, models.Issuance{}, fmt.Errorf("insert issuance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Coupon{}, models.Issuance{}, fmt.Errorf("commit issuance: %w", err)
	}
	return coupon, models.Issuance{
		ID:            in.ID,
		UserID:        in.UserID,
		CouponID:      in.CouponID,
		CorrelationID: in.CorrelationID,
		Status:        models.IssuanceIssued,
		IssuedAt:      in.IssuedAt,
	}, nil
}

const outboxColumns = `correlation_id, event_type, topic, partition_key, payload, status, channel_pointer, last_error, attempts, created_at, updated_at`

func scanOutbox(row rowScanner) (models.OutboxEntry, error) {
	var (
		e       models.OutboxEntry
		status  string
		payload []byte
		pointer sql.NullString
		lastErr sql.NullString
	)
	if err := row.Scan(&e.CorrelationID, &e.EventType, &e.Topic, &e.PartitionKey, &payload, &status, &pointer, &lastErr, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.OutboxEntry{}, err
	}
	e.Status = models.OutboxStatus(status)
	e.Payload = append([]byte(nil), payload...)
	if pointer.Valid {
		e.ChannelPointer = &pointer.String
	}
	if lastErr.Valid {
		e.LastError = &lastErr.String
	}
	return e, nil
}

func (s *PGStore) InsertOutbox(ctx context.Context, in OutboxInput) (models.OutboxEntry, error) {
	if in.CorrelationID == uuid.Nil {
		in.CorrelationID = uuid.New()
	}
	query := `
		INSERT INTO outbox_entries (correlation_id, event_type, topic, partition_key, payload, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + outboxColumns
	e, err := scanOutbox(s.db.QueryRowContext(ctx, query, in.CorrelationID, in.EventType, in.Topic, in.PartitionKey, []byte(ensureJSON(in.Payload)), string(models.OutboxPending)))
	if err != nil {
		if isUniqueViolation(err) {
			return models.OutboxEntry{}, ErrDuplicate
		}
		return models.OutboxEntry{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	return e, nil
}

func (s *PGStore) GetOutbox(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries WHERE correlation_id=$1`
	e, err := scanOutbox(s.db.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OutboxEntry{}, ErrNotFound
		}
		return models.OutboxEntry{}, fmt.Errorf("get outbox entry: %w", err)
	}
	return e, nil
}

func statusStrings(in []models.OutboxStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *PGStore) TransitionOutbox(ctx context.Context, in OutboxTransition) (models.OutboxEntry, error) {
	attempt := 0
	if in.CountAttempt {
		attempt = 1
	}
	query := `
		UPDATE outbox_entries
		SET status=$2,
		    channel_pointer=COALESCE($3::text, channel_pointer),
		    last_error=COALESCE($4::text, last_error),
		    attempts=attempts + $5,
		    updated_at=NOW()
		WHERE correlation_id=$1 AND status = ANY($6)
		RETURNING ` + outboxColumns
	e, err := scanOutbox(s.db.QueryRowContext(ctx, query,
		in.CorrelationID,
		string(in.To),
		in.ChannelPointer,
		in.LastError,
		attempt,
		pq.Array(statusStrings(in.From)),
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.OutboxEntry{}, fmt.Errorf("transition outbox entry: %w", err)
	}
	current, getErr := s.GetOutbox(ctx, in.CorrelationID)
	if getErr != nil {
		return models.OutboxEntry{}, getErr
	}
	return current, ErrStaleStatus
}

func (s *PGStore) ListOutboxOlderThan(ctx context.Context, statuses []models.OutboxStatus, before time.Time, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_entries
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()
	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
