package credits

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository keeps balances on the users table and history in
// credit_transactions. Balance checks read the row FOR UPDATE.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	var b Balance
	err := r.pool.QueryRow(ctx,
		`SELECT credits, giftable_credits FROM users WHERE id = $1`, userID).
		Scan(&b.Credits, &b.GiftableCredits)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrUserNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) Debit(ctx context.Context, e Entry) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var credits int64
		err := tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, e.UserID).Scan(&credits)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if credits+e.Amount < 0 {
			return ErrInsufficientCredits
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET credits = credits + $2, updated_at = NOW() WHERE id = $1`, e.UserID, e.Amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, e)
	})
}

func (r *PostgresRepository) Credit(ctx context.Context, entries ...Entry) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			if e.Amount <= 0 {
				return ErrInvalidAmount
			}
			tag, err := tx.Exec(ctx,
				`UPDATE users SET credits = credits + $2, updated_at = NOW() WHERE id = $1`, e.UserID, e.Amount)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrUserNotFound
			}
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

type giftRow struct {
	premium  bool
	giftable int64
}

// Transfer locks both rows in id order so opposite-direction gifts cannot
// deadlock.
func (r *PostgresRepository) Transfer(ctx context.Context, sent, received Entry) error {
	from, to := sent.UserID, received.UserID
	amount := received.Amount

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows := make(map[uuid.UUID]*giftRow, 2)
		order := []uuid.UUID{from, to}
		if bytes.Compare(to[:], from[:]) < 0 {
			order = []uuid.UUID{to, from}
		}
		for _, id := range order {
			row := &giftRow{}
			err := tx.QueryRow(ctx,
				`SELECT is_premium, giftable_credits FROM users WHERE id = $1 FOR UPDATE`, id).
				Scan(&row.premium, &row.giftable)
			if errors.Is(err, pgx.ErrNoRows) {
				if id == to {
					return ErrRecipientNotFound
				}
				return ErrUserNotFound
			}
			if err != nil {
				return err
			}
			rows[id] = row
		}

		sender := rows[from]
		if !sender.premium {
			return ErrNotPremium
		}
		if sender.giftable < amount {
			return ErrInsufficientCredits
		}

		if _, err := tx.Exec(ctx, `
			UPDATE users SET giftable_credits = giftable_credits - $2, updated_at = NOW()
			WHERE id = $1`, from, amount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE users SET credits = credits + $2, updated_at = NOW()
			WHERE id = $1`, to, amount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, sent); err != nil {
			return err
		}
		return insertEntry(ctx, tx, received)
	})
}

func (r *PostgresRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, amount, description, counterparty_id, session_id,
			COALESCE(receipt_id, ''), created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query credit history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Description,
			&e.CounterpartyID, &e.SessionID, &e.ReceiptID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, kind, amount, description, counterparty_id, session_id, receipt_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		e.ID, e.UserID, e.Kind, e.Amount, e.Description, e.CounterpartyID, e.SessionID, e.ReceiptID)
	if err != nil {
		return fmt.Errorf("insert credit entry: %w", err)
	}
	return nil
}
