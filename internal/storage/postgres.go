package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// NewPostgresDBFromPool wraps an existing pool.
func NewPostgresDBFromPool(pool *pgxpool.Pool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate applies the embedded goose migrations.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	log.Info("[DB] migrations applied")
	return nil
}

const profileColumns = `id, username, role, is_premium, is_ambassador, credits, giftable_credits,
	daily_free_time_used, paid_time_available, daily_reset_date, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(
		&p.ID, &p.Username, &p.Role, &p.IsPremium, &p.IsAmbassador, &p.Credits, &p.GiftableCredits,
		&p.DailyFreeTimeUsed, &p.PaidTimeAvailable, &p.DailyResetDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (db *PostgresDB) CreateProfile(ctx context.Context, p *Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `
		INSERT INTO users (id, username, role, is_premium, is_ambassador, credits, giftable_credits,
			daily_free_time_used, paid_time_available, daily_reset_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return db.pool.QueryRow(ctx, query,
		p.ID, p.Username, p.Role, p.IsPremium, p.IsAmbassador, p.Credits, p.GiftableCredits,
		p.DailyFreeTimeUsed, p.PaidTimeAvailable, p.DailyResetDate).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (db *PostgresDB) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM users WHERE id = $1`
	p, err := scanProfile(db.pool.QueryRow(ctx, query, userID))
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return p, err
}

// ResetDailyUsage zeroes the free time used and stamps the reset date.
func (db *PostgresDB) ResetDailyUsage(ctx context.Context, userID uuid.UUID, date string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE users
		SET daily_free_time_used = 0, daily_reset_date = $2, updated_at = NOW()
		WHERE id = $1`, userID, date)
	if err != nil {
		return fmt.Errorf("reset daily usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SaveTimeUsage writes back the result of a metered session.
func (db *PostgresDB) SaveTimeUsage(ctx context.Context, userID uuid.UUID, freeUsed, paidAvailable int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE users
		SET daily_free_time_used = $2, paid_time_available = $3, updated_at = NOW()
		WHERE id = $1`, userID, max(freeUsed, 0), max(paidAvailable, 0))
	if err != nil {
		return fmt.Errorf("save time usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// AddPaidTime banks seconds of paid chat time for use in a later session.
func (db *PostgresDB) AddPaidTime(ctx context.Context, userID uuid.UUID, seconds int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE users
		SET paid_time_available = paid_time_available + $2, updated_at = NOW()
		WHERE id = $1`, userID, seconds)
	if err != nil {
		return fmt.Errorf("add paid time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

const sessionColumns = `id, match_id, user_a_id, user_b_id, kind, status, created_at, ended_at`

func scanSession(row pgx.Row) (*ChatSession, error) {
	s := &ChatSession{}
	err := row.Scan(&s.ID, &s.MatchID, &s.UserAID, &s.UserBID, &s.Kind, &s.Status, &s.CreatedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// CreateSession inserts a chat session. Calls carrying the same MatchID
// return the same row.
func (db *PostgresDB) CreateSession(ctx context.Context, ns NewSession) (*ChatSession, error) {
	insert := `
		INSERT INTO chat_sessions (match_id, user_a_id, user_b_id, kind, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (match_id) DO NOTHING
		RETURNING ` + sessionColumns

	s, err := scanSession(db.pool.QueryRow(ctx, insert, ns.MatchID, ns.UserA, ns.UserB, ns.Kind, SessionActive))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSessionNotFound) || ns.MatchID == nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}

	s, err = scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE match_id = $1`, *ns.MatchID))
	if err != nil {
		return nil, fmt.Errorf("read back chat session for match %s: %w", *ns.MatchID, err)
	}
	return s, nil
}

func (db *PostgresDB) GetSession(ctx context.Context, sessionID uuid.UUID) (*ChatSession, error) {
	return scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, sessionID))
}

func (db *PostgresDB) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE chat_sessions SET status = $2, ended_at = NOW()
		WHERE id = $1 AND status <> $2`, sessionID, SessionEnded)
	if err != nil {
		return fmt.Errorf("end chat session: %w", err)
	}
	return nil
}
