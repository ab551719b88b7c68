package storage

import (
	"context"
	"errors"

	"safetalk-backend/internal/config"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrTicketNotFound  = errors.New("match ticket not found")
	ErrMatchConflict   = errors.New("match commit conflict")
)

type Storage struct {
	DB    *PostgresDB
	Redis *RedisClient
}

func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	db, err := NewPostgresDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	redisClient, err := NewRedisClient(ctx, cfg.Redis.URL, cfg.Queue.ResultRetention)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		DB:    db,
		Redis: redisClient,
	}, nil
}

func (s *Storage) Close() error {
	s.DB.Close()
	return s.Redis.Close()
}
