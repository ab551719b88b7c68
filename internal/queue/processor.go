package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"safetalk-backend/internal/config"
	"safetalk-backend/internal/storage"
)

const (
	TypeExpireTickets = "tickets:expire"
	TypeSweepPresence = "presence:sweep"

	maintenanceQueue = "maintenance"
)

// expiryGrace leaves the owning instance time to finalize its own ticket.
const expiryGrace = 5 * time.Second

type PresenceSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Janitor cleans up after instances that died while owning tickets or
// presence records.
type Janitor struct {
	redis    *storage.RedisClient
	presence PresenceSweeper
	now      func() time.Time
}

func NewJanitor(redis *storage.RedisClient, presence PresenceSweeper) *Janitor {
	return &Janitor{redis: redis, presence: presence, now: time.Now}
}

// ExpireTickets finalizes waiting tickets past their deadline and drops pool
// entries whose body is gone.
func (j *Janitor) ExpireTickets(ctx context.Context) (int, error) {
	ids, err := j.redis.PoolEntries(ctx)
	if err != nil {
		return 0, err
	}

	now := j.now()
	cleaned := 0
	for _, id := range ids {
		req, err := j.redis.GetTicket(ctx, id)
		if errors.Is(err, storage.ErrTicketNotFound) {
			if err := j.redis.RemoveFromPool(ctx, id); err == nil {
				cleaned++
			}
			continue
		}
		if err != nil {
			log.WithError(err).WithField("ticket", id).Warn("[JANITOR] ticket read failed")
			continue
		}
		if req.Status != storage.MatchWaiting || now.Before(req.ExpiresAt.Add(expiryGrace)) {
			continue
		}
		if _, changed, err := j.redis.FinalizeTicket(ctx, id, storage.MatchExpired); err != nil {
			log.WithError(err).WithField("ticket", id).Warn("[JANITOR] expiring ticket failed")
		} else if changed {
			cleaned++
		}
	}

	if cleaned > 0 {
		log.WithField("count", cleaned).Info("[JANITOR] cleaned up abandoned tickets")
	}
	return cleaned, nil
}

func (j *Janitor) SweepPresence(ctx context.Context) (int, error) {
	if j.presence == nil {
		return 0, nil
	}
	return j.presence.Sweep(ctx)
}

func (j *Janitor) handleExpireTask(ctx context.Context, _ *asynq.Task) error {
	_, err := j.ExpireTickets(ctx)
	return err
}

func (j *Janitor) handleSweepTask(ctx context.Context, _ *asynq.Task) error {
	_, err := j.SweepPresence(ctx)
	return err
}

// Processor runs the janitor's tasks on asynq workers. A cron schedule
// enqueues them; uniqueness keeps one run per period across instances.
type Processor struct {
	janitor   *Janitor
	server    *asynq.Server
	client    *asynq.Client
	scheduler *cron.Cron
	schedules map[string]string
}

func NewProcessor(redisURL string, queueCfg config.QueueConfig, presenceCfg config.PresenceConfig, janitor *Janitor) (*Processor, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri for asynq: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: queueCfg.Concurrency,
		Queues: map[string]int{
			maintenanceQueue: 1,
		},
		Logger:   log.StandardLogger(),
		LogLevel: asynq.WarnLevel,
	})

	return &Processor{
		janitor:   janitor,
		server:    server,
		client:    asynq.NewClient(opt),
		scheduler: cron.New(),
		schedules: map[string]string{
			TypeExpireTickets: queueCfg.CleanupSchedule,
			TypeSweepPresence: presenceCfg.SweepSchedule,
		},
	}, nil
}

func (p *Processor) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireTickets, p.janitor.handleExpireTask)
	mux.HandleFunc(TypeSweepPresence, p.janitor.handleSweepTask)

	for taskType, spec := range p.schedules {
		if _, err := p.scheduler.AddFunc(spec, func() { p.enqueue(taskType) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", taskType, spec, err)
		}
	}

	if err := p.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	p.scheduler.Start()

	log.Info("[PROCESSOR] maintenance workers started")
	return nil
}

func (p *Processor) enqueue(taskType string) {
	task := asynq.NewTask(taskType, nil)
	_, err := p.client.Enqueue(task,
		asynq.Queue(maintenanceQueue),
		asynq.MaxRetry(1),
		asynq.Timeout(time.Minute),
		asynq.Unique(10*time.Second),
	)
	switch {
	case err == nil:
	case errors.Is(err, asynq.ErrDuplicateTask):
		log.WithField("task", taskType).Debug("[PROCESSOR] task already queued")
	default:
		log.WithError(err).WithField("task", taskType).Warn("[PROCESSOR] enqueue failed")
	}
}

func (p *Processor) Stop() {
	<-p.scheduler.Stop().Done()
	p.server.Shutdown()
	if err := p.client.Close(); err != nil {
		log.WithError(err).Warn("[PROCESSOR] closing asynq client")
	}
}
