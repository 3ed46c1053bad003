package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"stayhive/core/internal/config"
	"stayhive/core/internal/notify"
	"stayhive/core/internal/services"
)

// Background task types.
const (
	TypeExpireSweep = "booking:expire_sweep"
	TypeReconcile   = "ledger:reconcile"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// --- Task Server (Processing tasks) ---

// TaskProcessor holds the dependencies the task handlers need.
type TaskProcessor struct {
	cfg              *config.Config
	bookingService   services.IBookingService
	reconcileService services.IReconcileService
	sender           notify.Sender
}

func NewTaskProcessor(
	cfg *config.Config,
	bookingService services.IBookingService,
	reconcileService services.IReconcileService,
	sender notify.Sender,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:              cfg,
		bookingService:   bookingService,
		reconcileService: reconcileService,
		sender:           sender,
	}
}

// SetupServer configures an Asynq server with the engine's handlers
// registered. The caller runs it.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireSweep, processor.HandleExpireSweepTask)
	mux.HandleFunc(TypeReconcile, processor.HandleReconcileTask)
	mux.HandleFunc(notify.TypeDeliver, processor.HandleNotifyDeliverTask)
	log.Println("Registered background task handlers.")

	return srv, mux
}

// StartSchedulers enqueues the recurring maintenance tasks on their
// configured intervals until the context is cancelled. Enqueue failures are
// logged and the ticker keeps going; the next tick tries again.
func StartSchedulers(ctx context.Context, cfg *config.Config, client *asynq.Client) {
	schedule := func(taskType string, interval time.Duration) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Printf("Scheduling %s every %s.", taskType, interval)
		for {
			select {
			case <-ticker.C:
				task := asynq.NewTask(taskType, nil)
				// Uniqueness spans the interval so overlapping schedulers in
				// an "all"-mode pair never double-enqueue a sweep.
				if _, err := client.EnqueueContext(ctx, task, asynq.Queue("default"), asynq.Unique(interval)); err != nil {
					if errors.Is(err, asynq.ErrDuplicateTask) {
						continue
					}
					log.Printf("ERROR failed to enqueue %s: %v", taskType, err)
				}
			case <-ctx.Done():
				log.Printf("Scheduler for %s stopped.", taskType)
				return
			}
		}
	}
	go schedule(TypeExpireSweep, cfg.ExpireSweepInterval)
	go schedule(TypeReconcile, cfg.ReconcileInterval)
}

// --- Task Handlers ---

// HandleExpireSweepTask expires pending bookings past their approval window.
func (p *TaskProcessor) HandleExpireSweepTask(ctx context.Context, t *asynq.Task) error {
	expired, err := p.bookingService.ExpireOverdue(ctx)
	if err != nil {
		log.Printf("Expire sweep failed: %v", err)
		return err
	}

	completed, err := p.bookingService.CompleteElapsed(ctx)
	if err != nil {
		log.Printf("Completing elapsed bookings failed: %v", err)
		return err
	}

	if expired > 0 || completed > 0 {
		log.Printf("Expire sweep finished: expired=%d, completed=%d.", expired, completed)
	}
	return nil
}

// HandleReconcileTask runs a full reconciliation pass over all hosts.
func (p *TaskProcessor) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	reports, err := p.reconcileService.ReconcileAll(ctx)
	if err != nil {
		log.Printf("Reconciliation pass failed: %v", err)
		return err
	}

	fixed := 0
	for _, r := range reports {
		if r.BookingsFixed || r.PointsCredited > 0 {
			fixed++
		}
	}
	log.Printf("Reconciliation pass finished: %d hosts checked, %d repaired.", len(reports), fixed)
	return nil
}

// HandleNotifyDeliverTask renders and delivers one queued notification.
// Notifications are best-effort by contract, so every failure here is
// terminal: a bad payload, an unknown template and a delivery error all end
// the task without retry.
func (p *TaskProcessor) HandleNotifyDeliverTask(ctx context.Context, t *asynq.Task) error {
	var payload notify.Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal notification payload: %v: %w", err, asynq.SkipRetry)
	}

	subject, body, err := notify.Render(payload.TemplateID, payload.Params)
	if err != nil {
		log.Printf("Dropping notification with unknown template %q for %s", payload.TemplateID, payload.Recipient)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := p.sender.Deliver(ctx, payload.Recipient, subject, body); err != nil {
		log.Printf("Notification delivery to %s failed (dropped): %v", payload.Recipient, err)
		return fmt.Errorf("delivery failed: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}
