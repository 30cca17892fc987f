package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldbook/internal/domain"
	"fieldbook/internal/events"
	"fieldbook/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TaskUpsert = "upsert"
	TaskDelete = "delete"
)

// SheetTask describes a unit of work for Sheets.
type SheetTask struct {
	ID            string              `json:"id"`
	Type          string              `json:"type"`
	ReservationID string              `json:"reservation_id"`
	Reservation   *models.Reservation `json:"reservation,omitempty"`
	Attempt       int                 `json:"attempt"`
	LastError     string              `json:"last_error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// SheetsWorker mirrors reservation changes into Google Sheets. Tasks travel through
// a Redis list when a client is configured and through an in-memory channel otherwise.
type SheetsWorker struct {
	sheets        domain.SheetsClient
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan SheetTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	logger        *zerolog.Logger

	mu          sync.Mutex
	deadLetters []SheetTask
}

// NewSheetsWorker builds a worker with sane defaults.
func NewSheetsWorker(sheets domain.SheetsClient, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *SheetsWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "sheets_worker").Logger()

	return &SheetsWorker{
		sheets:        sheets,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan SheetTask, 128),
		redisQueueKey: "sheets:queue",
		deadLetterKey: "sheets:deadletter",
		pollInterval:  time.Second,
		logger:        &l,
	}
}

// EnqueueTask schedules a reservation change via redis or the in-memory queue.
func (w *SheetsWorker) EnqueueTask(ctx context.Context, taskType string, reservation *models.Reservation) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if reservation == nil || reservation.ID == "" {
		return errors.New("reservation id is required")
	}

	task := SheetTask{
		ID:            uuid.NewString(),
		Type:          taskType,
		ReservationID: reservation.ID,
		CreatedAt:     time.Now(),
	}
	if taskType == TaskUpsert {
		snapshot := *reservation
		task.Reservation = &snapshot
	}

	return w.push(ctx, task)
}

// HandleEvent turns ledger events into sheet tasks; subscribe it on the event bus.
func (w *SheetsWorker) HandleEvent(event *events.Event) error {
	var taskType string
	switch event.Type {
	case events.EventReservationCreated:
		taskType = TaskUpsert
	case events.EventReservationCancelled:
		taskType = TaskDelete
	default:
		return nil
	}

	var payload events.ReservationEventPayload
	if err := event.Decode(&payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return w.EnqueueTask(context.Background(), taskType, &payload.Reservation)
}

func (w *SheetsWorker) push(ctx context.Context, task SheetTask) error {
	// Try redis first for durability.
	if w.redis != nil {
		if err := w.pushRedis(ctx, w.redisQueueKey, task); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
		return nil
	default:
		return fmt.Errorf("sheets queue full, task %s dropped", task.ID)
	}
}

// Start launches main loop; stops when ctx is done.
func (w *SheetsWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("started")
	defer w.logger.Info().Msg("stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if w.redis == nil {
			select {
			case <-ctx.Done():
				return
			case t := <-w.queue:
				w.processTask(ctx, &t)
			}
		}
	}
}

func (w *SheetsWorker) tryLocalQueue() (SheetTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return SheetTask{}, false
	}
}

func (w *SheetsWorker) tryRedis(ctx context.Context) (SheetTask, bool) {
	if w.redis == nil {
		return SheetTask{}, false
	}
	res, err := w.redis.BRPop(ctx, w.pollInterval, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return SheetTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		time.Sleep(w.pollInterval)
		return SheetTask{}, false
	}
	if len(res) != 2 {
		return SheetTask{}, false
	}
	var task SheetTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return SheetTask{}, false
	}
	return task, true
}

func (w *SheetsWorker) processTask(ctx context.Context, task *SheetTask) {
	if err := w.handleSheetTask(ctx, task); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}
	w.logger.Debug().Str("task_id", task.ID).Str("type", task.Type).Str("reservation_id", task.ReservationID).Msg("task completed")
}

func (w *SheetsWorker) handleSheetTask(ctx context.Context, task *SheetTask) error {
	if w.sheets == nil {
		return errors.New("sheets client is not configured")
	}
	switch task.Type {
	case TaskUpsert:
		if task.Reservation == nil {
			return errors.New("reservation payload missing")
		}
		return w.sheets.AppendReservation(ctx, task.Reservation)
	case TaskDelete:
		if task.ReservationID == "" {
			return errors.New("reservation id missing")
		}
		return w.sheets.DeleteReservation(ctx, task.ReservationID)
	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

func (w *SheetsWorker) retryOrFail(ctx context.Context, task *SheetTask, cause error) {
	task.Attempt++
	task.LastError = cause.Error()

	if w.retryPolicy.Exhausted(task.Attempt) {
		w.logger.Error().Err(cause).Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("task failed, moved to dead letter")
		w.pushDeadLetter(ctx, *task)
		return
	}

	delay := w.retryPolicy.NextDelay(task.Attempt)
	w.logger.Warn().Err(cause).Str("task_id", task.ID).Int("attempt", task.Attempt).Dur("delay", delay).Msg("task retry scheduled")

	retry := *task
	time.AfterFunc(delay, func() {
		if err := w.push(context.Background(), retry); err != nil {
			w.logger.Error().Err(err).Str("task_id", retry.ID).Msg("requeue failed")
		}
	})
}

func (w *SheetsWorker) pushRedis(ctx context.Context, key string, task SheetTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}

func (w *SheetsWorker) pushDeadLetter(ctx context.Context, task SheetTask) {
	if w.redis != nil {
		err := w.pushRedis(ctx, w.deadLetterKey, task)
		if err == nil {
			return
		}
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("deadletter push failed")
	}
	w.mu.Lock()
	w.deadLetters = append(w.deadLetters, task)
	w.mu.Unlock()
}

// DeadLetters returns tasks that exhausted their retries.
func (w *SheetsWorker) DeadLetters(ctx context.Context) ([]SheetTask, error) {
	w.mu.Lock()
	out := append([]SheetTask(nil), w.deadLetters...)
	w.mu.Unlock()

	if w.redis == nil {
		return out, nil
	}
	raw, err := w.redis.LRange(ctx, w.deadLetterKey, 0, -1).Result()
	if err != nil {
		return out, fmt.Errorf("read deadletter: %w", err)
	}
	for _, item := range raw {
		var task SheetTask
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}
