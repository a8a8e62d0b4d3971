package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/BearBump/PixelRelay/internal/broker/messages"
	"github.com/BearBump/PixelRelay/internal/integrations/platform"
	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/BearBump/PixelRelay/internal/storage/pgevents"
)

type Repository interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.DeliveryJob, error)
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	ListActivePlatformConfigs(ctx context.Context, merchantID string) ([]*models.PlatformConfig, error)
	UpdatePlatformStatus(ctx context.Context, eventID string, platform models.PlatformKind, accountID, status string, sentAt *time.Time, lastError *string) error
	UpdateOverallStatus(ctx context.Context, eventID, status string, processedAt *time.Time) error
	IncrementRetryCount(ctx context.Context, eventID string) (int32, error)
	CompleteJob(ctx context.Context, eventID string, at time.Time) error
	RescheduleJob(ctx context.Context, eventID string, next time.Time) error
	FailJob(ctx context.Context, eventID string, at time.Time) error
	AppendDeliveryLog(ctx context.Context, l *models.DeliveryLog) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Dispatcher вычитывает готовые джобы из очереди и разворачивает каждое
// событие веером по активным площадкам мерчанта.
type Dispatcher struct {
	repo    Repository
	senders map[models.PlatformKind]platform.Sender
	producer Producer
	topic   string

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	maxAttempts  int32
	backoffBase  time.Duration
	jobsLimiter  *rate.Limiter

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalDelivered      atomic.Int64
	totalRescheduled    atomic.Int64
	totalFailed         atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, senders []platform.Sender, producer Producer, topic string) *Dispatcher {
	byKind := make(map[models.PlatformKind]platform.Sender, len(senders))
	for _, s := range senders {
		byKind[s.Kind()] = s
	}
	return &Dispatcher{
		repo: repo, senders: byKind, producer: producer, topic: topic,
		pollInterval: 2 * time.Second,
		batchSize:    100,
		concurrency:  10,
		lease:        120 * time.Second,
		maxAttempts:  3,
		backoffBase:  5 * time.Second,
		jobsLimiter:  rate.NewLimiter(rate.Limit(100), 100),
		triggerCh:    make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (d *Dispatcher) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, jobsPerSecond float64) *Dispatcher {
	if pollInterval > 0 {
		d.pollInterval = pollInterval
	}
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if concurrency > 0 {
		d.concurrency = concurrency
	}
	if lease > 0 {
		d.lease = lease
	}
	if jobsPerSecond > 0 {
		d.jobsLimiter = rate.NewLimiter(rate.Limit(jobsPerSecond), int(jobsPerSecond))
	}
	return d
}

func (d *Dispatcher) WithRetryPolicy(maxAttempts int32, backoffBase time.Duration) *Dispatcher {
	if maxAttempts > 0 {
		d.maxAttempts = maxAttempts
	}
	if backoffBase > 0 {
		d.backoffBase = backoffBase
	}
	return d
}

// Trigger forces an immediate dispatch cycle (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalDelivered   int64      `json:"totalDelivered"`
	TotalRescheduled int64      `json:"totalRescheduled"`
	TotalFailed      int64      `json:"totalFailed"`
	TotalErrors      int64      `json:"totalErrors"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalClaimed:     d.totalClaimed.Load(),
		TotalDelivered:   d.totalDelivered.Load(),
		TotalRescheduled: d.totalRescheduled.Load(),
		TotalFailed:      d.totalFailed.Load(),
		TotalErrors:      d.totalErrors.Load(),
		InFlight:         d.inFlight.Load(),
	}
	if n := d.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := d.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.runOnce(ctx)
		case <-d.triggerCh:
			d.runOnce(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	d.lastCycleUnixNano.Store(now.UnixNano())

	jobs, err := d.repo.ClaimDueJobs(ctx, now, d.batchSize, d.lease)
	if err != nil {
		slog.Error("claim due jobs", "error", err.Error())
		d.noteError(err)
		return
	}
	d.totalClaimed.Add(int64(len(jobs)))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, j := range jobs {
		// Глобальный кап на джобы в секунду, поверх кап-а на горутины.
		if err := d.jobsLimiter.Wait(ctx); err != nil {
			return
		}
		sem <- struct{}{}
		wg.Add(1)
		job := j
		d.inFlight.Add(1)
		go func() {
			defer func() {
				d.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := d.processOne(ctx, job); err != nil {
				d.totalErrors.Add(1)
				d.noteError(err)
				slog.Error("process delivery job", "event_id", job.EventID, "error", err.Error())
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) noteError(err error) {
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}

// outcome одной площадки внутри попытки.
type attemptOutcome struct {
	cfg       *models.PlatformConfig
	status    string
	err       *platform.DeliveryError
	attempted bool
}

func (d *Dispatcher) processOne(ctx context.Context, job *models.DeliveryJob) error {
	now := time.Now().UTC()

	ev, err := d.repo.GetEvent(ctx, job.EventID)
	if err != nil {
		if errors.Is(err, pgevents.ErrEventNotFound) {
			// Событие пропало из-под джоба — доставлять нечего, джоб закрываем.
			_ = d.repo.FailJob(ctx, job.EventID, now)
			return errors.Wrap(err, "load event")
		}
		// Временный сбой БД: джоб не хороним, после истечения lease он
		// снова станет due.
		return errors.Wrap(err, "load event")
	}

	if err := d.repo.UpdateOverallStatus(ctx, ev.ID, models.EventStatusProcessing, nil); err != nil {
		return err
	}

	cfgs, err := d.repo.ListActivePlatformConfigs(ctx, ev.MerchantID)
	if err != nil {
		return errors.Wrap(err, "load platform configs")
	}

	succeeded := make(map[string]bool, len(ev.Platforms))
	for _, ps := range ev.Platforms {
		if ps.Status == models.PlatformStatusSuccess {
			succeeded[statusKey(ps.Platform, ps.AccountID)] = true
		}
	}

	outcomes := make([]attemptOutcome, len(cfgs))
	var swg sync.WaitGroup
	for i, cfg := range cfgs {
		// Площадки независимы: провал одной не блокирует и не
		// откатывает успех другой.
		i, cfg := i, cfg
		swg.Add(1)
		go func() {
			defer swg.Done()
			outcomes[i] = d.deliverOne(ctx, ev, cfg, succeeded)
		}()
	}
	swg.Wait()

	anyFailed := false
	anyRetryable := false
	for _, o := range outcomes {
		if o.status == models.PlatformStatusFailed {
			anyFailed = true
			if o.err != nil && o.err.Retryable() {
				anyRetryable = true
			}
		}
	}

	overall := models.EventStatusCompleted
	switch {
	case !anyFailed:
		if err := d.repo.UpdateOverallStatus(ctx, ev.ID, models.EventStatusCompleted, &now); err != nil {
			return err
		}
		if err := d.repo.CompleteJob(ctx, ev.ID, now); err != nil {
			return err
		}
		d.totalDelivered.Add(1)

	case anyRetryable && job.Attempts < d.maxAttempts:
		overall = models.EventStatusProcessing
		if _, err := d.repo.IncrementRetryCount(ctx, ev.ID); err != nil {
			return err
		}
		// Бэкофф считаем здесь, применяет его планировщик очереди:
		// воркер между попытками не спит и не держит горутину.
		next := now.Add(d.backoffDelay(job.Attempts))
		if err := d.repo.RescheduleJob(ctx, ev.ID, next); err != nil {
			return err
		}
		d.totalRescheduled.Add(1)

	default:
		// Либо бюджет попыток исчерпан, либо ретраить нечего. Успехи
		// отдельных площадок при этом остаются успехами.
		overall = models.EventStatusFailed
		if anyRetryable {
			// Последняя провальная попытка тоже входит в счётчик: после
			// трёх попыток retry_count равен трём.
			if _, err := d.repo.IncrementRetryCount(ctx, ev.ID); err != nil {
				return err
			}
		}
		if err := d.repo.UpdateOverallStatus(ctx, ev.ID, models.EventStatusFailed, &now); err != nil {
			return err
		}
		if err := d.repo.FailJob(ctx, ev.ID, now); err != nil {
			return err
		}
		d.totalFailed.Add(1)
	}

	d.publishResult(ctx, ev, job, overall, outcomes, now)
	return nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig, succeeded map[string]bool) attemptOutcome {
	out := attemptOutcome{cfg: cfg}

	// Уже доставлено в прошлой попытке — не шлём дубль на площадку.
	if succeeded[statusKey(cfg.Platform, cfg.AccountID)] {
		out.status = models.PlatformStatusSuccess
		return out
	}

	if !cfg.ConversionAPIEnabled {
		out.status = models.PlatformStatusSkipped
		slog.Info("platform delivery disabled, skipping",
			"event_id", ev.ID, "platform", cfg.Platform, "account_id", cfg.AccountID)
		if err := d.repo.UpdatePlatformStatus(ctx, ev.ID, cfg.Platform, cfg.AccountID, models.PlatformStatusSkipped, nil, nil); err != nil {
			slog.Error("update platform status", "event_id", ev.ID, "error", err.Error())
		}
		return out
	}

	sender, ok := d.senders[cfg.Platform]
	if !ok {
		out.status = models.PlatformStatusFailed
		out.err = platform.MissingCredential(cfg.Platform, "no sender registered for platform")
		out.attempted = true
		d.recordFailure(ctx, ev, cfg, out.err)
		return out
	}

	out.attempted = true
	rcpt, err := sender.Send(ctx, ev, cfg)
	if err == nil {
		out.status = models.PlatformStatusSuccess
		if uerr := d.repo.UpdatePlatformStatus(ctx, ev.ID, cfg.Platform, cfg.AccountID, models.PlatformStatusSuccess, &rcpt.SentAt, nil); uerr != nil {
			slog.Error("update platform status", "event_id", ev.ID, "error", uerr.Error())
		}
		d.appendLog(ctx, ev, cfg, "info", rcpt, nil)
		return out
	}

	var derr *platform.DeliveryError
	if !errors.As(err, &derr) {
		derr = platform.TransportError(cfg.Platform, "send", err, rcpt)
	}
	out.status = models.PlatformStatusFailed
	out.err = derr
	d.recordFailure(ctx, ev, cfg, derr)
	return out
}

func (d *Dispatcher) recordFailure(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig, derr *platform.DeliveryError) {
	msg := derr.Error()
	if err := d.repo.UpdatePlatformStatus(ctx, ev.ID, cfg.Platform, cfg.AccountID, models.PlatformStatusFailed, nil, &msg); err != nil {
		slog.Error("update platform status", "event_id", ev.ID, "error", err.Error())
	}
	d.appendLog(ctx, ev, cfg, "error", derr.Receipt, &msg)
	if derr.Kind == platform.FailureMissingCredential {
		// Конфиг сломан: ретраи не помогут, нужен оператор.
		slog.Error("platform credential missing",
			"event_id", ev.ID, "merchant_id", ev.MerchantID,
			"platform", cfg.Platform, "account_id", cfg.AccountID)
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, ev *models.Event, cfg *models.PlatformConfig, level string, rcpt platform.Receipt, errMsg *string) {
	l := &models.DeliveryLog{
		MerchantID: ev.MerchantID,
		EventID:    ev.ID,
		Platform:   cfg.Platform,
		AccountID:  cfg.AccountID,
		Level:      level,
		Error:      errMsg,
	}
	if rcpt.RequestJSON != "" {
		s := rcpt.RequestJSON
		l.RequestJSON = &s
	}
	if rcpt.ResponseJSON != "" {
		s := rcpt.ResponseJSON
		l.ResponseJSON = &s
	}
	if err := d.repo.AppendDeliveryLog(ctx, l); err != nil {
		slog.Error("append delivery log", "event_id", ev.ID, "error", err.Error())
	}
}

// backoffDelay — экспонента 5s, 25s, 125s по номеру завершённой попытки.
func (d *Dispatcher) backoffDelay(attempt int32) time.Duration {
	delay := d.backoffBase
	for i := int32(1); i < attempt; i++ {
		delay *= 5
	}
	return delay
}

func (d *Dispatcher) publishResult(ctx context.Context, ev *models.Event, job *models.DeliveryJob, overall string, outcomes []attemptOutcome, at time.Time) {
	if d.producer == nil || d.topic == "" {
		return
	}

	msg := messages.DeliveryResult{
		EventID:     ev.ID,
		MerchantID:  ev.MerchantID,
		Status:      overall,
		Attempt:     job.Attempts,
		ProcessedAt: at,
	}
	for _, o := range outcomes {
		po := messages.PlatformOutcome{
			Platform:  string(o.cfg.Platform),
			AccountID: o.cfg.AccountID,
			Status:    o.status,
		}
		if o.err != nil {
			e := o.err.Error()
			po.Error = &e
		}
		msg.Platforms = append(msg.Platforms, po)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal delivery result", "error", err.Error())
		return
	}
	// Kafka может быть не готова сразу после старта docker compose.
	// Для демо/устойчивости делаем небольшой retry.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = d.producer.Publish(ctx, d.topic, []byte(ev.ID), b); pubErr == nil {
			break
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	if pubErr != nil {
		slog.Warn("publish delivery result", "event_id", ev.ID, "error", pubErr.Error())
	}
}

func statusKey(p models.PlatformKind, accountID string) string {
	return fmt.Sprintf("%s|%s", p, accountID)
}
