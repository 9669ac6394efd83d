package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
)

const quotaRetention = 48 * time.Hour

// Quota admission reasons
const (
	ReasonBytesExceeded   = "daily upload volume exceeded"
	ReasonJobsExceeded    = "daily job count exceeded"
	ReasonSecondsExceeded = "daily processing seconds exceeded"
)

// QuotaLedger gates job and upload admission on per-session, per-UTC-day
// counters. Bump is an atomic additive upsert: never read-then-write.
type QuotaLedger interface {
	CanUpload(ctx context.Context, sessionID string, sizeBytes int64) (*model.QuotaDecision, error)
	CanCreateJob(ctx context.Context, sessionID string, durationSec float64) (*model.QuotaDecision, error)
	Bump(ctx context.Context, sessionID, day string, deltas model.QuotaDeltas) error
}

// Day returns the UTC day key used for quota addressing.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func quotaKey(sessionID, day string) string {
	return fmt.Sprintf("quota:%s:%s", sessionID, day)
}

// RedisQuotaLedger keeps counters in a hash per (session, day). HIncrBy
// creates missing fields at zero, so the upsert is a single atomic command.
type RedisQuotaLedger struct {
	redis *redis.Client
	cfg   config.QuotaConfig
}

func NewRedisQuotaLedger(redisClient *redis.Client, cfg config.QuotaConfig) *RedisQuotaLedger {
	return &RedisQuotaLedger{redis: redisClient, cfg: cfg}
}

func (l *RedisQuotaLedger) CanUpload(ctx context.Context, sessionID string, sizeBytes int64) (*model.QuotaDecision, error) {
	usage, err := l.today(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return decideUpload(usage, sizeBytes, l.cfg), nil
}

func (l *RedisQuotaLedger) CanCreateJob(ctx context.Context, sessionID string, durationSec float64) (*model.QuotaDecision, error) {
	usage, err := l.today(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return decideJob(usage, durationSec, l.cfg), nil
}

func (l *RedisQuotaLedger) Bump(ctx context.Context, sessionID, day string, deltas model.QuotaDeltas) error {
	key := quotaKey(sessionID, day)

	pipe := l.redis.TxPipeline()
	if deltas.Jobs != 0 {
		pipe.HIncrBy(ctx, key, "jobs", deltas.Jobs)
	}
	if deltas.Seconds != 0 {
		pipe.HIncrBy(ctx, key, "seconds", deltas.Seconds)
	}
	if deltas.Bytes != 0 {
		pipe.HIncrBy(ctx, key, "bytes", deltas.Bytes)
	}
	pipe.Expire(ctx, key, quotaRetention)

	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisQuotaLedger) today(ctx context.Context, sessionID string) (*model.QuotaUsage, error) {
	day := Day(time.Now())
	fields, err := l.redis.HGetAll(ctx, quotaKey(sessionID, day)).Result()
	if err != nil {
		return nil, err
	}

	usage := &model.QuotaUsage{SessionID: sessionID, Day: day}
	fmt.Sscanf(fields["jobs"], "%d", &usage.JobsCreated)
	fmt.Sscanf(fields["seconds"], "%d", &usage.SecondsUsed)
	fmt.Sscanf(fields["bytes"], "%d", &usage.BytesUploaded)
	return usage, nil
}

// MemoryQuotaLedger is the process-local fallback used when no shared store
// is configured. Same interface, same decisions; counters reset with the
// process.
type MemoryQuotaLedger struct {
	mu    sync.Mutex
	usage map[string]*model.QuotaUsage
	cfg   config.QuotaConfig
}

func NewMemoryQuotaLedger(cfg config.QuotaConfig) *MemoryQuotaLedger {
	return &MemoryQuotaLedger{
		usage: make(map[string]*model.QuotaUsage),
		cfg:   cfg,
	}
}

func (l *MemoryQuotaLedger) CanUpload(ctx context.Context, sessionID string, sizeBytes int64) (*model.QuotaDecision, error) {
	return decideUpload(l.today(sessionID), sizeBytes, l.cfg), nil
}

func (l *MemoryQuotaLedger) CanCreateJob(ctx context.Context, sessionID string, durationSec float64) (*model.QuotaDecision, error) {
	return decideJob(l.today(sessionID), durationSec, l.cfg), nil
}

func (l *MemoryQuotaLedger) Bump(ctx context.Context, sessionID, day string, deltas model.QuotaDeltas) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := quotaKey(sessionID, day)
	u, ok := l.usage[key]
	if !ok {
		u = &model.QuotaUsage{SessionID: sessionID, Day: day}
		l.usage[key] = u
	}
	u.JobsCreated += deltas.Jobs
	u.SecondsUsed += deltas.Seconds
	u.BytesUploaded += deltas.Bytes
	return nil
}

func (l *MemoryQuotaLedger) today(sessionID string) *model.QuotaUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := Day(time.Now())
	if u, ok := l.usage[quotaKey(sessionID, day)]; ok {
		cp := *u
		return &cp
	}
	return &model.QuotaUsage{SessionID: sessionID, Day: day}
}

// decideUpload applies the upload admission checks in order; the first
// failing ceiling wins.
func decideUpload(usage *model.QuotaUsage, sizeBytes int64, cfg config.QuotaConfig) *model.QuotaDecision {
	if usage.BytesUploaded+sizeBytes > cfg.DailyBytes {
		return &model.QuotaDecision{Allowed: false, Reason: ReasonBytesExceeded, Usage: usage}
	}
	return &model.QuotaDecision{Allowed: true, Usage: usage}
}

// decideJob applies the job admission checks in order; the first failing
// ceiling wins.
func decideJob(usage *model.QuotaUsage, durationSec float64, cfg config.QuotaConfig) *model.QuotaDecision {
	if usage.JobsCreated+1 > cfg.DailyJobs {
		return &model.QuotaDecision{Allowed: false, Reason: ReasonJobsExceeded, Usage: usage}
	}
	if usage.SecondsUsed+int64(durationSec) > cfg.DailySeconds {
		return &model.QuotaDecision{Allowed: false, Reason: ReasonSecondsExceeded, Usage: usage}
	}
	return &model.QuotaDecision{Allowed: true, Usage: usage}
}
