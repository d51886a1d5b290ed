// Package expiry implements delayed event delivery on a Redis sorted set.
// ScheduleAfter stores a payload with its due time as the score; a sweep
// loop claims due entries and republishes them to their NATS subject.
// Claiming is a ZRem: the remover wins, so a payload is delivered by at
// most one sweeper instance per claim. Delivery is at-least-once overall;
// consumers must be idempotent. There is no cancellation; consumers
// re-check state and no-op when superseded.
package expiry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const dueSetKey = "expiry:due"

// Publisher delivers a claimed payload to its subject. Satisfied by
// messaging.NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// envelope is the stored form of a scheduled delivery. The nonce keeps
// identical payloads distinct inside the sorted set.
type envelope struct {
	Nonce   string          `json:"nonce"`
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

// Scheduler is the Redis-backed delayed-delivery mechanism.
type Scheduler struct {
	rdb    *redis.Client
	pub    Publisher
	sweep  time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewScheduler creates a Scheduler sweeping at the given interval.
func NewScheduler(rdb *redis.Client, pub Publisher, sweep time.Duration, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		rdb:    rdb,
		pub:    pub,
		sweep:  sweep,
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// ScheduleAfter stores the payload for delivery to subject after d.
func (s *Scheduler) ScheduleAfter(ctx context.Context, d time.Duration, subject string, payload []byte) error {
	data, err := json.Marshal(envelope{
		Nonce:   uuid.New().String(),
		Subject: subject,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("expiry: marshal envelope: %w", err)
	}

	due := float64(time.Now().Add(d).UnixMilli())
	if err := s.rdb.ZAdd(ctx, dueSetKey, redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("expiry: schedule on %s: %w", subject, err)
	}
	return nil
}

// Start runs the sweep loop in the background.
func (s *Scheduler) Start() {
	go s.run()
	s.log.Info().Dur("sweep", s.sweep).Msg("expiry scheduler started")
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	s.cancel()
	s.log.Info().Msg("expiry scheduler stopped")
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.deliverDue(s.ctx)
		}
	}
}

// deliverDue claims and publishes every entry whose due time has passed.
func (s *Scheduler) deliverDue(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	members, err := s.rdb.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}

	for _, member := range members {
		removed, err := s.rdb.ZRem(ctx, dueSetKey, member).Result()
		if err != nil {
			s.log.Error().Err(err).Msg("expiry claim failed")
			continue
		}
		if removed == 0 {
			// Another sweeper claimed it first.
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed expiry entry")
			continue
		}

		if err := s.pub.Publish(env.Subject, env.Payload); err != nil {
			// Delivery failed after the claim. Put the entry back so a
			// later sweep retries; duplicates are tolerated downstream.
			s.log.Error().Err(err).Str("subject", env.Subject).Msg("expiry publish failed, rescheduling")
			s.rdb.ZAdd(ctx, dueSetKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: member})
		}
	}
}
