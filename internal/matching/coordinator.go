package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peermatch/match-service/internal/messaging"
	"github.com/peermatch/match-service/internal/metrics"
	"github.com/peermatch/match-service/internal/model"
	"github.com/peermatch/match-service/internal/store"
)

// maxClaimAttempts bounds how often a request re-runs candidate selection
// after losing a claim race to a concurrent requester.
const maxClaimAttempts = 5

// Coordinator owns the match-record state machine. It treats the record
// store as the single source of truth: every mutation that depends on a
// prior read is a conditional update, so racing events detect staleness
// instead of producing inconsistent pairings. Per-user and per-room keyed
// locks linearize events touching the same records; disjoint records
// proceed concurrently.
type Coordinator struct {
	records   store.MatchRecordRepository
	history   store.SessionHistoryRepository
	selector  *Selector
	questions QuestionFinder
	scheduler ExpiryScheduler
	notifier  Notifier
	locks     *keyedMutex

	requestTimeout time.Duration
	confirmTimeout time.Duration

	log zerolog.Logger
}

// NewCoordinator wires the coordinator with its collaborators.
func NewCoordinator(
	records store.MatchRecordRepository,
	history store.SessionHistoryRepository,
	questions QuestionFinder,
	scheduler ExpiryScheduler,
	notifier Notifier,
	requestTimeout, confirmTimeout time.Duration,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		records:        records,
		history:        history,
		selector:       NewSelector(records),
		questions:      questions,
		scheduler:      scheduler,
		notifier:       notifier,
		locks:          newKeyedMutex(),
		requestTimeout: requestTimeout,
		confirmTimeout: confirmTimeout,
		log:            logger,
	}
}

// Handle dispatches one inbound event. Events for the same user or room
// are serialized; everything else runs concurrently. All handlers are
// idempotent under redelivery.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case RequestEvent:
		return c.handleRequest(ctx, e)
	case ConfirmEvent:
		return c.handleConfirm(ctx, e)
	case DeclineEvent:
		return c.handleDecline(ctx, e)
	case RequestTimeoutEvent:
		return c.handleRequestTimeout(ctx, e)
	case ConfirmTimeoutEvent:
		return c.handleConfirmTimeout(ctx, e)
	case DisconnectEvent:
		return c.handleDisconnect(ctx, e)
	default:
		return fmt.Errorf("matching: unhandled event type %T", ev)
	}
}

// handleRequest is request intake: duplicate fencing, candidate selection,
// pairing, or enqueueing a waiting record.
func (c *Coordinator) handleRequest(ctx context.Context, e RequestEvent) error {
	unlock := c.locks.lock(userKey(e.UserID))
	defer unlock()

	// One outstanding attempt per user. A second request from a different
	// connection supersedes the old socket but never starts a new search.
	existing, err := c.records.Find(ctx, model.RecordFilter{
		UserID:     &e.UserID,
		IsArchived: model.Ptr(false),
	})
	if err != nil {
		return err
	}
	if existing != nil {
		if !existing.IsPending && existing.ConnectionHandle != e.ConnectionHandle {
			c.notify(ctx, existing.ConnectionHandle, EventDuplicateSocket, nil)
			if _, err := c.records.UpdateConditional(ctx, existing.ID,
				model.RecordGuard{IsArchived: model.Ptr(false)},
				model.RecordUpdate{ConnectionHandle: &e.ConnectionHandle},
			); err != nil && !errors.Is(err, store.ErrStale) {
				return err
			}
			c.log.Info().Str("user", e.UserID).Int64("record", existing.ID).
				Msg("superseded stale connection")
		}
		return nil
	}

	// Previously paired users are deprioritized, not banned: the selector's
	// later tiers drop the history exclusion again.
	counterparts, err := c.history.CounterpartIDs(ctx, e.UserID)
	if err != nil {
		return err
	}
	excluded := append(counterparts, e.UserID)

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		cand, err := c.selector.Select(ctx, e.Topic, e.Difficulty, e.UserID, excluded)
		if err != nil {
			return err
		}
		if cand == nil {
			break
		}

		questionID, err := c.questions.RandomQuestion(ctx, e.Topic, e.Difficulty)
		if err != nil {
			return fmt.Errorf("matching: resolve question: %w", err)
		}
		if questionID == "" {
			// Hard business failure: unwind the tentative pairing. The
			// delete carries the same guard as the claim below; losing it
			// means a concurrent requester claimed the candidate during
			// the question lookup, so the search restarts.
			err := c.records.DeleteConditional(ctx, cand.ID,
				model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)})
			if errors.Is(err, store.ErrStale) {
				continue
			}
			if err != nil {
				return err
			}
			c.notify(ctx, cand.ConnectionHandle, EventQuestionError, nil)
			c.notify(ctx, e.ConnectionHandle, EventQuestionError, nil)
			metrics.MatchFailures.WithLabelValues("no_question").Inc()
			metrics.WaitingRequests.Dec()
			return nil
		}

		claimed, err := c.records.UpdateConditional(ctx, cand.ID,
			model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)},
			model.RecordUpdate{
				Matched:       model.Ptr(true),
				MatchedUserID: &e.UserID,
				IsPending:     model.Ptr(true),
				QuestionID:    &questionID,
			})
		if errors.Is(err, store.ErrStale) {
			// Lost the candidate to a concurrent requester or a timeout;
			// restart the search.
			continue
		}
		if err != nil {
			return err
		}

		// The claimed side gets its confirmation deadline before anything
		// else can fail; an orphaned claim is then always swept by expiry.
		c.scheduleConfirmTimeout(ctx, claimed.ID)

		rec, err := c.records.Create(ctx, model.CreateMatchRecordParams{
			UserID:           e.UserID,
			Topic:            e.Topic,
			Difficulty:       e.Difficulty,
			ConnectionHandle: e.ConnectionHandle,
			RoomID:           claimed.RoomID,
			Matched:          true,
			MatchedUserID:    model.Ptr(claimed.UserID),
			IsPending:        true,
			QuestionID:       &questionID,
		})
		if err != nil {
			return err
		}

		c.notify(ctx, claimed.ConnectionHandle, EventMatched, MatchedNotice{
			PartnerID:  e.UserID,
			RoomID:     claimed.RoomID,
			QuestionID: questionID,
		})
		c.notify(ctx, rec.ConnectionHandle, EventMatched, MatchedNotice{
			PartnerID:  claimed.UserID,
			RoomID:     claimed.RoomID,
			QuestionID: questionID,
		})

		c.scheduleConfirmTimeout(ctx, rec.ID)

		metrics.MatchesFormed.Inc()
		metrics.WaitingRequests.Dec()
		metrics.TimeToMatch.Observe(time.Since(claimed.CreatedAt).Seconds())

		c.log.Info().
			Str("user", e.UserID).Str("partner", claimed.UserID).
			Str("room", claimed.RoomID).Str("question", questionID).
			Msg("pairing proposed")
		return nil
	}

	// No candidate: wait for one to arrive, bounded by the request timeout.
	rec, err := c.records.Create(ctx, model.CreateMatchRecordParams{
		UserID:           e.UserID,
		Topic:            e.Topic,
		Difficulty:       e.Difficulty,
		ConnectionHandle: e.ConnectionHandle,
		RoomID:           uuid.New().String(),
	})
	if err != nil {
		return err
	}

	c.scheduleRequestTimeout(ctx, e.UserID, e.ConnectionHandle)
	metrics.WaitingRequests.Inc()

	c.log.Info().Str("user", e.UserID).Int64("record", rec.ID).
		Str("topic", e.Topic).Str("difficulty", e.Difficulty).
		Msg("waiting for match")
	return nil
}

// handleConfirm records one side's consent. The second consent finalizes
// the session; a missing counterpart surfaces the decline path.
func (c *Coordinator) handleConfirm(ctx context.Context, e ConfirmEvent) error {
	unlockUser := c.locks.lock(userKey(e.UserID))
	defer unlockUser()

	userRec, matchedRec, err := c.findPair(ctx, e.UserID)
	if err != nil {
		return err
	}
	if userRec == nil && matchedRec == nil {
		// Both sides already terminal (success or expiry); late or
		// duplicate confirm is a no-op.
		return nil
	}

	room := roomOf(userRec, matchedRec)
	unlockRoom := c.locks.lock(roomKey(room))
	defer unlockRoom()

	// Re-read under the room lock; the pair may have moved on while we
	// waited for it.
	userRec, matchedRec, err = c.findPair(ctx, e.UserID)
	if err != nil {
		return err
	}

	switch {
	case userRec == nil && matchedRec == nil:
		return nil
	case userRec == nil || matchedRec == nil:
		// One side already expired or disconnected: the survivor's attempt
		// is over.
		return c.archiveAndNotify(ctx, survivor(userRec, matchedRec), EventOtherDeclined, "declined")
	}

	if userRec.IsConfirmed {
		// Duplicate confirm: exactly one state change already happened.
		return nil
	}

	userRec, err = c.records.UpdateConditional(ctx, userRec.ID,
		model.RecordGuard{IsPending: model.Ptr(true), IsConfirmed: model.Ptr(false), IsArchived: model.Ptr(false)},
		model.RecordUpdate{IsConfirmed: model.Ptr(true)})
	if errors.Is(err, store.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}

	if !matchedRec.IsConfirmed {
		c.notify(ctx, matchedRec.ConnectionHandle, EventOtherAccepted, nil)
		return nil
	}

	return c.finalizeSession(ctx, userRec, matchedRec)
}

// finalizeSession archives both confirmed records, appends the session
// history row, and notifies both parties. It runs under the room lock, so
// it executes at most once per pairing.
func (c *Coordinator) finalizeSession(ctx context.Context, userRec, matchedRec *model.MatchRecord) error {
	for _, rec := range []*model.MatchRecord{userRec, matchedRec} {
		if _, err := c.records.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{IsArchived: model.Ptr(false)},
			model.RecordUpdate{IsArchived: model.Ptr(true)},
		); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
	}

	questionID := userRec.Question()
	if questionID == "" {
		questionID = matchedRec.Question()
	}

	if _, err := c.history.Create(ctx, model.CreateSessionHistoryParams{
		UserOneID:  userRec.UserID,
		UserTwoID:  matchedRec.UserID,
		RoomID:     userRec.RoomID,
		QuestionID: questionID,
	}); err != nil {
		return err
	}

	notice := MatchedNotice{RoomID: userRec.RoomID, QuestionID: questionID}
	notice.PartnerID = matchedRec.UserID
	c.notify(ctx, userRec.ConnectionHandle, EventMatchingSuccess, notice)
	notice.PartnerID = userRec.UserID
	c.notify(ctx, matchedRec.ConnectionHandle, EventMatchingSuccess, notice)

	metrics.SessionsCreated.Inc()

	c.log.Info().
		Str("user_one", userRec.UserID).Str("user_two", matchedRec.UserID).
		Str("room", userRec.RoomID).
		Msg("session confirmed")
	return nil
}

// handleDecline terminates a pairing at one side's request.
func (c *Coordinator) handleDecline(ctx context.Context, e DeclineEvent) error {
	unlockUser := c.locks.lock(userKey(e.UserID))
	defer unlockUser()

	userRec, matchedRec, err := c.findPair(ctx, e.UserID)
	if err != nil {
		return err
	}
	if userRec == nil && matchedRec == nil {
		return nil
	}

	room := roomOf(userRec, matchedRec)
	unlockRoom := c.locks.lock(roomKey(room))
	defer unlockRoom()

	userRec, matchedRec, err = c.findPair(ctx, e.UserID)
	if err != nil {
		return err
	}

	switch {
	case userRec == nil && matchedRec == nil:
		return nil
	case userRec == nil || matchedRec == nil:
		return c.archiveAndNotify(ctx, survivor(userRec, matchedRec), EventOtherDeclined, "declined")
	}

	for _, rec := range []*model.MatchRecord{userRec, matchedRec} {
		if _, err := c.records.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{IsArchived: model.Ptr(false)},
			model.RecordUpdate{IsArchived: model.Ptr(true)},
		); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
	}

	c.notify(ctx, matchedRec.ConnectionHandle, EventOtherDeclined, nil)
	c.notify(ctx, userRec.ConnectionHandle, EventMatchingFail, nil)
	c.notify(ctx, matchedRec.ConnectionHandle, EventMatchingFail, nil)

	metrics.MatchFailures.WithLabelValues("declined").Inc()

	c.log.Info().Str("user", e.UserID).Str("partner", matchedRec.UserID).
		Msg("pairing declined")
	return nil
}

// handleRequestTimeout expires a waiting record that never found a match.
// The archive is guarded on matched=false, so a pairing formed between the
// timer being scheduled and firing wins the race and the timeout no-ops.
func (c *Coordinator) handleRequestTimeout(ctx context.Context, e RequestTimeoutEvent) error {
	unlock := c.locks.lock(userKey(e.UserID))
	defer unlock()

	rec, err := c.records.Find(ctx, model.RecordFilter{
		UserID:           &e.UserID,
		ConnectionHandle: &e.ConnectionHandle,
		IsPending:        model.Ptr(false),
		IsArchived:       model.Ptr(false),
	})
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if _, err := c.records.UpdateConditional(ctx, rec.ID,
		model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)},
		model.RecordUpdate{IsArchived: model.Ptr(true)},
	); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil
		}
		return err
	}

	c.notify(ctx, rec.ConnectionHandle, EventTimeout, nil)
	metrics.MatchFailures.WithLabelValues("timeout").Inc()
	metrics.WaitingRequests.Dec()

	c.log.Info().Str("user", e.UserID).Int64("record", rec.ID).
		Msg("request timed out")
	return nil
}

// handleConfirmTimeout independently expires one side of a pairing. The
// other side's next action or timeout surfaces the missing-counterpart
// path. Safe under duplicate delivery: at most one archive, at most one
// notification.
func (c *Coordinator) handleConfirmTimeout(ctx context.Context, e ConfirmTimeoutEvent) error {
	rec, err := c.records.Find(ctx, model.RecordFilter{ID: &e.RecordID})
	if err != nil {
		return err
	}
	if rec == nil || rec.IsArchived {
		return nil
	}

	unlockUser := c.locks.lock(userKey(rec.UserID))
	defer unlockUser()
	unlockRoom := c.locks.lock(roomKey(rec.RoomID))
	defer unlockRoom()

	if _, err := c.records.UpdateConditional(ctx, rec.ID,
		model.RecordGuard{IsArchived: model.Ptr(false)},
		model.RecordUpdate{IsArchived: model.Ptr(true)},
	); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil
		}
		return err
	}

	c.notify(ctx, rec.ConnectionHandle, EventMatchingFail, nil)
	metrics.MatchFailures.WithLabelValues("confirm_timeout").Inc()

	c.log.Info().Str("user", rec.UserID).Int64("record", rec.ID).
		Msg("confirmation timed out")
	return nil
}

// handleDisconnect fences every record held by a dropped connection. No
// notification is sent; the connection is gone. The peer, if any, learns
// through the missing-counterpart path on their next action or timeout.
func (c *Coordinator) handleDisconnect(ctx context.Context, e DisconnectEvent) error {
	recs, err := c.records.FindMany(ctx, model.RecordFilter{
		ConnectionHandle: &e.ConnectionHandle,
		IsArchived:       model.Ptr(false),
	})
	if err != nil {
		return err
	}

	for i := range recs {
		rec := &recs[i]

		unlockUser := c.locks.lock(userKey(rec.UserID))
		unlockRoom := c.locks.lock(roomKey(rec.RoomID))

		_, err := c.records.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{IsArchived: model.Ptr(false)},
			model.RecordUpdate{IsArchived: model.Ptr(true)})

		unlockRoom()
		unlockUser()

		if err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
		if err == nil {
			if !rec.Matched {
				metrics.WaitingRequests.Dec()
			}
			metrics.MatchFailures.WithLabelValues("disconnected").Inc()
			c.log.Info().Str("user", rec.UserID).Int64("record", rec.ID).
				Msg("archived record for dropped connection")
		}
	}
	return nil
}

// findPair loads the caller's pending record and the counterpart record
// that references the caller. Either may be nil.
func (c *Coordinator) findPair(ctx context.Context, userID string) (userRec, matchedRec *model.MatchRecord, err error) {
	userRec, err = c.records.Find(ctx, model.RecordFilter{
		UserID:     &userID,
		IsPending:  model.Ptr(true),
		IsArchived: model.Ptr(false),
	})
	if err != nil {
		return nil, nil, err
	}

	matchedRec, err = c.records.Find(ctx, model.RecordFilter{
		MatchedUserID: &userID,
		IsPending:     model.Ptr(true),
		IsArchived:    model.Ptr(false),
	})
	if err != nil {
		return nil, nil, err
	}
	return userRec, matchedRec, nil
}

// archiveAndNotify terminates a single surviving record. If a racing event
// archived it first, neither the archive nor the notification happens
// twice.
func (c *Coordinator) archiveAndNotify(ctx context.Context, rec *model.MatchRecord, event, reason string) error {
	_, err := c.records.UpdateConditional(ctx, rec.ID,
		model.RecordGuard{IsArchived: model.Ptr(false)},
		model.RecordUpdate{IsArchived: model.Ptr(true)})
	if errors.Is(err, store.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}

	c.notify(ctx, rec.ConnectionHandle, event, nil)
	metrics.MatchFailures.WithLabelValues(reason).Inc()
	return nil
}

// notify is fire-and-forget: a failed delivery is logged and never rolls
// back a committed transition.
func (c *Coordinator) notify(ctx context.Context, handle, event string, payload any) {
	if err := c.notifier.Notify(ctx, handle, event, payload); err != nil {
		c.log.Error().Err(err).Str("handle", handle).Str("event", event).
			Msg("notification delivery failed")
	}
}

func (c *Coordinator) scheduleRequestTimeout(ctx context.Context, userID, handle string) {
	payload, _ := json.Marshal(RequestTimeoutEvent{UserID: userID, ConnectionHandle: handle})
	if err := c.scheduler.ScheduleAfter(ctx, c.requestTimeout, messaging.SubjectRequestTimeout, payload); err != nil {
		c.log.Error().Err(err).Str("user", userID).Msg("failed to schedule request timeout")
	}
}

func (c *Coordinator) scheduleConfirmTimeout(ctx context.Context, recordID int64) {
	payload, _ := json.Marshal(ConfirmTimeoutEvent{RecordID: recordID})
	if err := c.scheduler.ScheduleAfter(ctx, c.confirmTimeout, messaging.SubjectConfirmTimeout, payload); err != nil {
		c.log.Error().Err(err).Int64("record", recordID).Msg("failed to schedule confirm timeout")
	}
}

func roomOf(a, b *model.MatchRecord) string {
	if a != nil {
		return a.RoomID
	}
	return b.RoomID
}

func survivor(a, b *model.MatchRecord) *model.MatchRecord {
	if a != nil {
		return a
	}
	return b
}
