package matching

import (
	"context"
	"fmt"

	"github.com/peermatch/match-service/internal/model"
	"github.com/peermatch/match-service/internal/store"
)

// Selector finds the best waiting counterpart for a requester. It searches
// in four ordered tiers, returning the first hit:
//
//  1. same topic and difficulty, excluding previously paired users
//  2. same topic, any difficulty, excluding previously paired users
//  3. same topic and difficulty, excluding only the requester
//  4. same topic, any difficulty, excluding only the requester
//
// The order prefers a quality match over novelty, but prefers any match
// over a perfect one. Within a tier the oldest waiting record wins, so
// selection is deterministic. Pure read; claiming the candidate is the
// coordinator's job.
type Selector struct {
	records store.MatchRecordRepository
}

// NewSelector creates a Selector over the given record repository.
func NewSelector(records store.MatchRecordRepository) *Selector {
	return &Selector{records: records}
}

// Select returns the best waiting candidate, or nil if no one fits.
// excludedUserIDs must already contain the requester's own id.
func (s *Selector) Select(ctx context.Context, topic, difficulty, requesterID string, excludedUserIDs []string) (*model.MatchRecord, error) {
	selfOnly := []string{requesterID}

	tiers := []struct {
		difficulty string
		excluded   []string
	}{
		{difficulty, excludedUserIDs},
		{"", excludedUserIDs},
		{difficulty, selfOnly},
		{"", selfOnly},
	}

	for _, tier := range tiers {
		rec, err := s.records.OldestWaiting(ctx, topic, tier.difficulty, tier.excluded)
		if err != nil {
			return nil, fmt.Errorf("matching: select candidate: %w", err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}
