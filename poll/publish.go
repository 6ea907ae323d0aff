package poll

import (
	"fmt"
	"time"

	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// Publish validates a draft poll and moves it to scheduled or active,
// depending on whether its window has already opened. A poll whose
// estimated audience is below its k-anonymity floor is still published, but
// carries a warning that results may stay suppressed.
func Publish(s *storage.Storage, pollID string, now time.Time) (*types.Poll, error) {
	p, err := s.Poll(pollID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.PollStatusDraft {
		return nil, fmt.Errorf("poll %s is %s, only drafts can be published", pollID, p.Status)
	}
	if err := validateStructure(s, p, now); err != nil {
		return nil, err
	}

	warning := ""
	audience, err := EstimateAudience(s, p.Audience, now)
	if err != nil {
		return nil, err
	}
	if audience < p.MinK {
		warning = fmt.Sprintf(
			"estimated audience %d is below the anonymity floor %d; results may remain suppressed",
			audience, p.MinK)
		log.Warnw("publishing poll below anonymity floor",
			"poll", pollID, "audience", audience, "minK", p.MinK)
	}

	status := types.PollStatusScheduled
	if p.Window(now) {
		status = types.PollStatusActive
	}
	if err := s.UpdatePoll(pollID, func(p *types.Poll) error {
		p.Status = status
		p.PublishedAt = &now
		p.PublishWarning = warning
		return nil
	}); err != nil {
		return nil, err
	}
	return s.Poll(pollID)
}

// validateStructure checks that the poll is complete enough to be voted on.
func validateStructure(s *storage.Storage, p *types.Poll, now time.Time) error {
	if !p.EndTime.After(p.StartTime) {
		return fmt.Errorf("poll window is empty")
	}
	if !p.EndTime.After(now) {
		return fmt.Errorf("poll window already closed")
	}
	if err := p.Audience.Validate(); err != nil {
		return fmt.Errorf("invalid audience rules: %w", err)
	}
	switch p.Type {
	case types.PollTypeElection, types.PollTypeReferendum:
		options, err := s.PollOptions(p.ID)
		if err != nil {
			return err
		}
		if len(options) < 2 {
			return fmt.Errorf("%s needs at least 2 options, has %d", p.Type, len(options))
		}
	case types.PollTypeSurvey:
		questions, err := s.SurveyQuestions(p.ID)
		if err != nil {
			return err
		}
		if len(questions) < 1 {
			return fmt.Errorf("survey needs at least 1 question")
		}
	default:
		return fmt.Errorf("unknown poll type %q", p.Type)
	}
	return nil
}

// Transition advances a poll's status along its window: scheduled polls
// whose window opened become active, active polls whose window closed
// become ended. Returns the new status, or "" when nothing changed.
func Transition(s *storage.Storage, p *types.Poll, now time.Time) (types.PollStatus, error) {
	var next types.PollStatus
	switch {
	case p.Status == types.PollStatusScheduled && p.Window(now):
		next = types.PollStatusActive
	case (p.Status == types.PollStatusScheduled || p.Status == types.PollStatusActive) &&
		now.After(p.EndTime):
		next = types.PollStatusEnded
	default:
		return "", nil
	}
	if err := s.UpdatePoll(p.ID, func(p *types.Poll) error {
		p.Status = next
		return nil
	}); err != nil {
		return "", err
	}
	return next, nil
}
