package types

import (
	"fmt"
	"time"
)

// PollType enumerates the supported poll kinds.
type PollType string

const (
	PollTypeElection   PollType = "election"
	PollTypeReferendum PollType = "referendum"
	PollTypeSurvey     PollType = "survey"
)

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollStatusDraft     PollStatus = "draft"
	PollStatusScheduled PollStatus = "scheduled"
	PollStatusActive    PollStatus = "active"
	PollStatusEnded     PollStatus = "ended"
	PollStatusArchived  PollStatus = "archived"
)

// AudienceRules restricts who may vote in a poll. The zero value matches the
// whole enrolled universe.
type AudienceRules struct {
	Gender  Gender   `json:"gender,omitempty"`
	Regions []string `json:"regions,omitempty"`
	MinAge  *int     `json:"minAge,omitempty"`
	MaxAge  *int     `json:"maxAge,omitempty"`
}

// Empty reports whether the rules place no restriction at all.
func (r AudienceRules) Empty() bool {
	return (r.Gender == "" || r.Gender == GenderAll) &&
		len(r.Regions) == 0 && r.MinAge == nil && r.MaxAge == nil
}

// Validate checks the enumerated fields of the rules.
func (r AudienceRules) Validate() error {
	switch r.Gender {
	case "", GenderAll, GenderMale, GenderFemale:
	default:
		return fmt.Errorf("invalid gender rule %q", r.Gender)
	}
	if r.MinAge != nil && *r.MinAge < 0 {
		return fmt.Errorf("negative min age")
	}
	if r.MaxAge != nil && *r.MaxAge < 0 {
		return fmt.Errorf("negative max age")
	}
	if r.MinAge != nil && r.MaxAge != nil && *r.MinAge > *r.MaxAge {
		return fmt.Errorf("min age %d above max age %d", *r.MinAge, *r.MaxAge)
	}
	return nil
}

// RewardConfig is the optional per-vote reward attached to a poll.
type RewardConfig struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Poll is a voting process: an election, a referendum or a survey.
type Poll struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Type           PollType      `json:"type"`
	Status         PollStatus    `json:"status"`
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	Audience       AudienceRules `json:"audience"`
	MinK           int           `json:"minK"`
	Reward         *RewardConfig `json:"reward,omitempty"`
	PublishedAt    *time.Time    `json:"publishedAt,omitempty"`
	PublishWarning string        `json:"publishWarning,omitempty"`
}

// PollOption is an ordered choice of an election or referendum poll.
type PollOption struct {
	ID     string `json:"id"`
	PollID string `json:"pollId"`
	Index  int    `json:"index"`
	Label  string `json:"label"`
}

// SurveyQuestion is an ordered question of a survey poll with its own
// ordered options.
type SurveyQuestion struct {
	ID      string           `json:"id"`
	PollID  string           `json:"pollId"`
	Index   int              `json:"index"`
	Text    string           `json:"text"`
	Options []QuestionOption `json:"options"`
}

// QuestionOption is a choice of a survey question.
type QuestionOption struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Label string `json:"label"`
}

// Window reports whether t falls inside the poll's active window.
func (p *Poll) Window(t time.Time) bool {
	return !t.Before(p.StartTime) && !t.After(p.EndTime)
}
