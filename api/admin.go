package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/poll"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// defaultMinK is the anonymity floor applied to polls created without one.
const defaultMinK = 30

// adminListPolls returns every poll regardless of status.
// GET /admin/polls
func (a *API) adminListPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := a.storage.ListPolls()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, polls)
}

// adminCreatePoll creates a draft poll with its options or questions.
// POST /admin/polls
func (a *API) adminCreatePoll(w http.ResponseWriter, r *http.Request) {
	req := &AdminPollRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	if err := validatePollRequest(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	minK := req.MinK
	if minK <= 0 {
		minK = a.defaultMinK
	}
	if minK <= 0 {
		minK = defaultMinK
	}
	p := &types.Poll{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Status:      types.PollStatusDraft,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Audience:    req.Audience,
		MinK:        minK,
		Reward:      req.Reward,
	}
	if err := a.storage.SetPoll(p); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	for i, label := range req.Options {
		if err := a.storage.SetPollOption(&types.PollOption{
			ID:     uuid.NewString(),
			PollID: p.ID,
			Index:  i,
			Label:  label,
		}); err != nil {
			ErrGenericInternalServerError.WithErr(err).Write(w)
			return
		}
	}
	for i, q := range req.Questions {
		q.PollID = p.ID
		q.Index = i
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		for j := range q.Options {
			if q.Options[j].ID == "" {
				q.Options[j].ID = uuid.NewString()
			}
			q.Options[j].Index = j
		}
		if err := a.storage.SetSurveyQuestion(q); err != nil {
			ErrGenericInternalServerError.WithErr(err).Write(w)
			return
		}
	}
	log.Infow("poll created", "poll", p.ID, "type", p.Type)
	httpWriteJSON(w, p)
}

// adminPublishPoll validates and publishes a draft poll.
// POST /admin/polls/{pollId}/publish
func (a *API) adminPublishPoll(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, PollURLParam)
	p, err := poll.Publish(a.storage, pollID, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		ErrPollNotFound.Write(w)
		return
	}
	if err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	log.Infow("poll published", "poll", p.ID, "status", p.Status,
		"warning", p.PublishWarning)
	httpWriteJSON(w, p)
}

// adminDeletePoll removes a poll and everything under it.
// DELETE /admin/polls/{pollId}
func (a *API) adminDeletePoll(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, PollURLParam)
	if _, err := a.storage.Poll(pollID); errors.Is(err, storage.ErrNotFound) {
		ErrPollNotFound.Write(w)
		return
	}
	if err := a.storage.DeletePoll(pollID); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	log.Infow("poll deleted", "poll", pollID)
	httpWriteOK(w)
}

// adminSetRegion upserts a region reference row.
// POST /admin/regions
func (a *API) adminSetRegion(w http.ResponseWriter, r *http.Request) {
	region := &types.Region{}
	if !decodeJSON(w, r, region) {
		return
	}
	if region.Code == "" || region.NameEN == "" {
		ErrMalformedBody.With("region code and name are required").Write(w)
		return
	}
	if err := a.storage.SetRegion(region); err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, region)
}

func validatePollRequest(req *AdminPollRequest) error {
	if req.Title == "" {
		return fmt.Errorf("missing title")
	}
	switch req.Type {
	case types.PollTypeElection, types.PollTypeReferendum, types.PollTypeSurvey:
	default:
		return fmt.Errorf("unknown poll type %q", req.Type)
	}
	if !req.EndTime.After(req.StartTime) {
		return fmt.Errorf("poll window is empty")
	}
	if err := req.Audience.Validate(); err != nil {
		return err
	}
	return nil
}
