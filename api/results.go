package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/khma-io/khma-node/storage"
)

// pollResults serves the aggregated results of a poll. The stored snapshot
// is preferred; a missing snapshot is built on demand. Results below the
// poll's anonymity floor come back with Released=false and no totals.
// GET /polls/{pollId}/results
func (a *API) pollResults(w http.ResponseWriter, r *http.Request) {
	p, apierr := a.visiblePoll(chi.URLParam(r, PollURLParam))
	if apierr != nil {
		apierr.Write(w)
		return
	}
	results, err := a.storage.Results(p.ID)
	if errors.Is(err, storage.ErrNotFound) && a.agg != nil {
		results, err = a.agg.Aggregate(p.ID, time.Now())
	}
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, results)
}

// listRegions serves the region reference data.
// GET /regions
func (a *API) listRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := a.storage.Regions()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, regions)
}
