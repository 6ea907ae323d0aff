package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/storage"
)

const (
	chainPageDefault = 100
	chainPageMax     = 1000
)

// chainHead returns the current chain head: sequence, rolling hash and the
// last anchored sequence. Anyone can fetch it and compare against an
// external anchor.
// GET /public/chain/head
func (a *API) chainHead(w http.ResponseWriter, r *http.Request) {
	head, err := a.storage.ChainHead()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, head)
}

// chainEntry returns one chain entry by sequence number. The entry carries
// its own hash and the previous hash, so the caller can check linkage
// against the neighboring entries.
// GET /public/chain/{seq}
func (a *API) chainEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, SeqURLParam), 10, 64)
	if err != nil {
		ErrMalformedParam.Withf("bad sequence number: %v", err).Write(w)
		return
	}
	entry, err := a.storage.ChainEntry(seq)
	if errors.Is(err, storage.ErrNotFound) {
		ErrResourceNotFound.Write(w)
		return
	}
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, entry)
}

// chainEntries returns a page of chain entries starting at ?from=.
// GET /public/chain?from=1&limit=100
func (a *API) chainEntries(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if s := r.URL.Query().Get("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			ErrMalformedParam.Withf("bad from: %v", err).Write(w)
			return
		}
		from = v
	}
	limit := chainPageDefault
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			ErrMalformedParam.With("bad limit").Write(w)
			return
		}
		limit = min(v, chainPageMax)
	}
	entries, err := a.storage.ChainEntries(from, limit)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, entries)
}

// chainVerify recomputes the whole chain from genesis. This is the public
// verifier hook: expensive, but rate limited with the other public reads.
// A corrupted chain is a fatal integrity event and flips the node into
// read-only mode, same as the background verifier.
// GET /public/chain/verify
func (a *API) chainVerify(w http.ResponseWriter, r *http.Request) {
	if err := a.storage.VerifyChain(); err != nil {
		if errors.Is(err, storage.ErrChainCorrupted) {
			a.storage.SetReadOnly(true)
			log.Errorw(err, "FATAL: audit chain verification failed, node is now read-only")
			ErrReadOnlyMode.WithErr(err).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	head, err := a.storage.ChainHead()
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, &ChainVerifyResponse{OK: true, Entries: head.Seq})
}
