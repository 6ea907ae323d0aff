// Package aggregator computes poll result snapshots under the k-anonymity
// rules: option tallies are released only when the poll total clears the
// poll's k floor, and demographic cells below the floor are suppressed,
// with complementary suppression so a single hidden cell cannot be
// recovered by subtraction.
package aggregator

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// DefaultMinK is the anonymity floor applied to polls that do not set one.
const DefaultMinK = 30

// noiseScale is the Laplace scale applied to cell counts when noise is
// enabled. Counts stay within a few units of the truth.
const noiseScale = 2.0

// Aggregator builds PollResults snapshots from stored votes.
type Aggregator struct {
	stg         *storage.Storage
	enableNoise bool
}

// New creates an Aggregator. With enableNoise set, released demographic
// cell counts carry deterministic Laplace noise.
func New(stg *storage.Storage, enableNoise bool) *Aggregator {
	return &Aggregator{stg: stg, enableNoise: enableNoise}
}

// Aggregate computes the current results snapshot of a poll. It never
// writes; callers persist the snapshot with storage.SetResults.
func (a *Aggregator) Aggregate(pollID string, now time.Time) (*types.PollResults, error) {
	p, err := a.stg.Poll(pollID)
	if err != nil {
		return nil, err
	}
	minK := p.MinK
	if minK <= 0 {
		minK = DefaultMinK
	}

	optionCounts := map[string]int{}
	cellCounts := map[string]*types.CellTally{}
	total := 0
	err = a.stg.IterateVotes(pollID, func(vote *types.Vote) bool {
		total++
		if vote.OptionID != "" {
			optionCounts[vote.OptionID]++
		}
		for qid, oid := range vote.SurveyResponses {
			optionCounts[qid+"/"+oid]++
		}
		key := vote.Cell.Key()
		if cell, ok := cellCounts[key]; ok {
			cell.Count++
		} else {
			cellCounts[key] = &types.CellTally{Cell: vote.Cell, Count: 1}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	results := &types.PollResults{
		PollID:      pollID,
		Total:       total,
		MinK:        minK,
		Released:    total >= minK,
		GeneratedAt: now.UTC(),
	}
	if !results.Released {
		// Below the floor nothing but the floor itself is disclosed; even
		// the exact total stays hidden.
		results.Total = 0
		return results, nil
	}

	results.Options = a.optionTallies(p, optionCounts)
	results.Cells = suppressCells(cellCounts, minK)
	if a.enableNoise {
		applyNoise(pollID, results.Cells)
		results.NoiseApplied = true
	}
	return results, nil
}

// optionTallies resolves counted option ids to labeled tallies, in declared
// option order. Unknown ids (removed options) are dropped.
func (a *Aggregator) optionTallies(p *types.Poll, counts map[string]int) []types.OptionTally {
	var tallies []types.OptionTally
	switch p.Type {
	case types.PollTypeSurvey:
		questions, err := a.stg.SurveyQuestions(p.ID)
		if err != nil {
			return nil
		}
		for _, q := range questions {
			for _, opt := range q.Options {
				key := q.ID + "/" + opt.ID
				tallies = append(tallies, types.OptionTally{
					OptionID: key,
					Label:    opt.Label,
					Count:    counts[key],
				})
			}
		}
	default:
		options, err := a.stg.PollOptions(p.ID)
		if err != nil {
			return nil
		}
		for _, opt := range options {
			tallies = append(tallies, types.OptionTally{
				OptionID: opt.ID,
				Label:    opt.Label,
				Count:    counts[opt.ID],
			})
		}
	}
	return tallies
}

// suppressCells hides every cell below the floor and, when exactly one cell
// got hidden, additionally hides the smallest released cell so the hidden
// count cannot be recovered from the total.
func suppressCells(cells map[string]*types.CellTally, minK int) []types.CellTally {
	out := make([]types.CellTally, 0, len(cells))
	for _, cell := range cells {
		out = append(out, *cell)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell.Key() < out[j].Cell.Key() })

	suppressed := 0
	for i := range out {
		if out[i].Count < minK {
			out[i].Suppressed = true
			out[i].Count = 0
			suppressed++
		}
	}
	if suppressed == 1 {
		smallest := -1
		for i := range out {
			if out[i].Suppressed {
				continue
			}
			if smallest < 0 || out[i].Count < out[smallest].Count {
				smallest = i
			}
		}
		if smallest >= 0 {
			out[smallest].Suppressed = true
			out[smallest].Count = 0
		}
	}
	return out
}

// applyNoise perturbs released cell counts with Laplace noise seeded from
// the poll and cell identity, so repeated aggregations of the same data
// report the same values and the noise cannot be averaged away.
func applyNoise(pollID string, cells []types.CellTally) {
	for i := range cells {
		if cells[i].Suppressed {
			continue
		}
		seed := sha256.Sum256([]byte(pollID + "|" + cells[i].Cell.Key()))
		rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:8]))))
		u := rng.Float64() - 0.5
		noise := -noiseScale * math.Copysign(1, u) * math.Log(1-2*math.Abs(u))
		noisy := cells[i].Count + int(math.Round(noise))
		if noisy < 0 {
			noisy = 0
		}
		cells[i].Count = noisy
	}
}
