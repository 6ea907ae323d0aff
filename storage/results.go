package storage

import (
	"github.com/khma-io/khma-node/types"
)

// SetResults stores the latest aggregation snapshot of a poll. Snapshots
// are rebuilt by the aggregation worker; only the newest one is kept.
func (s *Storage) SetResults(results *types.PollResults) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.setArtifact(resultsPrefix, []byte(results.PollID), results)
}

// Results retrieves the latest aggregation snapshot of a poll.
func (s *Storage) Results(pollID string) (*types.PollResults, error) {
	results := &types.PollResults{}
	if err := s.getArtifact(resultsPrefix, []byte(pollID), results); err != nil {
		return nil, err
	}
	return results, nil
}
