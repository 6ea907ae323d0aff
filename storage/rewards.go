package storage

import (
	"github.com/khma-io/khma-node/types"
)

// SetRewardReceipt stores a participation reward receipt, keyed by poll and
// credential so a credential earns at most one reward per poll.
func (s *Storage) SetRewardReceipt(receipt *types.RewardReceipt) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.setArtifact(rewardPrefix,
		compositeKey(receipt.PollID, receipt.PersonalHash.Hex()), receipt)
}

// RewardReceipt retrieves a receipt of a credential for a poll.
func (s *Storage) RewardReceipt(pollID string, personalHash types.HexBytes) (*types.RewardReceipt, error) {
	receipt := &types.RewardReceipt{}
	if err := s.getArtifact(rewardPrefix,
		compositeKey(pollID, personalHash.Hex()), receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// PendingRewards returns all receipts still waiting for dispatch.
func (s *Storage) PendingRewards() ([]*types.RewardReceipt, error) {
	var pending []*types.RewardReceipt
	err := s.iterateArtifacts(rewardPrefix, func(_, v []byte) bool {
		receipt := &types.RewardReceipt{}
		if err := DecodeArtifact(v, receipt); err != nil {
			return true
		}
		if receipt.Status == types.RewardPending {
			pending = append(pending, receipt)
		}
		return true
	})
	return pending, err
}
