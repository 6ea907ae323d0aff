package workers

import (
	"context"
	"time"

	"github.com/khma-io/khma-node/aggregator"
	"github.com/khma-io/khma-node/ledger"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/poll"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// Default worker cadences.
const (
	PollMonitorInterval    = 30 * time.Second
	ChainVerifyInterval    = 5 * time.Minute
	AnchorInterval         = time.Minute
	ResultsInterval        = time.Minute
	RewardInterval         = time.Minute
	SessionJanitorInterval = time.Minute

	// AnchorBatchSize triggers an anchor as soon as this many entries
	// accumulated past the last anchor, independent of the interval.
	AnchorBatchSize = 100
)

// NewPollMonitor moves scheduled polls into their window and closes active
// polls whose window ended.
func NewPollMonitor(stg *storage.Storage) Worker {
	return Worker{
		Name:     "poll-monitor",
		Interval: PollMonitorInterval,
		Run: func(context.Context) error {
			polls, err := stg.ListPolls(types.PollStatusScheduled, types.PollStatusActive)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, p := range polls {
				next, err := poll.Transition(stg, p, now)
				if err != nil {
					return err
				}
				if next != "" {
					log.Infow("poll transitioned", "poll", p.ID, "status", next)
				}
			}
			return nil
		},
	}
}

// NewChainVerifier periodically recomputes the audit chain. Corruption is a
// fatal integrity event: the node drops into read-only mode and stays there
// until an operator intervenes.
func NewChainVerifier(stg *storage.Storage) Worker {
	return Worker{
		Name:     "chain-verifier",
		Interval: ChainVerifyInterval,
		Run: func(context.Context) error {
			if err := stg.VerifyChain(); err != nil {
				stg.SetReadOnly(true)
				log.Errorw(err, "FATAL: audit chain verification failed, node is now read-only")
				return err
			}
			return nil
		},
	}
}

// NewAnchorSubmitter publishes the chain head digest to the external
// ledger whenever enough new entries accumulated, or at the latest on its
// interval. The ledger call happens outside any storage transaction.
func NewAnchorSubmitter(stg *storage.Storage, client ledger.Client) Worker {
	var lastAttempt time.Time
	return Worker{
		Name:     "anchor-submitter",
		Interval: AnchorInterval,
		Run: func(ctx context.Context) error {
			head, err := stg.ChainHead()
			if err != nil {
				return err
			}
			pending := head.Seq - head.LastAnchor
			if pending == 0 {
				return nil
			}
			if pending < AnchorBatchSize && time.Since(lastAttempt) < AnchorInterval {
				return nil
			}
			lastAttempt = time.Now()

			txid, err := client.Anchor(ctx, head.Hash)
			if err != nil {
				return err
			}
			if err := stg.SetAnchor(head.Seq, txid); err != nil {
				return err
			}
			log.Infow("audit chain anchored", "seq", head.Seq, "pending", pending)
			return nil
		},
	}
}

// NewResultsBuilder rebuilds result snapshots for polls that can still
// change: active polls, and ended polls whose snapshot predates the end.
func NewResultsBuilder(stg *storage.Storage, agg *aggregator.Aggregator) Worker {
	return Worker{
		Name:     "results-builder",
		Interval: ResultsInterval,
		Run: func(context.Context) error {
			polls, err := stg.ListPolls(types.PollStatusActive, types.PollStatusEnded)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, p := range polls {
				if p.Status == types.PollStatusEnded {
					if snap, err := stg.Results(p.ID); err == nil &&
						snap.GeneratedAt.After(p.EndTime) {
						continue // final snapshot already built
					}
				}
				results, err := agg.Aggregate(p.ID, now)
				if err != nil {
					return err
				}
				if err := stg.SetResults(results); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// RewardSender delivers participation rewards. Delivery is external to the
// node; the worker only drives the receipt states.
type RewardSender interface {
	Send(ctx context.Context, receipt *types.RewardReceipt) (txRef string, err error)
}

// NewRewardDispatcher pushes pending reward receipts through the sender.
func NewRewardDispatcher(stg *storage.Storage, sender RewardSender) Worker {
	return Worker{
		Name:     "reward-dispatcher",
		Interval: RewardInterval,
		Run: func(ctx context.Context) error {
			pending, err := stg.PendingRewards()
			if err != nil {
				return err
			}
			for _, receipt := range pending {
				txRef, err := sender.Send(ctx, receipt)
				now := time.Now().UTC()
				if err != nil {
					log.Warnw("reward dispatch failed",
						"poll", receipt.PollID, "error", err)
					receipt.Status = types.RewardFailed
				} else {
					receipt.Status = types.RewardDispatched
					receipt.TxRef = txRef
					receipt.DispatchedAt = &now
				}
				if err := stg.SetRewardReceipt(receipt); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// NewSessionJanitor removes expired enrollment sessions.
func NewSessionJanitor(stg *storage.Storage) Worker {
	return Worker{
		Name:     "session-janitor",
		Interval: SessionJanitorInterval,
		Run: func(context.Context) error {
			purged, err := stg.PurgeExpiredEnrollmentSessions(time.Now())
			if err != nil {
				return err
			}
			if purged > 0 {
				log.Debugw("purged expired enrollment sessions", "count", purged)
			}
			return nil
		},
	}
}
