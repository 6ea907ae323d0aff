// Package ledger anchors audit chain digests on an external ledger, so the
// chain's history cannot be silently rewritten even by the node operator.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/types"
)

// anchorGasLimit covers a plain data-carrying transfer.
const anchorGasLimit = 100_000

// Client publishes digests to an external ledger.
type Client interface {
	// Anchor publishes the digest and returns the ledger transaction id.
	Anchor(ctx context.Context, digest types.HexBytes) (types.HexBytes, error)
	// Health checks ledger connectivity.
	Health(ctx context.Context) error
}

// EthClient anchors digests as zero-value self-transactions carrying the
// digest in the data field.
type EthClient struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	from   common.Address
}

var _ Client = (*EthClient)(nil)

// NewEthClient connects to an Ethereum-compatible RPC endpoint. The private
// key is the hex-encoded anchoring key.
func NewEthClient(rpcURL, privateKeyHex string) (*EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse ledger key: %w", err)
	}
	return &EthClient{
		client: client,
		key:    key,
		from:   ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (c *EthClient) Anchor(ctx context.Context, digest types.HexBytes) (types.HexBytes, error) {
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger chain id: %w", err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("ledger nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger gas price: %w", err)
	}
	tx := ethtypes.NewTransaction(nonce, c.from, big.NewInt(0), anchorGasLimit, gasPrice, digest)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign anchor tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send anchor tx: %w", err)
	}
	log.Infow("anchored digest", "tx", signed.Hash().Hex())
	return signed.Hash().Bytes(), nil
}

func (c *EthClient) Health(ctx context.Context) error {
	if _, err := c.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	return nil
}

// MockClient is an in-process ledger for development and tests. Transaction
// ids are deterministic digests of the anchored payloads.
type MockClient struct {
	mu      sync.Mutex
	Anchors []types.HexBytes
	Fail    error // when set, Anchor returns this error
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Anchor(_ context.Context, digest types.HexBytes) (types.HexBytes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	m.Anchors = append(m.Anchors, append(types.HexBytes(nil), digest...))
	txid := sha256.Sum256(digest)
	return txid[:], nil
}

func (m *MockClient) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fail
}
