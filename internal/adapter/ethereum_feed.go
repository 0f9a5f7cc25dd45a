package adapter

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/logging"
)

const sourceEthereum = "ethereum"

// ethClient is the subset of *ethclient.Client used by the feed
type ethClient interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (ethClient, error)

func dialEthclient(ctx context.Context, url string) (ethClient, error) {
	return ethclient.DialContext(ctx, url)
}

// EthereumFeed streams native ETH transfers from new blocks over a websocket RPC
type EthereumFeed struct {
	endpoints   *EndpointPool
	dial        dialFunc
	limiter     *rate.Limiter
	maxCatchup  uint64
	callTimeout time.Duration
	logger      *logging.Logger
}

// NewEthereumFeed creates a feed from chain configuration
func NewEthereumFeed(cfg *config.ChainConfig, logger *logging.Logger) (*EthereumFeed, error) {
	endpoints, err := NewEndpointPool(ParseEndpoints(cfg.WSURL), cfg.EndpointCooldown)
	if err != nil {
		return nil, err
	}
	rps := cfg.BlockFetchRPS
	if rps <= 0 {
		rps = 10
	}
	maxCatchup := cfg.MaxCatchupBlocks
	if maxCatchup <= 0 {
		maxCatchup = 50
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EthereumFeed{
		endpoints:   endpoints,
		dial:        dialEthclient,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxCatchup:  uint64(maxCatchup), // #nosec G115 - validated positive above
		callTimeout: timeout,
		logger:      logging.OrGlobal(logger).WithComponent("ethereum_feed"),
	}, nil
}

// Endpoints reports the failover pool state
func (f *EthereumFeed) Endpoints() EndpointPoolStatus {
	return f.endpoints.Status()
}

// Stream implements TransferFeed. A session that ends with an error moves the
// next Stream call to the next endpoint.
func (f *EthereumFeed) Stream(ctx context.Context, fromBlock uint64, out chan<- BlockTransfers) error {
	idx, url := f.endpoints.Current()
	err := f.session(ctx, url, fromBlock, out)
	if err == nil || ctx.Err() != nil {
		return err
	}
	rotated := f.endpoints.Failed(idx)
	f.logger.WithError(err).WithFields(map[string]interface{}{
		"endpoint":     idx,
		"rate_limited": IsRateLimitError(err),
		"rotated":      rotated,
	}).Warn("Chain endpoint failed")
	return err
}

func (f *EthereumFeed) session(ctx context.Context, url string, fromBlock uint64, out chan<- BlockTransfers) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	client, err := f.dial(dialCtx, url)
	cancel()
	if err != nil {
		return apperrors.NewFeedDisconnectedError(sourceEthereum, NewAdapterError(sourceEthereum, "Dial", err, nil))
	}
	defer client.Close()

	var chainID *big.Int
	if err := f.call(ctx, func(ctx context.Context) (err error) {
		chainID, err = client.ChainID(ctx)
		return err
	}); err != nil {
		return apperrors.NewFeedDisconnectedError(sourceEthereum, NewAdapterError(sourceEthereum, "ChainID", err, nil))
	}
	signer := ethtypes.LatestSignerForChainID(chainID)

	heads := make(chan *ethtypes.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return apperrors.NewFeedDisconnectedError(sourceEthereum, NewAdapterError(sourceEthereum, "SubscribeNewHead", err, nil))
	}
	defer sub.Unsubscribe()

	var head uint64
	if err := f.call(ctx, func(ctx context.Context) (err error) {
		head, err = client.BlockNumber(ctx)
		return err
	}); err != nil {
		return apperrors.NewFeedDisconnectedError(sourceEthereum, NewAdapterError(sourceEthereum, "BlockNumber", err, nil))
	}

	next := fromBlock
	if next == 0 {
		next = head
	}
	f.logger.WithFields(map[string]interface{}{
		"chain_id": chainID.String(),
		"from":     next,
		"head":     head,
	}).Info("Chain subscription established")

	if err := f.catchUp(ctx, client, signer, &next, head, out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return apperrors.NewFeedDisconnectedError(sourceEthereum, err)
		case h := <-heads:
			if h == nil || h.Number == nil {
				continue
			}
			if err := f.catchUp(ctx, client, signer, &next, h.Number.Uint64(), out); err != nil {
				return err
			}
		}
	}
}

// catchUp delivers blocks next..head in batches of maxCatchup and advances next.
// A failed fetch ends the stream so the caller reconnects from its checkpoint.
func (f *EthereumFeed) catchUp(ctx context.Context, client ethClient, signer ethtypes.Signer, next *uint64, head uint64, out chan<- BlockTransfers) error {
	if *next > head {
		return nil
	}
	if gap := head - *next + 1; gap > f.maxCatchup {
		f.logger.WithFields(map[string]interface{}{
			"from": *next,
			"head": head,
			"gap":  gap,
		}).Warn("Replaying missed blocks")
	}

	for *next <= head {
		end := min(*next+f.maxCatchup-1, head)
		for n := *next; n <= end; n++ {
			bt, err := f.fetchBlock(ctx, client, signer, n)
			if err != nil {
				return err
			}
			select {
			case out <- bt:
			case <-ctx.Done():
				return ctx.Err()
			}
			*next = n + 1
		}
	}
	return nil
}

func (f *EthereumFeed) fetchBlock(ctx context.Context, client ethClient, signer ethtypes.Signer, number uint64) (BlockTransfers, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return BlockTransfers{}, err
	}
	var block *ethtypes.Block
	err := f.call(ctx, func(ctx context.Context) (err error) {
		block, err = client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return BlockTransfers{}, apperrors.NewTransientError("fetch block",
			NewAdapterError(sourceEthereum, "BlockByNumber", err, map[string]interface{}{"block": number}))
	}
	return transfersFromBlock(block, signer), nil
}

func (f *EthereumFeed) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	return fn(callCtx)
}

// transfersFromBlock extracts native value transfers. Contract creations and
// zero-value calls are ignored; transactions whose sender cannot be recovered
// are counted as skipped.
func transfersFromBlock(block *ethtypes.Block, signer ethtypes.Signer) BlockTransfers {
	ts := time.Unix(int64(block.Time()), 0).UTC() // #nosec G115 - block times fit in int64
	bt := BlockTransfers{
		Number:    block.NumberU64(),
		Timestamp: ts,
	}
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		sender, err := ethtypes.Sender(signer, tx)
		if err != nil {
			bt.Skipped++
			continue
		}
		bt.Transfers = append(bt.Transfers, Transfer{
			Hash:        strings.ToLower(tx.Hash().Hex()),
			From:        strings.ToLower(sender.Hex()),
			To:          strings.ToLower(tx.To().Hex()),
			ValueWei:    new(big.Int).Set(tx.Value()),
			BlockNumber: bt.Number,
			Timestamp:   ts,
			GasLimit:    tx.Gas(),
			GasPriceWei: new(big.Int).Set(tx.GasPrice()),
		})
	}
	return bt
}
