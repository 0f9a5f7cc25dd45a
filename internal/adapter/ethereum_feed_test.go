package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/logging"
)

var testChainID = big.NewInt(1)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to *common.Address, value *big.Int) *ethtypes.Transaction {
	t.Helper()
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(30_000_000_000),
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return signed
}

func testBlock(number uint64, txs ...*ethtypes.Transaction) *ethtypes.Block {
	header := &ethtypes.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   1_700_000_000 + number*12,
	}
	return ethtypes.NewBlockWithHeader(header).WithBody(ethtypes.Body{Transactions: txs})
}

func TestTransfersFromBlock(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x28C6c06298d514Db089934071355E5743bf21d60")

	valueTx := signedTx(t, key, 0, &to, ether(850))
	zeroTx := signedTx(t, key, 1, &to, big.NewInt(0))
	createTx := signedTx(t, key, 2, nil, ether(5))
	unsigned := ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: 3, To: &to, Value: ether(1), Gas: 21000, GasPrice: big.NewInt(1)})

	bt := transfersFromBlock(testBlock(100, valueTx, zeroTx, createTx, unsigned), ethtypes.LatestSignerForChainID(testChainID))

	assert.Equal(t, uint64(100), bt.Number)
	assert.Equal(t, time.Unix(1_700_001_200, 0).UTC(), bt.Timestamp)
	assert.Equal(t, 1, bt.Skipped, "unsigned tx has no recoverable sender")
	require.Len(t, bt.Transfers, 1)

	tr := bt.Transfers[0]
	assert.Equal(t, strings.ToLower(valueTx.Hash().Hex()), tr.Hash)
	assert.Equal(t, strings.ToLower(sender.Hex()), tr.From)
	assert.Equal(t, "0x28c6c06298d514db089934071355e5743bf21d60", tr.To)
	assert.Equal(t, 0, tr.ValueWei.Cmp(ether(850)))
	assert.Equal(t, uint64(21000), tr.GasLimit)
	assert.Equal(t, uint64(100), tr.BlockNumber)
}

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

type fakeEthClient struct {
	mu      sync.Mutex
	head    uint64
	blocks  map[uint64]*ethtypes.Block
	fetched []uint64
	failAt  uint64
	heads   chan<- *ethtypes.Header
	sub     *fakeSubscription
	ready   chan struct{}
}

func newFakeEthClient(head uint64, blocks ...*ethtypes.Block) *fakeEthClient {
	c := &fakeEthClient{
		head:   head,
		blocks: make(map[uint64]*ethtypes.Block),
		sub:    newFakeSubscription(),
		ready:  make(chan struct{}),
	}
	for _, b := range blocks {
		c.blocks[b.NumberU64()] = b
	}
	return c
}

func (c *fakeEthClient) SubscribeNewHead(_ context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	c.heads = ch
	close(c.ready)
	return c.sub, nil
}

func (c *fakeEthClient) BlockByNumber(_ context.Context, number *big.Int) (*ethtypes.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := number.Uint64()
	if c.failAt != 0 && n == c.failAt {
		return nil, errors.New("upstream unavailable")
	}
	c.fetched = append(c.fetched, n)
	if b, ok := c.blocks[n]; ok {
		return b, nil
	}
	return testBlock(n), nil
}

func (c *fakeEthClient) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeEthClient) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (c *fakeEthClient) Close() {}

func (c *fakeEthClient) fetchedBlocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.fetched...)
}

func newTestFeed(client ethClient, maxCatchup uint64) *EthereumFeed {
	endpoints, _ := NewEndpointPool([]string{"ws://primary", "ws://backup"}, time.Minute)
	return &EthereumFeed{
		endpoints:   endpoints,
		dial:        func(context.Context, string) (ethClient, error) { return client, nil },
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxCatchup:  maxCatchup,
		callTimeout: time.Second,
		logger:      logging.NewNopLogger(),
	}
}

func TestEthereumFeedCatchUpThenFollowHeads(t *testing.T) {
	client := newFakeEthClient(105)
	feed := newTestFeed(client, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan BlockTransfers, 32)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Stream(ctx, 101, out) }()

	var got []uint64
	for len(got) < 5 {
		got = append(got, (<-out).Number)
	}
	assert.Equal(t, []uint64{101, 102, 103, 104, 105}, got)

	<-client.ready
	client.heads <- &ethtypes.Header{Number: big.NewInt(107)}
	assert.Equal(t, uint64(106), (<-out).Number)
	assert.Equal(t, uint64(107), (<-out).Number)

	// A stale head does not replay anything.
	client.heads <- &ethtypes.Header{Number: big.NewInt(104)}

	client.sub.errCh <- errors.New("connection reset")
	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, []uint64{101, 102, 103, 104, 105, 106, 107}, client.fetchedBlocks())
}

func TestEthereumFeedStartsAtHead(t *testing.T) {
	client := newFakeEthClient(500)
	feed := newTestFeed(client, 50)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan BlockTransfers, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Stream(ctx, 0, out) }()

	assert.Equal(t, uint64(500), (<-out).Number)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestEthereumFeedFetchFailureEndsStream(t *testing.T) {
	client := newFakeEthClient(12)
	client.failAt = 11
	feed := newTestFeed(client, 10)

	out := make(chan BlockTransfers, 8)
	err := feed.Stream(context.Background(), 10, out)

	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(10), (<-out).Number)
}

func TestEthereumFeedDialFailure(t *testing.T) {
	feed := newTestFeed(nil, 10)
	feed.dial = func(context.Context, string) (ethClient, error) { return nil, errors.New("refused") }

	err := feed.Stream(context.Background(), 1, make(chan BlockTransfers))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "Dial", adapterErr.Op)
}

func TestEthereumFeedRotatesEndpointAfterFailure(t *testing.T) {
	client := newFakeEthClient(20)
	feed := newTestFeed(client, 10)

	var dialed []string
	feed.dial = func(_ context.Context, url string) (ethClient, error) {
		dialed = append(dialed, url)
		if url == "ws://primary" {
			return nil, errors.New("429 Too Many Requests")
		}
		return client, nil
	}

	err := feed.Stream(context.Background(), 1, make(chan BlockTransfers))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan BlockTransfers, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Stream(ctx, 20, out) }()

	assert.Equal(t, uint64(20), (<-out).Number)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	assert.Equal(t, []string{"ws://primary", "ws://backup"}, dialed)
	st := feed.Endpoints()
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, []int64{1, 0}, st.Failures, "cancellation is not a failure")
}
