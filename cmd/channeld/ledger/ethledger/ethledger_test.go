package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/logging"
	golog "github.com/textileio/go-log/v2"
)

var (
	// Init code copying a 5 byte runtime that answers every call with 32 zero bytes.
	acceptAllCode = hexutil.MustDecode("0x6005600c60003960056000f360206000f3")
	// Same init code with a runtime that reverts every call.
	revertAllCode = hexutil.MustDecode("0x6005600c60003960056000f360006000fd")
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"ethledger": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	b, key := newBackend(t)

	_, err := New(b, nil, key)
	require.Error(t, err)
	_, err = New(b, big.NewInt(1337), nil)
	require.Error(t, err)
	_, err = New(b, big.NewInt(1337), key, WithBytecode(nil))
	require.Error(t, err)
	_, err = New(b, big.NewInt(1337), key, WithContract(common.Address{}))
	require.Error(t, err)

	l, err := New(b, big.NewInt(1337), key)
	require.NoError(t, err)
	_, bound := l.Address()
	require.False(t, bound)
}

func TestUnbound(t *testing.T) {
	t.Parallel()
	l := newLedger(t)
	ctx := context.Background()

	st, err := l.Phase(ctx)
	require.NoError(t, err)
	require.Equal(t, channel.StateUnopened, st)

	err = l.TryClose(ctx)
	require.True(t, errors.Is(err, channel.ErrNotOpened))
	_, _, err = l.Winner(ctx)
	require.True(t, errors.Is(err, channel.ErrNotOpened))

	_, err = l.Open(ctx, testConfig(), nil, nil)
	require.Equal(t, ErrNoBytecode, err)
}

func TestOpenAndTransact(t *testing.T) {
	t.Parallel()
	l := newLedger(t, WithBytecode(acceptAllCode))
	ctx := context.Background()

	addr, err := l.Open(ctx, testConfig(), []byte{1}, []byte{2})
	require.NoError(t, err)
	bound, ok := l.Address()
	require.True(t, ok)
	require.Equal(t, addr, bound)

	st, err := l.Phase(ctx)
	require.NoError(t, err)
	require.Equal(t, channel.StateOpen, st)

	bid := channel.Bid{
		Bidder:          "bidder-1",
		BidValue:        150,
		PreviousBidHash: crypto.Keccak256Hash([]byte("genesis")).Hex(),
		Signature0:      []byte{1},
		Signature1:      []byte{2},
	}
	require.NoError(t, l.UpdateWinnerBid(ctx, bid))
	require.NoError(t, l.StartChallengePeriod(ctx, []byte{3}, testConfig().Auctioneer))
	require.NoError(t, l.TryClose(ctx))

	_, err = l.Open(ctx, testConfig(), nil, nil)
	require.True(t, errors.Is(err, channel.ErrAlreadyOpened))
}

func TestRevertedCalls(t *testing.T) {
	t.Parallel()
	l := newLedger(t, WithBytecode(revertAllCode))
	ctx := context.Background()

	_, err := l.Open(ctx, testConfig(), nil, nil)
	require.NoError(t, err)

	err = l.TryClose(ctx)
	require.True(t, errors.Is(err, channel.ErrSettlementRejected))
	var re *channel.RevertError
	require.True(t, errors.As(err, &re))
	require.Equal(t, channel.OpTryClose, re.Op)

	_, err = l.Phase(ctx)
	require.Error(t, err)
}

func TestBindWithoutCode(t *testing.T) {
	t.Parallel()
	l := newLedger(t, WithContract(common.HexToAddress("0xdeadbeef")))

	_, err := l.Phase(context.Background())
	require.Error(t, err)
}

func TestPhaseToState(t *testing.T) {
	t.Parallel()
	for p, want := range map[uint8]channel.State{
		0: channel.StateOpen,
		1: channel.StateChallengePeriod,
		2: channel.StateClosed,
	} {
		st, err := phaseToState(p)
		require.NoError(t, err)
		require.Equal(t, want, st)
	}
	_, err := phaseToState(3)
	require.Error(t, err)
}

func TestSubmitErr(t *testing.T) {
	t.Parallel()
	err := submitErr(channel.OpOpen, errors.New("execution reverted: bad signatures"))
	require.True(t, errors.Is(err, channel.ErrOpenRejected))
	var re *channel.RevertError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "bad signatures", re.Reason)

	err = submitErr(channel.OpTryClose, errors.New("connection refused"))
	require.False(t, errors.Is(err, channel.ErrSettlementRejected))
}

// autoCommit mines a block right after each sent transaction.
type autoCommit struct {
	*backends.SimulatedBackend
}

func (b autoCommit) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.SimulatedBackend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	b.Commit()
	return nil
}

func newBackend(t *testing.T) (Backend, *ecdsa.PrivateKey) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	sim := backends.NewSimulatedBackend(core.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: funds},
	}, 8_000_000)
	t.Cleanup(func() { _ = sim.Close() })
	return autoCommit{sim}, key
}

func newLedger(t *testing.T, opts ...Option) *Ledger {
	b, key := newBackend(t)
	// Simulated backend chain id.
	l, err := New(b, big.NewInt(1337), key, opts...)
	require.NoError(t, err)
	return l
}

func testConfig() channel.Config {
	return channel.Config{
		Auctioneer:      common.HexToAddress("0x1"),
		Assistant:       common.HexToAddress("0x2"),
		ChallengePeriod: 10,
		MinBid:          100,
	}
}
