package service

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/logging"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"channeld":            golog.LevelDebug,
		"channeld/session":    golog.LevelDebug,
		"channeld/settlement": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestOpenSettleAndRestore(t *testing.T) {
	ctx := context.Background()
	conf := newConfig(t)

	s, err := New(conf)
	require.NoError(t, err)
	cfg, err := s.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, channel.StateOpen, s.Coordinator().State())

	sess := s.Coordinator().Session()
	require.Len(t, sess.Bids(), 1)
	b, err := sess.ProposeBid(ctx, false, "bidder-1", 150)
	require.NoError(t, err)
	_, err = sess.AcceptBid(ctx, b)
	require.NoError(t, err)

	require.NoError(t, s.Coordinator().StartChallengePeriod(ctx))
	require.Equal(t, channel.StateChallengePeriod, s.Coordinator().State())
	require.NoError(t, s.Close())

	conf.ContractAddr = cfg.ContractAddress.Hex()
	s, err = New(conf)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	require.Equal(t, channel.StateChallengePeriod, s.Coordinator().State())
	require.Len(t, s.Coordinator().Session().Bids(), 2)
	w, ok := s.Coordinator().Winner()
	require.True(t, ok)
	require.Equal(t, "bidder-1", w.Bidder)

	_, err = s.Coordinator().Session().ProposeBid(ctx, false, "bidder-2", 200)
	require.ErrorIs(t, err, channel.ErrInvalidTransition)
}

func TestOpenRequiresBothKeys(t *testing.T) {
	conf := newConfig(t)
	conf.AssistantKey = ""

	s, err := New(conf)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	_, err = s.Open(context.Background())
	require.Error(t, err)
	require.Equal(t, channel.StateUnopened, s.Coordinator().State())
}

func TestConfigValidation(t *testing.T) {
	conf := newConfig(t)
	conf.DatastorePath = ""
	_, err := New(conf)
	require.Error(t, err)

	conf = newConfig(t)
	conf.AuctioneerKey, conf.AssistantKey = "", ""
	_, err = New(conf)
	require.Error(t, err)

	conf = newConfig(t)
	conf.LedgerMock = false
	conf.EthEndpoint = "http://127.0.0.1:8545"
	conf.EthChainID = 1337
	conf.TxKey = conf.AuctioneerKey
	_, err = New(conf)
	require.Error(t, err)

	conf.ContractAddr = "not-an-address"
	_, err = New(conf)
	require.Error(t, err)
}

func newConfig(t *testing.T) Config {
	return Config{
		DatastorePath:   t.TempDir(),
		LedgerMock:      true,
		AuctioneerKey:   newHexKey(t),
		AssistantKey:    newHexKey(t),
		ChallengePeriod: 10,
		MinBid:          100,
		ConfirmFreq:     time.Millisecond,
		ConfirmAttempts: 10,
		EthTimeout:      time.Second,
	}
}

func newHexKey(t *testing.T) string {
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hexutil.Encode(crypto.FromECDSA(k))
}
