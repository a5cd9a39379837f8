package store

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/logging"
	badger "github.com/textileio/go-ds-badger3"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"channeld/store": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestStore_SaveAndRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	snap := newSnapshot(t, 10000000, 20000000, 26000000)

	_, err := s.Latest(ctx, snap.Config.ContractAddress)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, snap))
	got, err := s.Restore(ctx, snap.Config.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, snap.Config, got.Config)
	assert.Equal(t, snap.Bids, got.Bids)
	assert.Equal(t, snap.State, got.State)
	assert.True(t, snap.TakenAt.Equal(got.TakenAt))

	w, ok := got.Winner()
	require.True(t, ok)
	assert.Equal(t, uint64(26000000), w.BidValue)
}

func TestStore_RestoreTampered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	snap := newSnapshot(t, 10000000, 20000000)
	snap.Bids[1].BidValue = 30000000
	require.NoError(t, s.Save(ctx, snap))

	_, err := s.Restore(ctx, snap.Config.ContractAddress)
	require.Error(t, err)

	// Latest doesn't verify.
	_, err = s.Latest(ctx, snap.Config.ContractAddress)
	require.NoError(t, err)
}

func TestStore_History(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	snap := newSnapshot(t, 10000000)

	states := []channel.State{channel.StateOpen, channel.StateChallengePeriod, channel.StateClosed}
	for _, st := range states {
		snap.State = st
		require.NoError(t, s.Save(ctx, snap))
	}
	other := newSnapshot(t, 10000000)
	require.NoError(t, s.Save(ctx, other))

	h, err := s.History(ctx, snap.Config.ContractAddress, 0)
	require.NoError(t, err)
	require.Len(t, h, 3)
	// Newest first.
	assert.Equal(t, channel.StateClosed, h[0].State)
	assert.Equal(t, channel.StateChallengePeriod, h[1].State)
	assert.Equal(t, channel.StateOpen, h[2].State)

	h, err = s.History(ctx, snap.Config.ContractAddress, 1)
	require.NoError(t, err)
	require.Len(t, h, 1)

	latest, err := s.Latest(ctx, snap.Config.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, channel.StateClosed, latest.State)

	channels, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.Address{snap.Config.ContractAddress, other.Config.ContractAddress}, channels)
}

func TestDecode_Version(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(t, 10000000)
	data, err := Encode(snap)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(Version), raw["version"])
	assert.Equal(t, "open", raw["state"])

	raw["version"] = 2
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrUnknownVersion)

	_, err = Decode([]byte(`{"config":{}}`))
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestSnapshot_Verify(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(t, 10000000, 20000000)
	require.NoError(t, snap.Verify())

	snap.WinnerHash = crypto.Keccak256Hash([]byte("nope")).Hex()
	require.ErrorIs(t, snap.Verify(), channel.ErrInvalidWinner)

	snap.WinnerHash = ""
	snap.Bids[0].Signature1 = nil
	require.ErrorIs(t, snap.Verify(), channel.ErrRole)
}

func newStore(t *testing.T) *Store {
	d, err := badger.NewDatastore(t.TempDir(), &badger.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})
	return New(d)
}

// newSnapshot builds an open channel snapshot with a valid chain of values. The
// last bid is the winner when there's more than one.
func newSnapshot(t *testing.T, values ...uint64) Snapshot {
	ak, err := crypto.GenerateKey()
	require.NoError(t, err)
	bk, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg := channel.Config{
		Auctioneer:      crypto.PubkeyToAddress(ak.PublicKey),
		Assistant:       crypto.PubkeyToAddress(bk.PublicKey),
		ChallengePeriod: 100,
		MinBid:          10000000,
		ContractAddress: crypto.CreateAddress(crypto.PubkeyToAddress(ak.PublicKey), 0),
	}
	keys := map[channel.Role]*ecdsa.PrivateKey{channel.RoleAuctioneer: ak, channel.RoleAssistant: bk}

	var bids []channel.Bid
	for i, v := range values {
		b := channel.Bid{IsAskBid: i == 0, BidValue: v}
		if i > 0 {
			b.Bidder = "u1"
			b.PreviousBidHash, err = channel.BidHash(bids[i-1])
			require.NoError(t, err)
		}
		fp, err := channel.BidFingerprint(b)
		require.NoError(t, err)
		b.Signature0, err = channel.SignFingerprint(fp, keys[b.Proposer()])
		require.NoError(t, err)
		b.Signature1, err = channel.SignFingerprint(fp, keys[b.Proposer().Counterparty()])
		require.NoError(t, err)
		bids = append(bids, b)
	}

	snap := Snapshot{
		Config:  cfg,
		Bids:    bids,
		State:   channel.StateOpen,
		TakenAt: time.Now().Truncate(time.Millisecond),
	}
	if len(bids) > 1 {
		snap.WinnerHash, err = channel.BidHash(bids[len(bids)-1])
		require.NoError(t, err)
	}
	return snap
}
