package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestBidFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	b := Bid{IsAskBid: false, Bidder: "jskfjdkgjkf", BidValue: 20000000}
	h, err := BidHash(Bid{IsAskBid: true, BidValue: 10000000})
	require.NoError(t, err)
	b.PreviousBidHash = h

	fp1, err := BidFingerprint(b)
	require.NoError(t, err)
	fp2, err := BidFingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	// The tag separates the signing payload from the link hash.
	lh, err := BidHash(b)
	require.NoError(t, err)
	require.NotEqual(t, fp1.Hex(), lh)

	b.BidValue++
	fp3, err := BidFingerprint(b)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestBidFingerprint_Packing(t *testing.T) {
	t.Parallel()

	prev := crypto.Keccak256Hash([]byte("prev"))
	b := Bid{IsAskBid: true, Bidder: "ab", BidValue: 258, PreviousBidHash: prev.Hex()}

	var expected []byte
	expected = append(expected, []byte(TagBid)...)
	expected = append(expected, 1)
	expected = append(expected, []byte("ab")...)
	expected = append(expected, common.LeftPadBytes([]byte{1, 2}, 32)...)
	expected = append(expected, prev.Bytes()...)

	fp, err := BidFingerprint(b)
	require.NoError(t, err)
	require.Equal(t, crypto.Keccak256Hash(expected), fp)
}

func TestDecodeBidHash(t *testing.T) {
	t.Parallel()

	b, err := DecodeBidHash("")
	require.NoError(t, err)
	require.Nil(t, b)

	_, err = DecodeBidHash("fdhdfg")
	require.ErrorIs(t, err, ErrChainIntegrity)

	_, err = DecodeBidHash("0x0102")
	require.ErrorIs(t, err, ErrChainIntegrity)
}

func TestOpeningAndChallengeFingerprints(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Auctioneer:      common.HexToAddress("0x1"),
		Assistant:       common.HexToAddress("0x2"),
		ChallengePeriod: 100,
		MinBid:          10000000,
	}
	open := OpeningFingerprint(cfg)
	challenge := ChallengeFingerprint(cfg)
	require.NotEqual(t, open, challenge)

	// The contract address isn't part of the opening payload.
	cfg.ContractAddress = common.HexToAddress("0x3")
	require.Equal(t, open, OpeningFingerprint(cfg))

	cfg.MinBid++
	require.NotEqual(t, open, OpeningFingerprint(cfg))
}

func TestSignAndRecover(t *testing.T) {
	t.Parallel()

	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(sk.PublicKey)
	fp := crypto.Keccak256Hash([]byte("payload"))

	sig, err := SignFingerprint(fp, sk)
	require.NoError(t, err)
	got, err := RecoverAddress(fp, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)
	require.NoError(t, VerifySignature(fp, sig, addr))

	other := crypto.Keccak256Hash([]byte("other"))
	require.ErrorIs(t, VerifySignature(other, sig, addr), ErrRole)
	require.ErrorIs(t, VerifySignature(fp, sig[:10], addr), ErrRole)
}

func TestRevertError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("calling ledger: %w", Revert(OpOpen, "bad signature"))
	require.True(t, errors.Is(err, ErrSettlementRejected))
	require.True(t, errors.Is(err, ErrOpenRejected))

	var rerr *RevertError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "bad signature", rerr.Reason)

	err = Revert(OpTryClose, "")
	require.True(t, errors.Is(err, ErrSettlementRejected))
	require.False(t, errors.Is(err, ErrOpenRejected))
	require.Equal(t, "tryClose reverted", err.Error())
}

func TestState(t *testing.T) {
	t.Parallel()

	require.True(t, StateUnopened.CanTransition(StateOpen))
	require.True(t, StateOpen.CanTransition(StateChallengePeriod))
	require.True(t, StateChallengePeriod.CanTransition(StateClosed))
	require.False(t, StateOpen.CanTransition(StateClosed))
	require.False(t, StateClosed.CanTransition(StateOpen))
	require.False(t, StateClosed.CanTransition(StateClosed+1))

	b, err := json.Marshal(StateChallengePeriod)
	require.NoError(t, err)
	require.Equal(t, `"challenge_period"`, string(b))

	var s State
	require.NoError(t, json.Unmarshal(b, &s))
	require.Equal(t, StateChallengePeriod, s)
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestRoles(t *testing.T) {
	t.Parallel()

	require.Equal(t, RoleAuctioneer, Bid{IsAskBid: true}.Proposer())
	require.Equal(t, RoleAssistant, Bid{IsAskBid: false}.Proposer())
	require.Equal(t, RoleAssistant, RoleAuctioneer.Counterparty())
	require.Equal(t, RoleAuctioneer, RoleAssistant.Counterparty())
}
