package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auction-channel/channel"
)

func TestKeySigner_Sign(t *testing.T) {
	t.Parallel()

	ak, err := crypto.GenerateKey()
	require.NoError(t, err)
	bk, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := New(map[channel.Role]*ecdsa.PrivateKey{channel.RoleAuctioneer: ak, channel.RoleAssistant: bk})
	fp := crypto.Keccak256Hash([]byte("fingerprint"))

	for _, r := range []channel.Role{channel.RoleAuctioneer, channel.RoleAssistant} {
		sig, err := s.Sign(context.Background(), fp, r)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		require.True(t, sig[64] == 27 || sig[64] == 28)

		addr, ok := s.Address(r)
		require.True(t, ok)
		require.NoError(t, channel.VerifySignature(fp, sig, addr))
	}
}

func TestKeySigner_MissingRole(t *testing.T) {
	t.Parallel()

	ak, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := FromHex(hex.EncodeToString(crypto.FromECDSA(ak)), "")
	require.NoError(t, err)
	require.Equal(t, []channel.Role{channel.RoleAuctioneer}, s.Roles())

	_, err = s.Sign(context.Background(), crypto.Keccak256Hash([]byte("x")), channel.RoleAssistant)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestFromHex(t *testing.T) {
	t.Parallel()

	_, err := FromHex("", "")
	require.Error(t, err)

	_, err = FromHex("0xnothex", "")
	require.Error(t, err)

	ak, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := FromHex("0x"+hex.EncodeToString(crypto.FromECDSA(ak)), "")
	require.NoError(t, err)
	addr, ok := s.Address(channel.RoleAuctioneer)
	require.True(t, ok)
	require.Equal(t, crypto.PubkeyToAddress(ak.PublicKey), addr)
}
