package channel

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Fingerprint tags.
const (
	TagOpening         = "openingAuctionChannel"
	TagBid             = "auctionBid"
	TagChallengePeriod = "startChallengePeriod"
)

// packer builds the Solidity tightly-packed encoding (abi.encodePacked) of a tuple.
type packer struct {
	buf bytes.Buffer
}

func (p *packer) str(s string) *packer {
	p.buf.WriteString(s)
	return p
}

func (p *packer) address(a common.Address) *packer {
	p.buf.Write(a.Bytes())
	return p
}

func (p *packer) boolean(b bool) *packer {
	if b {
		p.buf.WriteByte(1)
	} else {
		p.buf.WriteByte(0)
	}
	return p
}

func (p *packer) uint256(v uint64) *packer {
	p.buf.Write(common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32))
	return p
}

func (p *packer) raw(b []byte) *packer {
	p.buf.Write(b)
	return p
}

func (p *packer) hash() common.Hash {
	return crypto.Keccak256Hash(p.buf.Bytes())
}

// DecodeBidHash decodes a 0x-hex previous bid hash. The empty string decodes to nil.
func DecodeBidHash(h string) ([]byte, error) {
	if h == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(h)
	if err != nil {
		return nil, fmt.Errorf("decoding bid hash %q: %w", h, ErrChainIntegrity)
	}
	if len(b) != common.HashLength {
		return nil, fmt.Errorf("bid hash %q has length %d: %w", h, len(b), ErrChainIntegrity)
	}
	return b, nil
}

// OpeningFingerprint is the payload both parties sign to open the channel.
func OpeningFingerprint(cfg Config) common.Hash {
	p := &packer{}
	return p.str(TagOpening).
		address(cfg.Auctioneer).
		address(cfg.Assistant).
		uint256(cfg.ChallengePeriod).
		uint256(cfg.MinBid).
		hash()
}

// ChallengeFingerprint is the payload the assistant signs to start the challenge period.
func ChallengeFingerprint(cfg Config) common.Hash {
	p := &packer{}
	return p.str(TagChallengePeriod).
		address(cfg.Auctioneer).
		address(cfg.Assistant).
		uint256(cfg.ChallengePeriod).
		uint256(cfg.MinBid).
		hash()
}

// BidFingerprint is the payload both parties sign for a bid.
func BidFingerprint(b Bid) (common.Hash, error) {
	prev, err := DecodeBidHash(b.PreviousBidHash)
	if err != nil {
		return common.Hash{}, err
	}
	p := &packer{}
	return p.str(TagBid).
		boolean(b.IsAskBid).
		str(b.Bidder).
		uint256(b.BidValue).
		raw(prev).
		hash(), nil
}

// BidHash is the content hash used to link the next bid to b.
func BidHash(b Bid) (string, error) {
	prev, err := DecodeBidHash(b.PreviousBidHash)
	if err != nil {
		return "", err
	}
	p := &packer{}
	h := p.boolean(b.IsAskBid).
		str(b.Bidder).
		uint256(b.BidValue).
		raw(prev).
		hash()
	return h.Hex(), nil
}

// signedMessageHash is the hash actually signed for a fingerprint:
//   keccak256("\x19Ethereum Signed Message:\n32" ++ fingerprint).
func signedMessageHash(fingerprint common.Hash) []byte {
	return accounts.TextHash(fingerprint.Bytes())
}

// SignFingerprint signs a fingerprint with an ecdsa key producing [R || S || V] with V in {27, 28}.
func SignFingerprint(fingerprint common.Hash, sk *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(signedMessageHash(fingerprint), sk)
	if err != nil {
		return nil, fmt.Errorf("signing fingerprint: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverAddress returns the address that produced sig over fingerprint.
func RecoverAddress(fingerprint common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature has length %d", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(signedMessageHash(fingerprint), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sig over fingerprint was produced by expected.
// Mismatches wrap ErrRole.
func VerifySignature(fingerprint common.Hash, sig []byte, expected common.Address) error {
	addr, err := RecoverAddress(fingerprint, sig)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrRole)
	}
	if addr != expected {
		return fmt.Errorf("signature recovers to %s, expected %s: %w", addr.Hex(), expected.Hex(), ErrRole)
	}
	return nil
}
