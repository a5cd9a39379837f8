package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/textileio/auction-channel/channel"
	logging "github.com/textileio/go-log/v2"
)

var log = logging.Logger("ethledger")

// ErrNoBytecode indicates Open was called without contract bytecode configured.
var ErrNoBytecode = errors.New("contract bytecode not configured")

// Backend is the chain client the ledger talks to. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Ledger is a channel.Ledger backed by an AuctionChannel contract.
type Ledger struct {
	backend  Backend
	abi      abi.ABI
	from     common.Address
	signer   bind.SignerFn
	bytecode []byte
	timeout  time.Duration

	lk       sync.RWMutex
	address  common.Address
	contract *bind.BoundContract
}

var _ channel.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger) error

// WithBytecode sets the contract creation bytecode used by Open.
func WithBytecode(code []byte) Option {
	return func(l *Ledger) error {
		if len(code) == 0 {
			return errors.New("bytecode is empty")
		}
		l.bytecode = code
		return nil
	}
}

// WithContract binds the ledger to an already deployed contract.
func WithContract(addr common.Address) Option {
	return func(l *Ledger) error {
		if addr == (common.Address{}) {
			return errors.New("contract address is empty")
		}
		l.bind(addr)
		return nil
	}
}

// WithTimeout bounds each transaction from submission to mined receipt.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) error {
		if d <= 0 {
			return fmt.Errorf("timeout should be positive, got %s", d)
		}
		l.timeout = d
		return nil
	}
}

// New returns a new Ledger sending transactions from txKey.
func New(backend Backend, chainID *big.Int, txKey *ecdsa.PrivateKey, opts ...Option) (*Ledger, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id should be positive")
	}
	if txKey == nil {
		return nil, errors.New("transaction key is nil")
	}
	parsed, err := abi.JSON(strings.NewReader(AuctionChannelABI))
	if err != nil {
		return nil, fmt.Errorf("parsing contract abi: %s", err)
	}
	l := &Ledger{
		backend: backend,
		abi:     parsed,
		from:    crypto.PubkeyToAddress(txKey.PublicKey),
		signer:  newSigner(chainID, txKey),
		timeout: time.Minute,
	}
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	return l, nil
}

func newSigner(chainID *big.Int, key *ecdsa.PrivateKey) bind.SignerFn {
	s := types.LatestSignerForChainID(chainID)
	return func(a common.Address, t *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(t, s, key)
	}
}

func (l *Ledger) bind(addr common.Address) {
	l.address = addr
	l.contract = bind.NewBoundContract(addr, l.abi, l.backend, l.backend, l.backend)
}

// Address returns the bound contract address, if any.
func (l *Ledger) Address() (common.Address, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.address, l.contract != nil
}

// Open implements channel.Ledger by deploying a new contract.
func (l *Ledger) Open(ctx context.Context, cfg channel.Config, sigAuctioneer, sigAssistant []byte) (common.Address, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.contract != nil {
		return common.Address{}, fmt.Errorf("contract %s already bound: %w", l.address.Hex(), channel.ErrAlreadyOpened)
	}
	if len(l.bytecode) == 0 {
		return common.Address{}, ErrNoBytecode
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	addr, tx, contract, err := bind.DeployContract(
		l.txOpts(ctx),
		l.abi,
		l.bytecode,
		l.backend,
		cfg.Auctioneer,
		cfg.Assistant,
		new(big.Int).SetUint64(cfg.ChallengePeriod),
		new(big.Int).SetUint64(cfg.MinBid),
		sigAuctioneer,
		sigAssistant,
	)
	if err != nil {
		return common.Address{}, submitErr(channel.OpOpen, err)
	}
	log.Infof("deploying contract %s in tx %s", addr.Hex(), tx.Hash().Hex())
	if err := l.waitMined(ctx, channel.OpOpen, tx); err != nil {
		return common.Address{}, err
	}
	l.address = addr
	l.contract = contract
	return addr, nil
}

// UpdateWinnerBid implements channel.Ledger.
func (l *Ledger) UpdateWinnerBid(ctx context.Context, bid channel.Bid) error {
	prev, err := channel.DecodeBidHash(bid.PreviousBidHash)
	if err != nil {
		return fmt.Errorf("decoding previous bid hash: %w", err)
	}
	var prevHash [32]byte
	copy(prevHash[:], prev)
	return l.transact(ctx, channel.OpUpdateWinnerBid,
		bid.IsAskBid,
		bid.Bidder,
		new(big.Int).SetUint64(bid.BidValue),
		prevHash,
		[]byte(bid.Signature0),
		[]byte(bid.Signature1),
	)
}

// StartChallengePeriod implements channel.Ledger.
func (l *Ledger) StartChallengePeriod(ctx context.Context, signature []byte, auctioneer common.Address) error {
	return l.transact(ctx, channel.OpStartChallengePeriod, signature, auctioneer)
}

// TryClose implements channel.Ledger.
func (l *Ledger) TryClose(ctx context.Context) error {
	return l.transact(ctx, channel.OpTryClose)
}

// Phase implements channel.Ledger. An unbound ledger reports StateUnopened.
func (l *Ledger) Phase(ctx context.Context) (channel.State, error) {
	contract, ok := l.bound()
	if !ok {
		return channel.StateUnopened, nil
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "phase"); err != nil {
		return 0, fmt.Errorf("calling phase: %s", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("phase returned %d values", len(out))
	}
	p, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("phase returned unexpected type %T", out[0])
	}
	return phaseToState(p)
}

// Winner returns the winner declared on the contract.
func (l *Ledger) Winner(ctx context.Context) (string, uint64, error) {
	contract, ok := l.bound()
	if !ok {
		return "", 0, channel.ErrNotOpened
	}
	opts := &bind.CallOpts{Context: ctx}
	var outHash []interface{}
	if err := contract.Call(opts, &outHash, "winnerUserHash"); err != nil {
		return "", 0, fmt.Errorf("calling winnerUserHash: %s", err)
	}
	var outValue []interface{}
	if err := contract.Call(opts, &outValue, "winnerBidValue"); err != nil {
		return "", 0, fmt.Errorf("calling winnerBidValue: %s", err)
	}
	if len(outHash) != 1 || len(outValue) != 1 {
		return "", 0, errors.New("unexpected winner outputs")
	}
	bidder, ok := outHash[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("winnerUserHash returned unexpected type %T", outHash[0])
	}
	value, ok := outValue[0].(*big.Int)
	if !ok || !value.IsUint64() {
		return "", 0, fmt.Errorf("winnerBidValue returned unexpected value %v", outValue[0])
	}
	return bidder, value.Uint64(), nil
}

func phaseToState(p uint8) (channel.State, error) {
	switch p {
	case 0:
		return channel.StateOpen, nil
	case 1:
		return channel.StateChallengePeriod, nil
	case 2:
		return channel.StateClosed, nil
	default:
		return 0, fmt.Errorf("unknown contract phase %d", p)
	}
}

func (l *Ledger) bound() (*bind.BoundContract, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.contract, l.contract != nil
}

func (l *Ledger) transact(ctx context.Context, op string, params ...interface{}) error {
	contract, ok := l.bound()
	if !ok {
		return fmt.Errorf("calling %s: %w", op, channel.ErrNotOpened)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	tx, err := contract.Transact(l.txOpts(ctx), op, params...)
	if err != nil {
		return submitErr(op, err)
	}
	log.Debugf("submitted %s in tx %s", op, tx.Hash().Hex())
	return l.waitMined(ctx, op, tx)
}

func (l *Ledger) txOpts(ctx context.Context) *bind.TransactOpts {
	return &bind.TransactOpts{
		Context: ctx,
		From:    l.from,
		Signer:  l.signer,
	}
}

func (l *Ledger) waitMined(ctx context.Context, op string, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return fmt.Errorf("waiting %s tx %s to be mined: %s", op, tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return channel.Revert(op, "tx %s failed in block %s", tx.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}

// submitErr maps gas estimation reverts to *channel.RevertError.
func submitErr(op string, err error) error {
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(strings.TrimPrefix(msg[i:], "execution reverted"), ": ")
		return channel.Revert(op, "%s", reason)
	}
	return fmt.Errorf("submitting %s: %s", op, err)
}
