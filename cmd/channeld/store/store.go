package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	"github.com/textileio/auction-channel/bidchain"
	"github.com/textileio/auction-channel/channel"
	golog "github.com/textileio/go-log/v2"
)

// Version is the snapshot record version written by this package.
const Version = 1

const (
	// defaultListLimit is the default history page size.
	defaultListLimit = 10
	// maxListLimit is the max history page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("channeld/store")

	// ErrNotFound indicates no snapshot exists for the requested channel.
	ErrNotFound = errors.New("snapshot not found")

	// ErrUnknownVersion indicates a snapshot record with an unsupported version.
	ErrUnknownVersion = errors.New("unknown snapshot version")

	// dsPrefix is the prefix for channels.
	// Structure: /channels/<contract>/latest -> Snapshot
	//            /channels/<contract>/history/<ulid> -> Snapshot
	dsPrefix = ds.NewKey("/channels")
)

// Snapshot is a durable record of a channel.
type Snapshot struct {
	Version    int            `json:"version"`
	Config     channel.Config `json:"config"`
	Bids       []channel.Bid  `json:"bids"`
	State      channel.State  `json:"state"`
	WinnerHash string         `json:"winnerHash,omitempty"`
	TakenAt    time.Time      `json:"takenAt"`
}

// Verify checks the config, the whole bid chain and that the winner, if any, is
// part of the chain.
func (s Snapshot) Verify() error {
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}
	if err := bidchain.Verify(s.Config, s.Bids); err != nil {
		return fmt.Errorf("invalid bid chain: %w", err)
	}
	if s.WinnerHash == "" {
		return nil
	}
	if _, ok := s.Winner(); !ok {
		return fmt.Errorf("winner %s isn't part of the chain: %w", s.WinnerHash, channel.ErrInvalidWinner)
	}
	return nil
}

// Winner returns the bid matching WinnerHash.
func (s Snapshot) Winner() (channel.Bid, bool) {
	if s.WinnerHash == "" {
		return channel.Bid{}, false
	}
	for _, b := range s.Bids {
		if h, err := channel.BidHash(b); err == nil && h == s.WinnerHash {
			return b, true
		}
	}
	return channel.Bid{}, false
}

// Encode returns the wire form of s, stamped with the current Version.
func Encode(s Snapshot) ([]byte, error) {
	s.Version = Version
	if s.Bids == nil {
		s.Bids = []channel.Bid{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %s", err)
	}
	return b, nil
}

// Decode parses a snapshot record, rejecting unknown versions.
func Decode(data []byte) (Snapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling snapshot version: %s", err)
	}
	if head.Version != Version {
		return Snapshot{}, fmt.Errorf("version %d: %w", head.Version, ErrUnknownVersion)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling snapshot: %s", err)
	}
	return s, nil
}

// Store persists channel snapshots.
type Store struct {
	store   ds.Batching
	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

// New returns a new Store.
func New(store ds.Batching) *Store {
	return &Store{store: store}
}

// Save writes s as the latest snapshot of its channel and appends it to the
// channel history.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	val, err := Encode(snap)
	if err != nil {
		return err
	}
	id, err := s.newID(time.Now())
	if err != nil {
		return fmt.Errorf("creating snapshot id: %v", err)
	}

	batch, err := s.store.Batch(ctx)
	if err != nil {
		return fmt.Errorf("creating batch: %v", err)
	}
	base := channelKey(snap.Config.ContractAddress)
	if err := batch.Put(ctx, base.ChildString("latest"), val); err != nil {
		return fmt.Errorf("putting latest snapshot: %v", err)
	}
	if err := batch.Put(ctx, base.ChildString("history").ChildString(id), val); err != nil {
		return fmt.Errorf("putting history snapshot: %v", err)
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}
	log.Debugf("saved snapshot %s of %s in state %s with %d bids", id, snap.Config.ContractAddress, snap.State, len(snap.Bids))
	return nil
}

// Latest returns the latest snapshot of a channel.
func (s *Store) Latest(ctx context.Context, contract common.Address) (Snapshot, error) {
	val, err := s.store.Get(ctx, channelKey(contract).ChildString("latest"))
	if errors.Is(err, ds.ErrNotFound) {
		return Snapshot{}, ErrNotFound
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("getting snapshot: %v", err)
	}
	snap, err := Decode(val)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Restore returns the latest snapshot of a channel after verifying it.
func (s *Store) Restore(ctx context.Context, contract common.Address) (Snapshot, error) {
	snap, err := s.Latest(ctx, contract)
	if err != nil {
		return Snapshot{}, err
	}
	if err := snap.Verify(); err != nil {
		return Snapshot{}, fmt.Errorf("verifying snapshot: %w", err)
	}
	return snap, nil
}

// History returns up to limit snapshots of a channel, newest first. A limit of -1
// returns the max page size.
func (s *Store) History(ctx context.Context, contract common.Address, limit int) ([]Snapshot, error) {
	if limit == -1 {
		limit = maxListLimit
	} else if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}

	results, err := s.store.Query(ctx, dsq.Query{
		Prefix: channelKey(contract).ChildString("history").String(),
		Orders: []dsq.Order{dsq.OrderByKeyDescending{}},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying history: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []Snapshot
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		snap, err := Decode(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", res.Key, err)
		}
		list = append(list, snap)
	}
	return list, nil
}

// Channels returns the contract addresses of every stored channel.
func (s *Store) Channels(ctx context.Context) ([]common.Address, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix:   dsPrefix.String(),
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying channels: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []common.Address
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		k := ds.NewKey(res.Key)
		if k.Name() != "latest" {
			continue
		}
		list = append(list, common.HexToAddress(k.Parent().Name()))
	}
	return list, nil
}

// newID returns new monotonically increasing snapshot ids.
func (s *Store) newID(t time.Time) (string, error) {
	s.lk.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lk.Unlock()
		return s.newID(t)
	} else if err != nil {
		s.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lk.Unlock()
	return strings.ToLower(id.String()), nil
}

func channelKey(contract common.Address) ds.Key {
	return dsPrefix.ChildString(strings.ToLower(contract.Hex()))
}
