package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/cmd/channeld/httpapi"
	"github.com/textileio/auction-channel/cmd/channeld/ledger/ethledger"
	"github.com/textileio/auction-channel/cmd/channeld/ledger/ledgermock"
	"github.com/textileio/auction-channel/cmd/channeld/metrics"
	"github.com/textileio/auction-channel/cmd/channeld/session"
	"github.com/textileio/auction-channel/cmd/channeld/settlement"
	"github.com/textileio/auction-channel/cmd/channeld/signer"
	"github.com/textileio/auction-channel/cmd/channeld/store"
	"github.com/textileio/auction-channel/msgbroker"
	"github.com/textileio/auction-channel/msgbroker/gpubsub"
	badger "github.com/textileio/go-ds-badger3"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	logging "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = logging.Logger("channeld")

// Config defines params for Service configuration.
type Config struct {
	DatastorePath  string
	HTTPListenAddr string

	LedgerMock       bool
	EthEndpoint      string
	EthChainID       int64
	EthTimeout       time.Duration
	ContractAddr     string
	ContractBytecode string
	TxKey            string

	AuctioneerKey string
	AssistantKey  string

	ChallengePeriod uint64
	MinBid          uint64

	ConfirmFreq     time.Duration
	ConfirmAttempts int

	GPubsubProjectID   string
	GPubsubAPIKey      string
	GPubsubTopicPrefix string
}

func (c Config) validate() error {
	if c.DatastorePath == "" {
		return errors.New("datastore path is empty")
	}
	if c.AuctioneerKey == "" && c.AssistantKey == "" {
		return errors.New("at least one role key is required")
	}
	if c.LedgerMock {
		return nil
	}
	if c.EthEndpoint == "" {
		return errors.New("eth endpoint is empty")
	}
	if c.EthChainID <= 0 {
		return errors.New("eth chain id should be positive")
	}
	if c.TxKey == "" {
		return errors.New("transaction key is empty")
	}
	if c.ContractAddr == "" && c.ContractBytecode == "" {
		return errors.New("either a contract address or the contract bytecode is required")
	}
	if c.ContractAddr != "" && !common.IsHexAddress(c.ContractAddr) {
		return fmt.Errorf("invalid contract address %q", c.ContractAddr)
	}
	return nil
}

// Service runs a single auction channel.
type Service struct {
	config      Config
	signer      *signer.KeySigner
	store       *store.Store
	coordinator *settlement.Coordinator
	httpServer  *http.Server
	finalizer   *finalizer.Finalizer
}

// New returns a new Service. A channel previously saved for the configured contract
// is restored and synced with the ledger.
func New(conf Config) (*Service, error) {
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	ks, err := signer.FromHex(conf.AuctioneerKey, conf.AssistantKey)
	if err != nil {
		return nil, fin.Cleanupf("creating signer: %v", err)
	}

	if err := os.MkdirAll(conf.DatastorePath, os.ModePerm); err != nil {
		return nil, fin.Cleanupf("creating datastore dir: %v", err)
	}
	ds, err := badger.NewDatastore(conf.DatastorePath, &badger.DefaultOptions)
	if err != nil {
		return nil, fin.Cleanupf("opening datastore: %v", err)
	}
	fin.Add(ds)
	st := store.New(ds)

	ledger, err := newLedger(ctx, conf, fin)
	if err != nil {
		return nil, fin.Cleanupf("creating ledger: %v", err)
	}

	var mb msgbroker.MsgBroker
	if conf.GPubsubProjectID != "" || os.Getenv("PUBSUB_EMULATOR_HOST") != "" {
		gmb, err := gpubsub.New(conf.GPubsubProjectID, conf.GPubsubAPIKey, conf.GPubsubTopicPrefix, "channeld")
		if err != nil {
			return nil, fin.Cleanupf("creating pubsub msgbroker: %v", err)
		}
		fin.Add(gmb)
		mb = gmb
	}

	var sessOpts []session.Option
	coordOpts := []settlement.Option{
		settlement.WithSnapshots(st),
		settlement.WithConfirmFreq(conf.ConfirmFreq),
		settlement.WithConfirmAttempts(conf.ConfirmAttempts),
	}
	if mb != nil {
		sessOpts = append(sessOpts, session.WithMsgBroker(mb))
		coordOpts = append(coordOpts, settlement.WithMsgBroker(mb))
	}
	sess, err := session.New(ks, ledger, sessOpts...)
	if err != nil {
		return nil, fin.Cleanupf("creating session: %v", err)
	}
	coord, err := settlement.New(sess, ledger, ks, coordOpts...)
	if err != nil {
		return nil, fin.Cleanupf("creating coordinator: %v", err)
	}

	s := &Service{
		config:      conf,
		signer:      ks,
		store:       st,
		coordinator: coord,
		finalizer:   fin,
	}
	if err := s.restore(ctx); err != nil {
		return nil, fin.Cleanupf("restoring channel: %v", err)
	}
	s.initMetrics()

	if conf.HTTPListenAddr != "" {
		srv, err := httpapi.NewServer(conf.HTTPListenAddr, coord, st)
		if err != nil {
			return nil, fin.Cleanupf("creating http server: %v", err)
		}
		fin.Add(srv)
		s.httpServer = srv
	}

	return s, nil
}

func newLedger(ctx context.Context, conf Config, fin *finalizer.Finalizer) (channel.Ledger, error) {
	if conf.LedgerMock {
		log.Warn("using in-memory ledger")
		return ledgermock.New(), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, conf.EthTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, conf.EthEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing endpoint: %s", err)
	}
	fin.Add(closerFunc(func() error {
		client.Close()
		return nil
	}))

	txKey, err := crypto.HexToECDSA(strings.TrimPrefix(conf.TxKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing transaction key: %s", err)
	}

	opts := []ethledger.Option{ethledger.WithTimeout(conf.EthTimeout)}
	if conf.ContractAddr != "" {
		opts = append(opts, ethledger.WithContract(common.HexToAddress(conf.ContractAddr)))
	}
	if conf.ContractBytecode != "" {
		code, err := readBytecode(conf.ContractBytecode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ethledger.WithBytecode(code))
	}
	return ethledger.New(client, big.NewInt(conf.EthChainID), txKey, opts...)
}

func readBytecode(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading contract bytecode: %s", err)
	}
	code := common.FromHex(strings.TrimSpace(string(data)))
	if len(code) == 0 {
		return nil, fmt.Errorf("contract bytecode file %s is empty", path)
	}
	return code, nil
}

func (s *Service) restore(ctx context.Context) error {
	if s.config.ContractAddr == "" {
		return nil
	}
	snap, err := s.store.Restore(ctx, common.HexToAddress(s.config.ContractAddr))
	if errors.Is(err, store.ErrNotFound) {
		log.Infof("no saved snapshot for channel %s", s.config.ContractAddr)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.coordinator.Restore(snap); err != nil {
		return err
	}
	if s.config.LedgerMock {
		return nil
	}
	st, err := s.coordinator.Sync(ctx)
	if err != nil {
		return fmt.Errorf("syncing with ledger: %s", err)
	}
	log.Infof("channel %s synced in state %s", s.config.ContractAddr, st)
	return nil
}

// Open runs both halves of the opening handshake and seals the genesis bid. It
// requires the signer to hold both role keys.
func (s *Service) Open(ctx context.Context) (channel.Config, error) {
	sess := s.coordinator.Session()
	auctioneer, ok := s.signer.Address(channel.RoleAuctioneer)
	if !ok {
		return channel.Config{}, fmt.Errorf("opening without auctioneer key: %w", signer.ErrNoKey)
	}
	assistant, ok := s.signer.Address(channel.RoleAssistant)
	if !ok {
		return channel.Config{}, fmt.Errorf("opening without assistant key: %w", signer.ErrNoKey)
	}
	p, err := sess.ProposeOpening(ctx, channel.Config{
		Auctioneer:      auctioneer,
		Assistant:       assistant,
		ChallengePeriod: s.config.ChallengePeriod,
		MinBid:          s.config.MinBid,
	})
	if err != nil {
		return channel.Config{}, fmt.Errorf("proposing opening: %w", err)
	}
	genesis, err := s.coordinator.AcceptOpening(ctx, p)
	if err != nil {
		return channel.Config{}, fmt.Errorf("accepting opening: %w", err)
	}
	if _, err := sess.AcceptBid(ctx, genesis); err != nil {
		return channel.Config{}, fmt.Errorf("sealing genesis bid: %w", err)
	}
	cfg, _ := sess.Config()
	log.Infof("opened channel %s", cfg.ContractAddress)
	return cfg, nil
}

// Coordinator returns the channel coordinator.
func (s *Service) Coordinator() *settlement.Coordinator {
	return s.coordinator
}

// Close the service.
func (s *Service) Close() error {
	log.Info("closing service...")
	defer log.Info("service closed")
	return s.finalizer.Cleanup(nil)
}

func (s *Service) initMetrics() {
	metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".channel_state", func(ctx context.Context, r metric.Int64ObserverResult) {
		r.Observe(int64(s.coordinator.State()))
	})
	metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".channel_bids", func(ctx context.Context, r metric.Int64ObserverResult) {
		r.Observe(int64(len(s.coordinator.Session().Bids())))
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
