package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/cmd/channeld/store"
)

var contract = common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")

func TestStatus(t *testing.T) {
	t.Parallel()
	snap := testSnapshot(t)
	cm := &channelMock{}
	cm.On("Snapshot").Return(snap)

	res := serve(t, cm, &historyMock{}, "GET", "/channel")
	require.Equal(t, http.StatusOK, res.Code)

	var st Status
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &st))
	require.Equal(t, channel.StateChallengePeriod, st.State)
	require.Equal(t, 2, st.BidCount)
	require.NotNil(t, st.LastBid)
	require.Equal(t, uint64(150), st.LastBid.BidValue)
	require.NotNil(t, st.Winner)
	require.Equal(t, "bidder-1", st.Winner.Bidder)
	require.Equal(t, contract, st.Config.ContractAddress)
	cm.AssertExpectations(t)
}

func TestBidsAndSnapshot(t *testing.T) {
	t.Parallel()
	snap := testSnapshot(t)
	cm := &channelMock{}
	cm.On("Snapshot").Return(snap)

	res := serve(t, cm, &historyMock{}, "GET", "/channel/bids")
	require.Equal(t, http.StatusOK, res.Code)
	var bids []channel.Bid
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &bids))
	require.Equal(t, snap.Bids, bids)

	res = serve(t, cm, &historyMock{}, "GET", "/channel/snapshot")
	require.Equal(t, http.StatusOK, res.Code)
	got, err := store.Decode(res.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, snap.WinnerHash, got.WinnerHash)
	require.Equal(t, snap.State, got.State)
	require.Equal(t, store.Version, got.Version)
}

func TestEmptyBids(t *testing.T) {
	t.Parallel()
	cm := &channelMock{}
	cm.On("Snapshot").Return(store.Snapshot{})

	res := serve(t, cm, &historyMock{}, "GET", "/channel/bids")
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, "[]", res.Body.String())
}

func TestHistory(t *testing.T) {
	t.Parallel()
	snap := testSnapshot(t)
	hm := &historyMock{}
	hm.On("History", mock.Anything, contract, 5).Return([]store.Snapshot{snap}, nil)
	hm.On("History", mock.Anything, contract, 0).Return(nil, errors.New("boom"))

	res := serve(t, &channelMock{}, hm, "GET", "/channels/"+contract.Hex()+"/history?limit=5")
	require.Equal(t, http.StatusOK, res.Code)
	var snaps []store.Snapshot
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)

	res = serve(t, &channelMock{}, hm, "GET", "/channels/"+contract.Hex()+"/history")
	require.Equal(t, http.StatusInternalServerError, res.Code)

	hm.AssertExpectations(t)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	cm := &channelMock{}
	hm := &historyMock{}

	res := serve(t, cm, hm, "POST", "/channel")
	require.Equal(t, http.StatusMethodNotAllowed, res.Code)

	res = serve(t, cm, hm, "GET", "/channels/nope/history")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = serve(t, cm, hm, "GET", "/channels/"+contract.Hex()+"/history?limit=x")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = serve(t, cm, hm, "GET", "/channels/"+contract.Hex()+"/bids")
	require.Equal(t, http.StatusNotFound, res.Code)

	cm.AssertNotCalled(t, "Snapshot")
	hm.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything)
}

func serve(t *testing.T, c Channel, h History, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	res := httptest.NewRecorder()
	createMux(c, h).ServeHTTP(res, req)
	return res
}

func testSnapshot(t *testing.T) store.Snapshot {
	t.Helper()
	genesis := channel.Bid{IsAskBid: true, BidValue: 100, Signature0: []byte{1}, Signature1: []byte{2}}
	prev, err := channel.BidHash(genesis)
	require.NoError(t, err)
	bid := channel.Bid{Bidder: "bidder-1", BidValue: 150, PreviousBidHash: prev, Signature0: []byte{3}, Signature1: []byte{4}}
	winner, err := channel.BidHash(bid)
	require.NoError(t, err)
	return store.Snapshot{
		Version: store.Version,
		Config: channel.Config{
			Auctioneer:      common.HexToAddress("0x1"),
			Assistant:       common.HexToAddress("0x2"),
			ChallengePeriod: 10,
			MinBid:          100,
			ContractAddress: contract,
		},
		Bids:       []channel.Bid{genesis, bid},
		State:      channel.StateChallengePeriod,
		WinnerHash: winner,
		TakenAt:    time.Now().Truncate(time.Millisecond),
	}
}

type channelMock struct {
	mock.Mock
}

func (cm *channelMock) Snapshot() store.Snapshot {
	args := cm.Called()
	return args.Get(0).(store.Snapshot)
}

type historyMock struct {
	mock.Mock
}

func (hm *historyMock) History(ctx context.Context, contract common.Address, limit int) ([]store.Snapshot, error) {
	args := hm.Called(ctx, contract, limit)
	snaps, _ := args.Get(0).([]store.Snapshot)
	return snaps, args.Error(1)
}
