package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/auction-channel/channel"
	"github.com/textileio/auction-channel/cmd/channeld/store"
	logging "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// LogName is the logger system of the API.
	LogName = "channeld/api"
)

var (
	log = logging.Logger(LogName)
)

// Channel exposes the current record of a channel.
type Channel interface {
	Snapshot() store.Snapshot
}

// History lists the stored snapshots of a channel.
type History interface {
	History(ctx context.Context, contract common.Address, limit int) ([]store.Snapshot, error)
}

// Status is the summary returned by /channel.
type Status struct {
	Config      channel.Config `json:"config"`
	State       channel.State  `json:"state"`
	BidCount    int            `json:"bidCount"`
	LastBid     *channel.Bid   `json:"lastBid,omitempty"`
	Winner      *channel.Bid   `json:"winner,omitempty"`
	RetrievedAt time.Time      `json:"retrievedAt"`
}

// NewServer returns a new http server serving the inspection API.
func NewServer(listenAddr string, c Channel, h History) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		WriteTimeout:      time.Second * 10,
		Handler:           createMux(c, h),
	}

	log.Infof("running http api on %s", listenAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	return httpServer, nil
}

func createMux(c Channel, h History) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/channel", otelhttp.NewHandler(getOnly(statusHandler(c)), "channel"))
	mux.Handle("/channel/bids", otelhttp.NewHandler(getOnly(bidsHandler(c)), "channel-bids"))
	mux.Handle("/channel/snapshot", otelhttp.NewHandler(getOnly(snapshotHandler(c)), "channel-snapshot"))
	mux.Handle("/channels/", otelhttp.NewHandler(getOnly(historyHandler(h)), "channel-history"))
	return mux
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpError(w, "only GET method is allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func statusHandler(c Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		st := Status{
			Config:      snap.Config,
			State:       snap.State,
			BidCount:    len(snap.Bids),
			RetrievedAt: time.Now(),
		}
		if n := len(snap.Bids); n > 0 {
			last := snap.Bids[n-1]
			st.LastBid = &last
		}
		if win, ok := snap.Winner(); ok {
			st.Winner = &win
		}
		writeJSON(w, st)
	}
}

func bidsHandler(c Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bids := c.Snapshot().Bids
		if bids == nil {
			bids = []channel.Bid{}
		}
		writeJSON(w, bids)
	}
}

func snapshotHandler(c Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		data, err := store.Encode(snap)
		if err != nil {
			httpError(w, fmt.Sprintf("encoding snapshot: %s", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

// historyHandler serves /channels/<contract>/history?limit=N.
func historyHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/channels/"), "/"), "/")
		if len(parts) != 2 || parts[1] != "history" {
			httpError(w, "not found", http.StatusNotFound)
			return
		}
		if !common.IsHexAddress(parts[0]) {
			httpError(w, fmt.Sprintf("invalid contract address %q", parts[0]), http.StatusBadRequest)
			return
		}
		contract := common.HexToAddress(parts[0])

		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			var err error
			limit, err = strconv.Atoi(l)
			if err != nil {
				httpError(w, fmt.Sprintf("parsing limit: %s", err), http.StatusBadRequest)
				return
			}
		}

		snaps, err := h.History(r.Context(), contract, limit)
		if err != nil {
			httpError(w, fmt.Sprintf("listing history: %s", err), http.StatusInternalServerError)
			return
		}
		if snaps == nil {
			snaps = []store.Snapshot{}
		}
		writeJSON(w, snaps)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httpError(w, fmt.Sprintf("marshaling response: %s", err), http.StatusInternalServerError)
		return
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Errorf("request error: %s", err)
	http.Error(w, err, status)
}
