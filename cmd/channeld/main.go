package main

import (
	"context"
	_ "net/http/pprof"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/textileio/auction-channel/cmd/channeld/service"
	"github.com/textileio/auction-channel/common"
	"github.com/textileio/cli"
	logging "github.com/textileio/go-log/v2"
)

var (
	daemonName = "channeld"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []cli.Flag{
		{Name: "datastore-path", DefValue: "${HOME}/.channeld", Description: "Path of the badger datastore holding snapshots"},
		{Name: "http-addr", DefValue: ":8888", Description: "Inspection HTTP API listen address"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},

		{Name: "ledger-mock", DefValue: false, Description: "Use an in-memory ledger instead of an Ethereum chain"},
		{Name: "eth-endpoint", DefValue: "", Description: "Ethereum JSON-RPC endpoint"},
		{Name: "eth-chain-id", DefValue: int64(0), Description: "Ethereum chain id used for EIP-155 signing"},
		{Name: "eth-timeout", DefValue: "2m", Description: "Timeout for dialing and for every ledger transaction"},
		{Name: "contract-addr", DefValue: "", Description: "Address of an opened channel contract to restore"},
		{Name: "contract-bytecode-path", DefValue: "", Description: "Path of the hex-encoded channel contract bytecode deployed on opening"},
		{Name: "tx-key", DefValue: "", Description: "Hex-encoded private key paying for ledger transactions"},

		{Name: "auctioneer-key", DefValue: "", Description: "Hex-encoded auctioneer signing key"},
		{Name: "assistant-key", DefValue: "", Description: "Hex-encoded assistant signing key"},
		{Name: "open-channel", DefValue: false, Description: "Open a new channel on start when none was restored; requires both role keys"},
		{Name: "challenge-period", DefValue: int64(100), Description: "Challenge period of new channels in ledger time units"},
		{Name: "min-bid", DefValue: int64(0), Description: "Minimum bid value of new channels"},

		{Name: "confirm-freq", DefValue: "5s", Description: "Frequency of ledger phase polling after a settlement call"},
		{Name: "confirm-attempts", DefValue: 60, Description: "Ledger phase reads before a settlement call is considered unconfirmed"},

		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id for channel events"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "gpubsub-topic-prefix", DefValue: "", Description: "Google PubSub topic prefix"},

		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	cli.ConfigureCLI(v, "CHANNEL", flags, rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "channeld runs a two-party off-chain auction channel",
	Long:  "channeld runs a two-party off-chain auction channel settled on an Ethereum contract",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cli.ExpandEnvVars(v, v.AllSettings())
		err := cli.ConfigureLogging(v, []string{
			daemonName,
			"channeld/session",
			"channeld/settlement",
			"channeld/store",
			"channeld/api",
			"ethledger",
			"ledgermock",
			"msgbroker/gpubsub",
		})
		cli.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := cli.MarshalConfig(v, !v.GetBool("log-json"),
			"tx-key", "auctioneer-key", "assistant-key", "gpubsub-api-key")
		cli.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))

		err = common.SetupInstrumentation(v.GetString("metrics-addr"))
		cli.CheckErrf("booting instrumentation: %v", err)

		config := service.Config{
			DatastorePath:  v.GetString("datastore-path"),
			HTTPListenAddr: v.GetString("http-addr"),

			LedgerMock:       v.GetBool("ledger-mock"),
			EthEndpoint:      v.GetString("eth-endpoint"),
			EthChainID:       v.GetInt64("eth-chain-id"),
			EthTimeout:       v.GetDuration("eth-timeout"),
			ContractAddr:     v.GetString("contract-addr"),
			ContractBytecode: v.GetString("contract-bytecode-path"),
			TxKey:            v.GetString("tx-key"),

			AuctioneerKey: v.GetString("auctioneer-key"),
			AssistantKey:  v.GetString("assistant-key"),

			ChallengePeriod: v.GetUint64("challenge-period"),
			MinBid:          v.GetUint64("min-bid"),

			ConfirmFreq:     v.GetDuration("confirm-freq"),
			ConfirmAttempts: v.GetInt("confirm-attempts"),

			GPubsubProjectID:   v.GetString("gpubsub-project-id"),
			GPubsubAPIKey:      v.GetString("gpubsub-api-key"),
			GPubsubTopicPrefix: v.GetString("gpubsub-topic-prefix"),
		}
		serv, err := service.New(config)
		cli.CheckErrf("starting service: %v", err)

		if v.GetBool("open-channel") && config.ContractAddr == "" {
			cfg, err := serv.Open(context.Background())
			cli.CheckErrf("opening channel: %v", err)
			log.Infof("channel contract is %s; restart with --contract-addr to restore it", cfg.ContractAddress)
		}

		cli.HandleInterrupt(func() {
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
		})
	},
}

func main() {
	cli.CheckErr(rootCmd.Execute())
}
