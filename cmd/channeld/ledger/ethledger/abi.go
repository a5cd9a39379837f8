package ethledger

// AuctionChannelABI is the ABI of the settlement contract.
const AuctionChannelABI = `[
  {
    "type": "constructor",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "auctioneer", "type": "address"},
      {"name": "assistant", "type": "address"},
      {"name": "challengePeriod", "type": "uint256"},
      {"name": "minBidValue", "type": "uint256"},
      {"name": "sigAuctioneer", "type": "bytes"},
      {"name": "sigAssistant", "type": "bytes"}
    ]
  },
  {
    "type": "function",
    "name": "updateWinnerBid",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "isAskBid", "type": "bool"},
      {"name": "bidder", "type": "string"},
      {"name": "bidValue", "type": "uint256"},
      {"name": "previousBidHash", "type": "bytes32"},
      {"name": "signature0", "type": "bytes"},
      {"name": "signature1", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "startChallengePeriod",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "signature", "type": "bytes"},
      {"name": "auctioneer", "type": "address"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "tryClose",
    "stateMutability": "nonpayable",
    "inputs": [],
    "outputs": []
  },
  {
    "type": "function",
    "name": "phase",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint8"}]
  },
  {
    "type": "function",
    "name": "winnerBidValue",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "winnerUserHash",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "string"}]
  }
]`
