package rpc

import "encoding/json"

// JSON-RPC request/response envelope types.

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// getBlock response with transactionDetails=signatures.
type BlockSignatures struct {
	BlockHeight       *int64   `json:"blockHeight"`
	BlockTime         *int64   `json:"blockTime"`
	Blockhash         string   `json:"blockhash"`
	ParentSlot        int64    `json:"parentSlot"`
	PreviousBlockhash string   `json:"previousBlockhash"`
	Signatures        []string `json:"signatures"`
}

// getTransaction response (jsonParsed encoding).
type TransactionResult struct {
	Slot        int64            `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Transaction Transaction      `json:"transaction"`
	Meta        *TransactionMeta `json:"meta"`
}

type Transaction struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

// Message keeps instructions raw: instructions from programs the node cannot
// parse carry a different shape, so each is decoded individually and skipped
// on mismatch.
type Message struct {
	AccountKeys  []AccountKey      `json:"accountKeys"`
	Instructions []json.RawMessage `json:"instructions"`
}

type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type TransactionMeta struct {
	Err               interface{}        `json:"err"`
	Fee               uint64             `json:"fee"`
	PreTokenBalances  []TokenBalance     `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance     `json:"postTokenBalances"`
	InnerInstructions []InnerInstruction `json:"innerInstructions"`
	LogMessages       []string           `json:"logMessages"`
}

type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
	ProgramID     string        `json:"programId"`
}

type UITokenAmount struct {
	UIAmount *float64 `json:"uiAmount"`
	Decimals int      `json:"decimals"`
	Amount   string   `json:"amount"`
}

type InnerInstruction struct {
	Index        int               `json:"index"`
	Instructions []json.RawMessage `json:"instructions"`
}

// ParsedInstruction is the jsonParsed shape of an instruction from a program
// the node knows how to decode.
type ParsedInstruction struct {
	Program   string        `json:"program"`
	ProgramID string        `json:"programId"`
	Parsed    *ParsedDetail `json:"parsed,omitempty"`
}

type ParsedDetail struct {
	Type string          `json:"type"`
	Info InstructionInfo `json:"info"`
}

type InstructionInfo struct {
	Source      string         `json:"source"`
	Destination string         `json:"destination"`
	Authority   string         `json:"authority"`
	Mint        string         `json:"mint"`
	Amount      string         `json:"amount"`
	TokenAmount *UITokenAmount `json:"tokenAmount"`
}
