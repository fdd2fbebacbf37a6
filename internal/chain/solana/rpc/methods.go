package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

const commitmentConfirmed = "confirmed"

// GetSlot returns the current head slot at confirmed commitment.
func (c *Client) GetSlot(ctx context.Context) (int64, error) {
	params := []interface{}{
		map[string]string{"commitment": commitmentConfirmed},
	}
	result, err := c.call(ctx, "getSlot", params)
	if err != nil {
		return 0, err
	}

	var slot int64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("unmarshal slot: %w", err)
	}
	return slot, nil
}

// GetBlockTime returns the wall-clock timestamp of a slot as a unix epoch,
// or nil when the node has no timestamp for it. A skipped or pruned slot is
// reported as (nil, nil) rather than an error.
func (c *Client) GetBlockTime(ctx context.Context, slot int64) (*int64, error) {
	params := []interface{}{slot}
	result, err := c.call(ctx, "getBlockTime", params)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var blockTime *int64
	if err := json.Unmarshal(result, &blockTime); err != nil {
		return nil, fmt.Errorf("unmarshal block time: %w", err)
	}
	return blockTime, nil
}

// GetBlocks returns the confirmed slots in [startSlot, endSlot].
func (c *Client) GetBlocks(ctx context.Context, startSlot, endSlot int64) ([]int64, error) {
	params := []interface{}{
		startSlot,
		endSlot,
		map[string]string{"commitment": commitmentConfirmed},
	}
	result, err := c.call(ctx, "getBlocks", params)
	if err != nil {
		return nil, err
	}

	var slots []int64
	if err := json.Unmarshal(result, &slots); err != nil {
		return nil, fmt.Errorf("unmarshal slots: %w", err)
	}
	return slots, nil
}

// GetBlockSignatures fetches a block with signatures-only detail, keeping the
// response small; full transaction bodies are fetched lazily per signature.
func (c *Client) GetBlockSignatures(ctx context.Context, slot int64) (*BlockSignatures, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"transactionDetails":             "signatures",
			"rewards":                        false,
			"commitment":                     commitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	}
	result, err := c.call(ctx, "getBlock", params)
	if err != nil {
		return nil, err
	}

	var block BlockSignatures
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, newError(KindOversized, "getBlock", fmt.Errorf("unmarshal block: %w", err))
	}
	return &block, nil
}

// GetTransaction returns a parsed transaction by signature. A transaction the
// node no longer holds is reported as a not-found error.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     commitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	}
	result, err := c.call(ctx, "getTransaction", params)
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, newError(KindNotFound, "getTransaction", fmt.Errorf("transaction %s not found", signature))
	}

	var tx TransactionResult
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, newError(KindOversized, "getTransaction", fmt.Errorf("unmarshal transaction: %w", err))
	}
	return &tx, nil
}
