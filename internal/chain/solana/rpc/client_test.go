package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func rpcResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	resp := Response{JSONRPC: "2.0", ID: 1, Result: raw}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func rpcError(t *testing.T, w http.ResponseWriter, code int, message string) {
	t.Helper()
	resp := Response{JSONRPC: "2.0", ID: 1, Error: &RPCError{Code: code, Message: message}}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestGetSlot(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getSlot", req.Method)
		rpcResult(t, w, int64(123456))
	})

	client := NewClient(srv.URL, slog.Default())
	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(123456), slot)
}

func TestCall_HTTP429_IsRateLimited(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client := NewClient(srv.URL, slog.Default())
	_, err := client.GetSlot(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsRateLimited(err))
}

func TestCall_TruncatedBody_IsOversized(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// A payload cut off mid-object, as providers do when a block
		// exceeds their response limit.
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"signatures":["abc`))
	})

	client := NewClient(srv.URL, slog.Default())
	_, err := client.GetBlockSignatures(context.Background(), 100)
	require.Error(t, err)
	assert.Equal(t, KindOversized, KindOf(err))
}

func TestCall_ConnectionRefused_IsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, slog.Default())
	_, err := client.GetSlot(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestCall_HTTP500_IsTransport(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	})

	client := NewClient(srv.URL, slog.Default())
	_, err := client.GetSlot(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Kind
	}{
		{"slot skipped", -32007, KindNotFound},
		{"long-term storage", -32009, KindNotFound},
		{"block not available", -32004, KindNotFound},
		{"block cleaned up", -32001, KindNotFound},
		{"tx history disabled", -32011, KindNotFound},
		{"node behind / throttled", -32005, KindRateLimited},
		{"invalid params", -32602, KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				rpcError(t, w, tt.code, tt.name)
			})
			client := NewClient(srv.URL, slog.Default())
			_, err := client.GetBlockSignatures(context.Background(), 42)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestGetBlockTime_SkippedSlotIsNil(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcError(t, w, -32007, "slot was skipped")
	})

	client := NewClient(srv.URL, slog.Default())
	bt, err := client.GetBlockTime(context.Background(), 40)
	require.NoError(t, err)
	assert.Nil(t, bt)
}

func TestGetBlockSignatures(t *testing.T) {
	blockTime := int64(1_700_000_000)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getBlock", req.Method)

		opts, ok := req.Params[1].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "signatures", opts["transactionDetails"])
		assert.Equal(t, false, opts["rewards"])

		rpcResult(t, w, BlockSignatures{
			BlockTime:  &blockTime,
			Blockhash:  "hash1",
			Signatures: []string{"sig1", "sig2"},
		})
	})

	client := NewClient(srv.URL, slog.Default())
	block, err := client.GetBlockSignatures(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, block.BlockTime)
	assert.Equal(t, blockTime, *block.BlockTime)
	assert.Equal(t, []string{"sig1", "sig2"}, block.Signatures)
}

func TestGetTransaction_NullResultIsNotFound(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	})

	client := NewClient(srv.URL, slog.Default())
	_, err := client.GetTransaction(context.Background(), "sigX")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGetBlocks(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getBlocks", req.Method)
		rpcResult(t, w, []int64{10, 11, 13})
	})

	client := NewClient(srv.URL, slog.Default())
	slots, err := client.GetBlocks(context.Background(), 10, 13)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 13}, slots)
}
