package rpcprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonRPCServer(t *testing.T, handle func(method string, params []interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result := handle(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestBlockNumber_ParsesHexResult(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []interface{}) interface{} {
		require.Equal(t, "eth_blockNumber", method)
		return "0x2a"
	})
	defer srv.Close()

	c := New(srv.URL, time.Second)
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestNonceAt_RequestsPendingCount(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params []interface{}) interface{} {
		require.Equal(t, "eth_getTransactionCount", method)
		require.Equal(t, "pending", params[1])
		return "0x7"
	})
	defer srv.Close()

	c := New(srv.URL, time.Second)
	var addr [20]byte
	n, err := c.NonceAt(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

func TestCall_PropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nonce too low"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestSubscribeNewHead_DeliversOnChangedTip(t *testing.T) {
	heights := []string{"0x1", "0x1", "0x2"}
	call := 0
	srv := jsonRPCServer(t, func(method string, params []interface{}) interface{} {
		h := heights[call]
		if call < len(heights)-1 {
			call++
		}
		return h
	})
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ch := make(chan uint64, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := c.SubscribeNewHead(ctx, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case n := <-ch:
		assert.Equal(t, uint64(1), n)
	case <-time.After(5 * time.Second):
		t.Fatal("expected an initial head")
	}

	select {
	case n := <-ch:
		assert.Equal(t, uint64(2), n)
	case <-time.After(10 * time.Second):
		t.Fatal("expected the changed head")
	}
}
