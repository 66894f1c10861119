package notary

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var docHash = strings.Repeat("ab", 32)

func attestation(height uint64) []byte {
	payload := binary.AppendUvarint(nil, height)
	out := []byte{0xf0, 0x10, 0x01}
	out = append(out, bitcoinAttestationTag...)
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func TestBitcoinAttestationHeight(t *testing.T) {
	h, ok := bitcoinAttestationHeight(attestation(840000))
	require.True(t, ok)
	assert.Equal(t, int64(840000), h)

	_, ok = bitcoinAttestationHeight([]byte{0x00, 0x01})
	assert.False(t, ok)

	truncated := attestation(840000)
	_, ok = bitcoinAttestationHeight(truncated[:len(truncated)-2])
	assert.False(t, ok)
}

func TestOpenTimestampsLifecycle(t *testing.T) {
	var upgraded atomic.Bool
	pending := []byte{0x00, 0xf1, 0x02}

	calendar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/digest":
			body, _ := io.ReadAll(r.Body)
			assert.Len(t, body, 32)
			_, _ = w.Write(pending)
		case r.Method == http.MethodGet && r.URL.Path == "/timestamp/"+docHash:
			if !upgraded.Load() {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(attestation(840000))
		default:
			t.Errorf("unexpected calendar call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer calendar.Close()

	esplora := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/block-height/840000":
			_, _ = io.WriteString(w, "0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5")
		case "/block/0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5":
			_, _ = io.WriteString(w, `{"height":840000,"timestamp":1713571767}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer esplora.Close()

	ctx := context.Background()
	ots := NewOpenTimestamps(calendar.URL+"/", esplora.URL, calendar.Client(), rate.NewLimiter(rate.Inf, 1))
	assert.Equal(t, calendar.URL, ots.Endpoint())

	proof, err := ots.Submit(ctx, docHash)
	require.NoError(t, err)
	_, ok := ots.TxRef(proof)
	assert.False(t, ok)

	same, err := ots.Upgrade(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, proof, same)

	upgraded.Store(true)
	next, err := ots.Upgrade(ctx, proof)
	require.NoError(t, err)
	assert.NotEqual(t, proof, next)

	ref, ok := ots.TxRef(next)
	require.True(t, ok)
	assert.Equal(t, "840000", ref)

	conf, err := ots.FetchConfirmation(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(840000), conf.BlockHeight)
	assert.Equal(t, time.Unix(1713571767, 0).UTC(), conf.BlockTime)

	_, err = ots.Submit(ctx, "zz")
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestPolygonLifecycle(t *testing.T) {
	const txHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
	var mined atomic.Bool

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/anchor", r.URL.Path)
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, docHash, in["hash"])
		_, _ = io.WriteString(w, `{"tx_hash":"`+txHash+`"}`)
	}))
	defer relay.Close()

	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "eth_getTransactionReceipt":
			if !mined.Load() {
				_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
				return
			}
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"status":"0x1","blockNumber":"0x3a8f1c2","blockHash":"0xabc"}}`)
		case "eth_getBlockByNumber":
			assert.Equal(t, "0x3a8f1c2", req.Params[0])
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"number":"0x3a8f1c2","timestamp":"0x6623e1b7"}}`)
		default:
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
		}
	}))
	defer rpc.Close()

	ctx := context.Background()
	poly := NewPolygon(relay.URL, rpc.URL, nil, nil)

	proof, err := poly.Submit(ctx, docHash)
	require.NoError(t, err)

	same, err := poly.Upgrade(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, proof, same)
	_, ok := poly.TxRef(same)
	assert.False(t, ok)

	mined.Store(true)
	next, err := poly.Upgrade(ctx, proof)
	require.NoError(t, err)
	assert.NotEqual(t, proof, next)

	ref, ok := poly.TxRef(next)
	require.True(t, ok)
	assert.Equal(t, txHash, ref)

	conf, err := poly.FetchConfirmation(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(0x3a8f1c2), conf.BlockHeight)
	assert.Equal(t, time.Unix(0x6623e1b7, 0).UTC(), conf.BlockTime)
}

func TestPolygonRevertedAndRelayErrors(t *testing.T) {
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"status":"0x0","blockNumber":"0x1"}}`)
	}))
	defer rpc.Close()
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer relay.Close()

	poly := NewPolygon(relay.URL, rpc.URL, nil, nil)
	_, err := poly.Submit(context.Background(), docHash)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))

	proof, _ := json.Marshal(polygonProof{Relay: relay.URL, Hash: docHash, TxHash: "0x1"})
	_, err = poly.Upgrade(context.Background(), proof)
	assert.True(t, errors.Is(err, ErrRejected))
}
