package notary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"certification-pipeline/internal/models"
)

type polygonProof struct {
	Relay       string `json:"relay"`
	Hash        string `json:"hash"`
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
}

// Polygon anchors through an anchoring relay that writes the hash in a
// transaction, and follows the transaction over Ethereum JSON-RPC.
type Polygon struct {
	relay string
	rpc   string
	http  httpDoer
}

var _ Notary = (*Polygon)(nil)

func NewPolygon(relayURL, rpcURL string, client *http.Client, limiter *rate.Limiter) *Polygon {
	return &Polygon{
		relay: strings.TrimRight(relayURL, "/"),
		rpc:   rpcURL,
		http:  newHTTPDoer(client, limiter),
	}
}

func (p *Polygon) Network() models.Network { return models.NetworkPolygon }
func (p *Polygon) Endpoint() string        { return p.relay }

func (p *Polygon) Submit(ctx context.Context, hash string) ([]byte, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := p.http.doJSON(ctx, http.MethodPost, p.relay+"/anchor", map[string]string{"hash": hash}, &out); err != nil {
		return nil, err
	}
	if out.TxHash == "" {
		return nil, fmt.Errorf("%s: relay returned no transaction: %w", p.relay, ErrRejected)
	}
	return json.Marshal(polygonProof{Relay: p.relay, Hash: hash, TxHash: out.TxHash})
}

type txReceipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

func (p *Polygon) receipt(ctx context.Context, txHash string) (*txReceipt, error) {
	var r *txReceipt
	if err := p.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &r); err != nil {
		return nil, err
	}
	if r != nil && r.Status == "0x0" {
		return nil, fmt.Errorf("transaction %s reverted: %w", txHash, ErrRejected)
	}
	return r, nil
}

func (p *Polygon) Upgrade(ctx context.Context, proof []byte) ([]byte, error) {
	var pr polygonProof
	if err := json.Unmarshal(proof, &pr); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if pr.BlockNumber > 0 {
		return proof, nil
	}
	r, err := p.receipt(ctx, pr.TxHash)
	if err != nil {
		return nil, err
	}
	if r == nil || r.BlockNumber == "" {
		return proof, nil
	}
	n, err := parseQuantity(r.BlockNumber)
	if err != nil {
		return nil, err
	}
	pr.BlockNumber = n
	pr.BlockHash = r.BlockHash
	return json.Marshal(pr)
}

func (p *Polygon) TxRef(proof []byte) (string, bool) {
	var pr polygonProof
	if err := json.Unmarshal(proof, &pr); err != nil || pr.TxHash == "" || pr.BlockNumber == 0 {
		return "", false
	}
	return pr.TxHash, true
}

// FetchConfirmation reads the mined block of a transaction and its timestamp.
func (p *Polygon) FetchConfirmation(ctx context.Context, txRef string) (Confirmation, error) {
	r, err := p.receipt(ctx, txRef)
	if err != nil {
		return Confirmation{}, err
	}
	if r == nil {
		return Confirmation{}, fmt.Errorf("receipt for %s: %w", txRef, ErrNotFound)
	}
	var block struct {
		Number    string `json:"number"`
		Timestamp string `json:"timestamp"`
	}
	if err := p.call(ctx, "eth_getBlockByNumber", []any{r.BlockNumber, false}, &block); err != nil {
		return Confirmation{}, err
	}
	height, err := parseQuantity(r.BlockNumber)
	if err != nil {
		return Confirmation{}, err
	}
	ts, err := parseQuantity(block.Timestamp)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{TxRef: txRef, BlockHeight: height, BlockTime: time.Unix(ts, 0).UTC()}, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *Polygon) call(ctx context.Context, method string, params []any, result any) error {
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := p.http.doJSON(ctx, http.MethodPost, p.rpc, req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func parseQuantity(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return n, nil
}
