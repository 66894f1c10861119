package notary

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"certification-pipeline/internal/models"
)

// bitcoinAttestationTag marks a Bitcoin block header attestation inside an
// OpenTimestamps proof.
var bitcoinAttestationTag = []byte{0x05, 0x88, 0x96, 0x0d, 0x73, 0xd7, 0x19, 0x01}

type otsProof struct {
	Calendar    string `json:"calendar"`
	Digest      string `json:"digest"`
	Timestamp   []byte `json:"timestamp"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// OpenTimestamps anchors to Bitcoin through one OpenTimestamps calendar and
// reads block data from an Esplora-compatible API.
type OpenTimestamps struct {
	calendar string
	esplora  string
	http     httpDoer
}

var _ Notary = (*OpenTimestamps)(nil)

func NewOpenTimestamps(calendarURL, esploraURL string, client *http.Client, limiter *rate.Limiter) *OpenTimestamps {
	return &OpenTimestamps{
		calendar: strings.TrimRight(calendarURL, "/"),
		esplora:  strings.TrimRight(esploraURL, "/"),
		http:     newHTTPDoer(client, limiter),
	}
}

func (o *OpenTimestamps) Network() models.Network { return models.NetworkBitcoin }
func (o *OpenTimestamps) Endpoint() string        { return o.calendar }

func (o *OpenTimestamps) Submit(ctx context.Context, hash string) ([]byte, error) {
	digest, err := hex.DecodeString(strings.TrimPrefix(hash, "sha256:"))
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("invalid document hash: %w", ErrRejected)
	}
	ts, err := o.http.do(ctx, http.MethodPost, o.calendar+"/digest", "application/octet-stream", digest)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("%s: empty timestamp", o.calendar)
	}
	return json.Marshal(otsProof{Calendar: o.calendar, Digest: hex.EncodeToString(digest), Timestamp: ts})
}

func (o *OpenTimestamps) Upgrade(ctx context.Context, proof []byte) ([]byte, error) {
	var p otsProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	ts, err := o.http.do(ctx, http.MethodGet, o.calendar+"/timestamp/"+p.Digest, "", nil)
	if err != nil {
		// Calendars answer 404 until the commitment is in a block.
		if errors.Is(err, ErrNotFound) {
			return proof, nil
		}
		return nil, err
	}
	if len(ts) == 0 || bytes.Equal(ts, p.Timestamp) {
		return proof, nil
	}
	height, ok := bitcoinAttestationHeight(ts)
	if !ok {
		// Upgraded but still only pending attestations.
		return proof, nil
	}
	p.Timestamp = ts
	p.BlockHeight = height
	return json.Marshal(p)
}

func (o *OpenTimestamps) TxRef(proof []byte) (string, bool) {
	var p otsProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return "", false
	}
	if p.BlockHeight > 0 {
		return strconv.FormatInt(p.BlockHeight, 10), true
	}
	if h, ok := bitcoinAttestationHeight(p.Timestamp); ok {
		return strconv.FormatInt(h, 10), true
	}
	return "", false
}

// FetchConfirmation resolves a block height to its hash and header time.
func (o *OpenTimestamps) FetchConfirmation(ctx context.Context, txRef string) (Confirmation, error) {
	height, err := strconv.ParseInt(txRef, 10, 64)
	if err != nil {
		return Confirmation{}, fmt.Errorf("invalid block height %q: %w", txRef, ErrRejected)
	}
	hash, err := o.http.do(ctx, http.MethodGet, fmt.Sprintf("%s/block-height/%d", o.esplora, height), "", nil)
	if err != nil {
		return Confirmation{}, err
	}
	blockHash := strings.TrimSpace(string(hash))
	var block struct {
		Height    int64 `json:"height"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := o.http.doJSON(ctx, http.MethodGet, o.esplora+"/block/"+blockHash, nil, &block); err != nil {
		return Confirmation{}, err
	}
	return Confirmation{TxRef: blockHash, BlockHeight: height, BlockTime: time.Unix(block.Timestamp, 0).UTC()}, nil
}

// bitcoinAttestationHeight finds the first Bitcoin attestation in a
// serialized timestamp and returns its block height.
func bitcoinAttestationHeight(ts []byte) (int64, bool) {
	i := bytes.Index(ts, bitcoinAttestationTag)
	if i < 0 {
		return 0, false
	}
	rest := ts[i+len(bitcoinAttestationTag):]
	size, n := readVarUint(rest)
	if n == 0 || uint64(len(rest)-n) < size {
		return 0, false
	}
	height, m := readVarUint(rest[n : n+int(size)])
	if m == 0 {
		return 0, false
	}
	return int64(height), true
}

// readVarUint decodes an unsigned LEB128 integer, returning the bytes consumed
// (0 on malformed input).
func readVarUint(b []byte) (uint64, int) {
	var v uint64
	for i, c := range b {
		if i == 9 {
			return 0, 0
		}
		v |= uint64(c&0x7f) << (7 * uint(i))
		if c&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}
