// Package tsa requests RFC 3161 timestamp tokens for witness hashes.
package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// ErrRejected is returned when the authority answers with a non-granted status.
var ErrRejected = errors.New("timestamp request rejected")

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.RawValue `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo encapContentInfo
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
}

// Token is a granted timestamp.
type Token struct {
	DER          []byte
	GenTime      time.Time
	SerialNumber string
	Policy       string
}

// Client talks to one timestamp authority.
type Client struct {
	url        string
	policyOID  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(url, policyOID string, httpClient *http.Client, limiter *rate.Limiter) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{url: url, policyOID: policyOID, httpClient: httpClient, limiter: limiter}
}

// URL identifies the authority in events.
func (c *Client) URL() string { return c.url }

// Timestamp requests a token over a hex SHA-256 hash ("sha256:" prefix allowed).
func (c *Client) Timestamp(ctx context.Context, hashHex string) (Token, error) {
	digest, err := decodeDigest(hashHex)
	if err != nil {
		return Token{}, err
	}
	reqDER, err := BuildRequest(digest, c.policyOID)
	if err != nil {
		return Token{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Token{}, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return Token{}, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Token{}, fmt.Errorf("tsa request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read tsa response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("tsa_http_status_%d", resp.StatusCode)
	}
	if len(body) == 0 {
		return Token{}, fmt.Errorf("tsa_empty_response")
	}
	return ParseResponse(body, digest)
}

func decodeDigest(hashHex string) ([]byte, error) {
	h := strings.TrimPrefix(strings.TrimSpace(hashHex), "sha256:")
	digest, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("invalid hash: %w", err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("invalid hash length: %d", len(digest))
	}
	return digest, nil
}

// BuildRequest encodes a TimeStampReq for a SHA-256 digest with a random nonce.
func BuildRequest(digest []byte, policyOID string) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

// ParseResponse checks the PKI status of a TimeStampResp and extracts the
// token, refusing tokens issued over a different digest.
func ParseResponse(der, digest []byte) (Token, error) {
	var resp timeStampResp
	if _, err := asn1.Unmarshal(der, &resp); err != nil {
		return Token{}, fmt.Errorf("decode tsa response: %w", err)
	}
	// 0 granted, 1 grantedWithMods.
	if resp.Status.Status > 1 {
		return Token{}, fmt.Errorf("%w: status %d", ErrRejected, resp.Status.Status)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return Token{}, fmt.Errorf("%w: granted without token", ErrRejected)
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(resp.TimeStampToken.FullBytes, &ci); err != nil {
		return Token{}, fmt.Errorf("decode token content info: %w", err)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return Token{}, fmt.Errorf("decode signed data: %w", err)
	}
	var tstDER []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &tstDER); err != nil {
		return Token{}, fmt.Errorf("decode tst info octets: %w", err)
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(tstDER, &info); err != nil {
		return Token{}, fmt.Errorf("decode tst info: %w", err)
	}
	if !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return Token{}, fmt.Errorf("%w: token covers a different hash", ErrRejected)
	}

	tok := Token{
		DER:     resp.TimeStampToken.FullBytes,
		GenTime: info.GenTime.UTC(),
		Policy:  info.Policy.String(),
	}
	if info.SerialNumber != nil {
		tok.SerialNumber = info.SerialNumber.Text(16)
	}
	return tok, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy_oid")
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid policy_oid")
		}
		n := 0
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil, fmt.Errorf("invalid policy_oid")
			}
			n = n*10 + int(ch-'0')
		}
		out = append(out, n)
	}
	return out, nil
}
