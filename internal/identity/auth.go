package identity

import (
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ssd-technologies/nondominium/internal/model"
)

// TimestampWindow is the maximum age of a signed request before it is rejected.
const TimestampWindow = 5 * time.Minute

// request headers
const (
	HeaderAgent     = "X-Agent-ID"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
)

// SignRequest adds X-Agent-ID, X-Agent-Timestamp, and X-Agent-Signature headers
// to an outgoing HTTP request. The signature covers:
//
//	method + path + timestamp + body
func (id *Identity) SignRequest(req *http.Request, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)

	req.Header.Set(HeaderAgent, string(id.agent))
	req.Header.Set(HeaderTimestamp, ts)

	msg := req.Method + req.URL.Path + ts + string(body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(id.Sign([]byte(msg))))
}

// VerifyRequest checks that:
//  1. The timestamp is within TimestampWindow of now.
//  2. The Ed25519 signature is valid for the reconstructed message under
//     the key named in X-Agent-ID.
//
// It returns the verified agent.
func VerifyRequest(req *http.Request, body []byte, now time.Time) (model.AgentPubKey, error) {
	agent := model.AgentPubKey(req.Header.Get(HeaderAgent))
	tsStr := req.Header.Get(HeaderTimestamp)
	sigHex := req.Header.Get(HeaderSignature)

	if agent == "" {
		return "", fmt.Errorf("missing %s header", HeaderAgent)
	}
	if tsStr == "" {
		return "", fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	if sigHex == "" {
		return "", fmt.Errorf("missing %s header", HeaderSignature)
	}
	if !agent.Valid() {
		return "", fmt.Errorf("invalid agent key")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp: %w", err)
	}

	diff := math.Abs(float64(now.Unix() - ts))
	if diff > TimestampWindow.Seconds() {
		return "", fmt.Errorf("timestamp expired: %.0fs drift exceeds %v window", diff, TimestampWindow)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}

	msg := req.Method + req.URL.Path + tsStr + string(body)
	if !agent.Verify([]byte(msg), sig) {
		return "", fmt.Errorf("ed25519 signature verification failed")
	}
	return agent, nil
}
