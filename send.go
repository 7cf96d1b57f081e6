package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SendRequest is a remote request to write a payload to the reader.
type SendRequest struct {
	Payload   string `json:"payload"`
	Timestamp uint64 `json:"timestamp"` // unix seconds
	Signature string `json:"signature"` // hex or base64 HMAC-SHA256
}

// sendWindow bounds the clock skew accepted on a signed request.
const sendWindow = 5 * time.Minute

var errStaleRequest = errors.New("send request timestamp out of range")

// decodeSendRequest parses payload and, when secret is set, checks the
// signature and timestamp window.
func decodeSendRequest(secret string, payload []byte, now time.Time) (SendRequest, error) {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode send request: %w", err)
	}
	if req.Payload == "" {
		return req, fmt.Errorf("send request has empty payload")
	}
	if secret == "" {
		return req, nil
	}

	if err := verifySignature(secret, req.Payload, req.Timestamp, req.Signature); err != nil {
		return req, err
	}

	ts := time.Unix(int64(req.Timestamp), 0)
	if now.Before(ts.Add(-sendWindow)) || now.After(ts.Add(sendWindow)) {
		return req, errStaleRequest
	}
	return req, nil
}

// signSendRequest returns the HMAC-SHA256 of payload followed by the
// big-endian timestamp, hex and base64 encoded.
func signSendRequest(base64Secret, payload string, ts uint64) (string, string, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 secret: %w", err)
	}
	if len(secret) == 0 {
		return "", "", fmt.Errorf("secret cannot be empty")
	}

	msg := make([]byte, 0, len(payload)+8)
	msg = append(msg, payload...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ts)
	msg = append(msg, tsBuf[:]...)

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum), base64.StdEncoding.EncodeToString(sum), nil
}

func verifySignature(base64Secret, payload string, ts uint64, providedSig string) error {
	sigHex, _, err := signSendRequest(base64Secret, payload, ts)
	if err != nil {
		return err
	}
	expected, _ := hex.DecodeString(sigHex)

	// Try hex
	if decoded, err := hex.DecodeString(providedSig); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}

	// Try base64
	if decoded, err := base64.StdEncoding.DecodeString(providedSig); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}

	return fmt.Errorf("signature verification failed")
}
