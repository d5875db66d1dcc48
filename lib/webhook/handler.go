// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook receives the tracker's inbound notifications: it
// authenticates the HMAC signature on each delivery and turns
// closed-issue notifications into event-store resolutions. Everything
// else the tracker sends is acknowledged and dropped — filtering,
// not failure.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxBodySize caps webhook payloads. Issue events are a few KB;
// 1 MB is generous headroom.
const maxBodySize = 1 << 20

// deduplicationWindow is how long delivery IDs are tracked for
// replay protection. GitHub retries within minutes, so an hour is
// conservative.
const deduplicationWindow = 1 * time.Hour

// Resolver queues the close of events referencing a tracker issue.
// Wired to the dispatcher; must return quickly so the tracker gets
// its acknowledgment before the store mutation runs.
type Resolver interface {
	Resolve(issueNumber int64) error
}

// Handler processes tracker webhook deliveries. It responds with
// exactly two status codes: 401 when authenticity cannot be
// established, 200 for everything else — including payloads it does
// not act on, so the tracker never sees filtering as an error.
type Handler struct {
	secret   []byte
	resolver Resolver
	logger   *slog.Logger

	// deliveries tracks recently seen delivery IDs for replay
	// protection.
	mu         sync.Mutex
	deliveries map[string]time.Time
}

// HandlerConfig configures a webhook Handler.
type HandlerConfig struct {
	// Secret is the shared HMAC secret. An empty secret does not
	// disable verification: every delivery is rejected with 401
	// until a secret is configured.
	Secret []byte

	// Resolver queues resolution work. Required.
	Resolver Resolver

	// Logger receives delivery diagnostics. Required.
	Logger *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("webhook: Resolver is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("webhook: Logger is required")
	}
	return &Handler{
		secret:     config.Secret,
		resolver:   config.Resolver,
		logger:     config.Logger,
		deliveries: make(map[string]time.Time),
	}, nil
}

// issuePayload is the slice of the webhook body the handler reads.
type issuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int64 `json:"number"`
	} `json:"issue"`
}

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	// The raw bytes are needed for HMAC verification before any
	// parsing.
	body, err := io.ReadAll(io.LimitReader(request.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("webhook: reading body failed", "error", err)
		http.Error(writer, "", http.StatusUnauthorized)
		return
	}

	signature := request.Header.Get("X-Hub-Signature-256")
	if err := VerifyHMAC(h.secret, body, signature); err != nil {
		h.logger.Warn("webhook: signature verification failed",
			"error", err,
			"remote_addr", request.RemoteAddr,
		)
		// 401 with no information disclosure.
		http.Error(writer, "", http.StatusUnauthorized)
		return
	}

	eventKind := request.Header.Get("X-GitHub-Event")
	deliveryID := request.Header.Get("X-GitHub-Delivery")

	if eventKind != "issues" {
		h.logger.Debug("webhook: unhandled event kind, ignoring",
			"event_kind", eventKind,
			"delivery_id", deliveryID,
		)
		writer.WriteHeader(http.StatusOK)
		return
	}

	// Replay protection: a redelivered notification is acknowledged
	// without acting twice.
	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("webhook: duplicate delivery, ignoring",
			"delivery_id", deliveryID,
		)
		writer.WriteHeader(http.StatusOK)
		return
	}

	var payload issuePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Retrying will not fix a malformed payload; acknowledge it.
		h.logger.Error("webhook: unparseable payload",
			"delivery_id", deliveryID,
			"error", err,
		)
		writer.WriteHeader(http.StatusOK)
		return
	}

	if payload.Action != "closed" || payload.Issue.Number == 0 {
		writer.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("webhook: issue closed upstream",
		"issue", payload.Issue.Number,
		"delivery_id", deliveryID,
	)

	// Queue the resolution and acknowledge immediately; the store
	// mutation completes after the response is on the wire.
	if err := h.resolver.Resolve(payload.Issue.Number); err != nil {
		h.logger.Error("webhook: queueing resolution failed",
			"issue", payload.Issue.Number,
			"error", err,
		)
	}
	writer.WriteHeader(http.StatusOK)
}

// isDuplicate checks and records a delivery ID, pruning entries
// older than the deduplication window.
func (h *Handler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}

	if _, exists := h.deliveries[deliveryID]; exists {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}

// VerifyHMAC verifies an HMAC-SHA256 signature over a webhook body.
// The signature is the hex digest with the tracker's "sha256="
// prefix. The comparison is constant-time, and error messages never
// include the expected digest.
func VerifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook HMAC: no secret configured")
	}
	if signature == "" {
		return errors.New("webhook HMAC: signature is missing")
	}

	hexSignature := strings.TrimPrefix(signature, "sha256=")
	signatureBytes, err := hex.DecodeString(hexSignature)
	if err != nil {
		return fmt.Errorf("webhook HMAC: invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signatureBytes) != 1 {
		return errors.New("webhook HMAC: signature mismatch")
	}
	return nil
}
