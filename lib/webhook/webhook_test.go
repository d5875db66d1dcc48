// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faultline-sh/faultline/lib/testutil"
)

type fakeResolver struct {
	resolved []int64
	err      error
}

func (resolver *fakeResolver) Resolve(issueNumber int64) error {
	if resolver.err != nil {
		return resolver.err
	}
	resolver.resolved = append(resolver.resolved, issueNumber)
	return nil
}

var testSecret = []byte("webhook-secret")

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(t *testing.T, secret []byte, resolver *fakeResolver) *Handler {
	t.Helper()
	handler, err := NewHandler(HandlerConfig{
		Secret:   secret,
		Resolver: resolver,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("creating handler: %v", err)
	}
	return handler
}

// deliver sends one signed webhook request and returns the response
// status.
func deliver(handler *Handler, kind, deliveryID, signature string, body []byte) int {
	request := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(string(body)))
	if signature != "" {
		request.Header.Set("X-Hub-Signature-256", signature)
	}
	if kind != "" {
		request.Header.Set("X-GitHub-Event", kind)
	}
	if deliveryID != "" {
		request.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder.Code
}

func TestClosedIssueTriggersResolution(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	status := deliver(handler, "issues", "delivery-1", sign(testSecret, body), body)
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if len(resolver.resolved) != 1 || resolver.resolved[0] != 42 {
		t.Errorf("resolved = %v, want [42]", resolver.resolved)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	status := deliver(handler, "issues", "delivery-1", sign([]byte("wrong-secret"), body), body)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
	if len(resolver.resolved) != 0 {
		t.Errorf("resolved = %v despite bad signature", resolver.resolved)
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	if status := deliver(handler, "issues", "delivery-1", "", body); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
	if len(resolver.resolved) != 0 {
		t.Errorf("resolved = %v despite missing signature", resolver.resolved)
	}
}

func TestMissingSecretRejectsEverything(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, nil, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	// Even a signature computed over an empty secret is rejected; an
	// unconfigured secret fails closed.
	if status := deliver(handler, "issues", "delivery-1", sign(nil, body), body); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestNonIssueKindIgnored(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	if status := deliver(handler, "pull_request", "delivery-1", sign(testSecret, body), body); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if len(resolver.resolved) != 0 {
		t.Errorf("resolved = %v for non-issue kind", resolver.resolved)
	}
}

func TestNonClosedActionIgnored(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	for _, action := range []string{"opened", "reopened", "labeled"} {
		body := []byte(fmt.Sprintf(`{"action":%q,"issue":{"number":42}}`, action))
		status := deliver(handler, "issues", "delivery-"+action, sign(testSecret, body), body)
		if status != http.StatusOK {
			t.Errorf("action %q: status = %d, want 200", action, status)
		}
	}
	if len(resolver.resolved) != 0 {
		t.Errorf("resolved = %v for non-closed actions", resolver.resolved)
	}
}

func TestMalformedPayloadAcknowledged(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action": "closed", "issue":`)
	// Retrying cannot fix a malformed body, so the tracker gets a
	// 200 rather than an error it would retry forever.
	if status := deliver(handler, "issues", "delivery-1", sign(testSecret, body), body); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if len(resolver.resolved) != 0 {
		t.Errorf("resolved = %v for malformed payload", resolver.resolved)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	body := []byte(`{"action":"closed","issue":{"number":42}}`)
	signature := sign(testSecret, body)
	for range 2 {
		if status := deliver(handler, "issues", "delivery-1", signature, body); status != http.StatusOK {
			t.Errorf("status = %d, want 200", status)
		}
	}
	if len(resolver.resolved) != 1 {
		t.Errorf("resolved %d times, want 1 (duplicate delivery)", len(resolver.resolved))
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"action":"closed"}`)

	if err := VerifyHMAC(testSecret, body, sign(testSecret, body)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifyHMAC(testSecret, body, strings.TrimPrefix(sign(testSecret, body), "sha256=")); err != nil {
		t.Errorf("unprefixed valid signature rejected: %v", err)
	}
	if err := VerifyHMAC(testSecret, body, sign([]byte("other"), body)); err == nil {
		t.Error("wrong-secret signature accepted")
	}
	if err := VerifyHMAC(testSecret, body, "sha256=zznothex"); err == nil {
		t.Error("non-hex signature accepted")
	}
	if err := VerifyHMAC(testSecret, body, ""); err == nil {
		t.Error("empty signature accepted")
	}
	if err := VerifyHMAC(nil, body, sign(nil, body)); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestServerServesEndpoint(t *testing.T) {
	resolver := &fakeResolver{}
	handler := newTestHandler(t, testSecret, resolver)

	server, err := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Handler: handler,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	url := fmt.Sprintf("http://%s/webhooks/github", server.Addr())
	body := `{"action":"closed","issue":{"number":42}}`
	request, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	request.Header.Set("X-Hub-Signature-256", sign(testSecret, []byte(body)))
	request.Header.Set("X-GitHub-Event", "issues")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("posting webhook: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}

	cancel()
	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "server stopped"); err != nil {
		t.Errorf("serve returned %v", err)
	}
}
