package testutil

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// PushRequest is one delivery received by a MockPushEndpoint.
type PushRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

// MockPushEndpoint is a test server standing in for a browser push service.
// Every path under it accepts deliveries and answers with the configured status.
type MockPushEndpoint struct {
	*httptest.Server

	mu       sync.Mutex
	status   map[string]int
	requests []PushRequest
}

// NewMockPushEndpoint starts a push service that answers 201 Created by default.
func NewMockPushEndpoint(t *testing.T) *MockPushEndpoint {
	t.Helper()
	m := &MockPushEndpoint{status: make(map[string]int)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, PushRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		code, ok := m.status[r.URL.Path]
		m.mu.Unlock()
		if !ok {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(m.Close)
	return m
}

// Endpoint returns the subscription endpoint URL for a named client.
func (m *MockPushEndpoint) Endpoint(client string) string {
	return m.URL + "/push/" + client
}

// SetStatus makes deliveries to the named client answer with code.
func (m *MockPushEndpoint) SetStatus(client string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status["/push/"+client] = code
}

// Requests returns a copy of the deliveries received so far.
func (m *MockPushEndpoint) Requests() []PushRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PushRequest(nil), m.requests...)
}

// PushClientKeys generates the p256dh and auth keys a browser would send with
// its subscription, base64url encoded.
func PushClientKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}
