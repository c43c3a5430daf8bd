package subgraphclient

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// CallbackConfig describes a subgraph's HTTP-callback subscription
// endpoint: the URL the gateway POSTs the initial subscribe request to,
// and the base URL the subgraph is told to POST events back to.
type CallbackConfig struct {
	Name             string
	SubscribeURL     string        // where the gateway registers the subscription
	CallbackBaseURL  string        // this gateway's externally reachable callback endpoint
	HeartbeatInterval time.Duration
}

// callbackSubscription tracks one registered HTTP-callback subscription
// awaiting events from a subgraph.
type callbackSubscription struct {
	verifier string
	events   chan Event
	timer    *time.Timer // never armed; CallbackManager enforces no heartbeat timeout
}

// CallbackManager registers subscriptions with subgraphs that use the
// HTTP-callback protocol and demultiplexes the events they POST back by
// nonce, authenticating each delivery via a constant-time comparison of
// the verifier token issued at registration.
type CallbackManager struct {
	client *Client
	cfgs   map[string]CallbackConfig

	mu   sync.Mutex
	subs map[string]*callbackSubscription // keyed by nonce
}

// NewCallbackManager returns a manager dispatching registrations through
// client.
func NewCallbackManager(client *Client) *CallbackManager {
	return &CallbackManager{
		client: client,
		cfgs:   make(map[string]CallbackConfig),
		subs:   make(map[string]*callbackSubscription),
	}
}

// Configure installs the callback endpoint configuration for a subgraph.
func (m *CallbackManager) Configure(cfg CallbackConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfgs[cfg.Name] = cfg
}

// Subscribe registers query+variables as a subscription with the named
// subgraph's callback endpoint. The subgraph is expected to ack
// synchronously and later POST events to CallbackBaseURL/{nonce},
// authenticated with the verifier minted here. Events are delivered on
// the returned channel until Unsubscribe is called or the subgraph
// sends a terminal event.
func (m *CallbackManager) Subscribe(ctx context.Context, subgraph, query string, variables map[string]interface{}) (<-chan Event, func(), error) {
	m.mu.Lock()
	cfg, ok := m.cfgs[subgraph]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("subgraphclient: subgraph %q has no callback config", subgraph)
	}

	nonce, err := randomToken(16)
	if err != nil {
		return nil, nil, fmt.Errorf("generate callback nonce: %w", err)
	}
	verifier, err := randomToken(32)
	if err != nil {
		return nil, nil, fmt.Errorf("generate callback verifier: %w", err)
	}

	sub := &callbackSubscription{verifier: verifier, events: make(chan Event, 8)}
	m.mu.Lock()
	m.subs[nonce] = sub
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.subs, nonce)
		m.mu.Unlock()
	}

	body := map[string]interface{}{
		"query":     query,
		"variables": variables,
		"extensions": map[string]interface{}{
			"subscription": map[string]interface{}{
				"callbackUrl":       fmt.Sprintf("%s/%s", cfg.CallbackBaseURL, nonce),
				"verifier":          verifier,
				"heartbeatInterval": cfg.HeartbeatInterval.Milliseconds(),
			},
		},
	}

	if _, err := m.client.sendTo(ctx, subgraph, cfg.SubscribeURL, body); err != nil {
		unsubscribe()
		return nil, nil, err
	}

	return sub.events, unsubscribe, nil
}

// Handler returns an http.Handler to mount at the gateway's callback
// base path. It expects the subscription nonce as the final path
// segment and the verifier token in the X-Callback-Verifier header, and
// the subgraph's event payload (a Response, or {"complete":true}) as the
// JSON body.
func (m *CallbackManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce := lastPathSegment(r.URL.Path)

		m.mu.Lock()
		sub, ok := m.subs[nonce]
		m.mu.Unlock()
		if !ok {
			http.Error(w, "unknown subscription", http.StatusNotFound)
			return
		}

		verifier := r.Header.Get("X-Callback-Verifier")
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(sub.verifier)) != 1 {
			http.Error(w, "invalid verifier", http.StatusUnauthorized)
			return
		}

		var payload struct {
			Response
			Complete bool `json:"complete"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "malformed callback payload", http.StatusBadRequest)
			return
		}

		if payload.Complete {
			sub.events <- Event{Complete: true}
			close(sub.events)
			m.mu.Lock()
			delete(m.subs, nonce)
			m.mu.Unlock()
		} else {
			sub.events <- Event{Data: payload.Data, Errors: payload.Errors}
		}
		w.WriteHeader(http.StatusOK)
	})
}

// TerminateForReload delivers code — CodeSubscriptionSchemaReload or
// CodeSubscriptionConfigReload — to every registered callback
// subscription and drops them, mirroring WSClient.TerminateForReload
// for the HTTP-callback transport.
func (m *CallbackManager) TerminateForReload(code ferrors.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for nonce, sub := range m.subs {
		sub.events <- Event{Err: ferrors.New(code, "subscription terminated by reload")}
		close(sub.events)
		delete(m.subs, nonce)
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func lastPathSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
