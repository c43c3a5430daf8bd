package subgraphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

// Subprotocol selects which GraphQL-over-WebSocket dialect a subgraph
// speaks for subscriptions.
type Subprotocol string

const (
	SubprotocolGraphQLTransportWS Subprotocol = "graphql-transport-ws"
	SubprotocolGraphQLWS          Subprotocol = "graphql-ws"
)

// messageTypes names the envelope "type" field's values, which differ
// between the two subprotocols even though the rest of the handshake
// is identical.
type messageTypes struct {
	connectionInit string
	connectionAck  string
	subscribe      string
	next           string
	errorType      string
	complete       string
	ping           string
	pong           string
}

var transportWSTypes = messageTypes{
	connectionInit: "connection_init",
	connectionAck:  "connection_ack",
	subscribe:      "subscribe",
	next:           "next",
	errorType:      "error",
	complete:       "complete",
	ping:           "ping",
	pong:           "pong",
}

var legacyWSTypes = messageTypes{
	connectionInit: "connection_init",
	connectionAck:  "connection_ack",
	subscribe:      "start",
	next:           "data",
	errorType:      "error",
	complete:       "stop",
}

func (p Subprotocol) types() messageTypes {
	if p == SubprotocolGraphQLWS {
		return legacyWSTypes
	}
	return transportWSTypes
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a single subscription payload, or a terminal error or
// completion notice, delivered on a Subscription's channel.
type Event struct {
	Data     json.RawMessage
	Errors   []map[string]interface{}
	Err      error
	Complete bool
}

// Subscription is one live subgraph subscription multiplexed over a
// WSClient's shared connection.
type Subscription struct {
	id     string
	events chan Event
	cancel context.CancelFunc
}

// Events returns the channel subscription payloads arrive on. It is
// closed after a Complete or Err event.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close sends a complete/stop message and stops delivering events.
func (s *Subscription) Close() { s.cancel() }

// SubscriptionConfig describes a subgraph's subscription endpoint.
type SubscriptionConfig struct {
	Name        string
	URL         string
	Subprotocol Subprotocol
	// ConnectionParams is sent as the connection_init payload exactly as
	// configured. WSClient adds nothing to it; no Authorization header
	// from the gateway request is propagated into it.
	ConnectionParams map[string]interface{}
	Heartbeat        time.Duration
}

// WSClient maintains one WebSocket connection per subgraph and
// multiplexes subscriptions over it. Connection lifecycle (dial,
// connection_init, read loop, ping loop) mirrors a typical outbound
// WebSocket coordinator: a mutex-guarded conn, a background read loop
// dispatching by message id, and an optional ping loop for subgraphs
// that expect keepalive frames.
type WSClient struct {
	cfg    SubscriptionConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu  sync.Mutex
	subs   map[string]*Subscription
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSClient returns a client for cfg. Call Connect before Subscribe.
func NewWSClient(cfg SubscriptionConfig, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the subgraph and sends connection_init, then starts
// the read loop (and ping loop, if Heartbeat is set).
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{string(w.cfg.Subprotocol)},
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeSubrequestHTTPError, "subscription dial failed", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	initPayload, err := json.Marshal(w.cfg.ConnectionParams)
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal connection params: %w", err)
	}
	if err := w.writeMessage(wsMessage{Type: w.cfg.Subprotocol.types().connectionInit, Payload: initPayload}); err != nil {
		conn.Close()
		return fmt.Errorf("connection_init failed: %w", err)
	}

	go w.readLoop()
	if w.cfg.Heartbeat > 0 {
		go w.pingLoop()
	}
	return nil
}

func (w *WSClient) writeMessage(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("subgraphclient: subscription not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe sends a subscribe/start message for query+variables and
// returns a Subscription delivering every next/data payload until the
// subgraph completes it, errors, or the connection is terminated.
func (w *WSClient) Subscribe(ctx context.Context, query string, variables map[string]interface{}) (*Subscription, error) {
	payload, err := json.Marshal(map[string]interface{}{"query": query, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe payload: %w", err)
	}

	w.subMu.Lock()
	w.nextID++
	id := fmt.Sprintf("%d", w.nextID)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{id: id, events: make(chan Event, 8), cancel: cancel}
	w.subs[id] = sub
	w.subMu.Unlock()

	if err := w.writeMessage(wsMessage{ID: id, Type: w.cfg.Subprotocol.types().subscribe, Payload: payload}); err != nil {
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
		cancel()
		return nil, err
	}

	go func() {
		<-subCtx.Done()
		w.writeMessage(wsMessage{ID: id, Type: w.cfg.Subprotocol.types().complete})
		w.subMu.Lock()
		delete(w.subs, id)
		w.subMu.Unlock()
	}()

	return sub, nil
}

func (w *WSClient) readLoop() {
	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			w.logger.Warn("subscription connection lost", "subgraph", w.cfg.Name, "error", err)
			w.terminateAll(ferrors.Wrap(ferrors.CodeSubrequestTimeout, "subscription connection lost", err))
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Warn("malformed subscription message", "subgraph", w.cfg.Name, "error", err)
			continue
		}
		w.dispatch(msg)
	}
}

func (w *WSClient) dispatch(msg wsMessage) {
	t := w.cfg.Subprotocol.types()
	switch msg.Type {
	case t.connectionAck:
		return
	case t.ping:
		w.writeMessage(wsMessage{Type: t.pong})
		return
	case t.pong:
		return
	}

	w.subMu.Lock()
	sub, ok := w.subs[msg.ID]
	w.subMu.Unlock()
	if !ok {
		return
	}

	switch msg.Type {
	case t.next:
		var body Response
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			sub.events <- Event{Err: ferrors.Wrap(ferrors.CodeSubrequestMalformedResponse, "malformed subscription payload", err)}
			return
		}
		sub.events <- Event{Data: body.Data, Errors: body.Errors}
	case t.errorType:
		sub.events <- Event{Err: ferrors.New(ferrors.CodeFetchError, "subgraph subscription error")}
	case t.complete:
		sub.events <- Event{Complete: true}
		close(sub.events)
		w.subMu.Lock()
		delete(w.subs, msg.ID)
		w.subMu.Unlock()
	}
}

func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				w.logger.Debug("subscription ping failed", "subgraph", w.cfg.Name, "error", err)
			}
		}
	}
}

// TerminateForReload closes every live subscription with code — either
// CodeSubscriptionSchemaReload or CodeSubscriptionConfigReload — and
// tears down the connection. The control plane calls this when a
// schema or subgraph config reload invalidates in-flight subscriptions.
func (w *WSClient) TerminateForReload(code ferrors.Code) {
	w.terminateAll(ferrors.New(code, "subscription terminated by reload"))
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

func (w *WSClient) terminateAll(err error) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for id, sub := range w.subs {
		sub.events <- Event{Err: err}
		close(sub.events)
		delete(w.subs, id)
	}
}

// Close tears down the connection and stops the ping loop.
func (w *WSClient) Close() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
}
