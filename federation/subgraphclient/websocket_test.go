package subgraphclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
	"github.com/n9te9/federation-gateway/federation/subgraphclient"
)

// echoSubscriptionServer speaks just enough graphql-transport-ws to
// exercise a WSClient: it acks connection_init, and on subscribe sends
// one next payload followed by complete.
func echoSubscriptionServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &msg))

			switch msg["type"] {
			case "connection_init":
				conn.WriteJSON(map[string]interface{}{"type": "connection_ack"})
			case "subscribe":
				payload, _ := msg["payload"].(map[string]interface{})
				query, _ := payload["query"].(string)
				if strings.Contains(query, "count") {
					conn.WriteJSON(map[string]interface{}{
						"id":      msg["id"],
						"type":    "next",
						"payload": map[string]interface{}{"data": map[string]interface{}{"count": 1}},
					})
					conn.WriteJSON(map[string]interface{}{"id": msg["id"], "type": "complete"})
				}
				// other subscriptions stay open until reload/complete
			}
		}
	}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSClientSubscribeReceivesNextThenComplete(t *testing.T) {
	server := echoSubscriptionServer(t)
	defer server.Close()

	client := subgraphclient.NewWSClient(subgraphclient.SubscriptionConfig{
		Name:        "reviews",
		URL:         wsURL(t, server),
		Subprotocol: subgraphclient.SubprotocolGraphQLTransportWS,
	}, nil)
	defer client.Close()

	require.NoError(t, client.Connect(t.Context()))

	sub, err := client.Subscribe(t.Context(), "subscription { count }", nil)
	require.NoError(t, err)

	next := <-sub.Events()
	assert.JSONEq(t, `{"count":1}`, string(next.Data))

	final := <-sub.Events()
	assert.True(t, final.Complete)
}

func TestWSClientTerminateForReloadDeliversTaxonomyCode(t *testing.T) {
	server := echoSubscriptionServer(t)
	defer server.Close()

	client := subgraphclient.NewWSClient(subgraphclient.SubscriptionConfig{
		Name:        "reviews",
		URL:         wsURL(t, server),
		Subprotocol: subgraphclient.SubprotocolGraphQLTransportWS,
	}, nil)
	defer client.Close()

	require.NoError(t, client.Connect(t.Context()))

	sub2, err := client.Subscribe(t.Context(), "subscription { stillOpen }", nil)
	require.NoError(t, err)

	client.TerminateForReload(ferrors.CodeSubscriptionSchemaReload)

	select {
	case ev := <-sub2.Events():
		require.Error(t, ev.Err)
		code, ok := ferrors.CodeOf(ev.Err)
		require.True(t, ok)
		assert.Equal(t, ferrors.CodeSubscriptionSchemaReload, code)
	case <-time.After(time.Second):
		t.Fatal("expected reload termination event")
	}
}
