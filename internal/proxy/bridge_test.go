package proxy_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/gatewaytest"
	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
	"github.com/liteclaw/liteclaw-platform/internal/proxy"
)

const agentID = "user-alice"

type wire struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

func startBridge(t *testing.T, gw *gatewaytest.Server, token string) (*proxy.Bridge, string) {
	t.Helper()
	b := proxy.NewBridge(proxy.BridgeOptions{
		GatewayURL:       gw.URL(),
		GatewayToken:     token,
		HandshakeTimeout: 2 * time.Second,
		Logger:           zerolog.Nop(),
	})
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Serve(r.Context(), ws, "tenant-1", agentID)
	}))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// connect dials the bridge and waits for hello-ok.
func connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	hello := read(t, ws)
	require.Equal(t, protocol.FrameTypeHelloOk, hello.Type)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) wire {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var w wire
	require.NoError(t, json.Unmarshal(data, &w))
	return w
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
	}
}

func agentNames(t *testing.T, payload json.RawMessage) []string {
	t.Helper()
	var body struct {
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(payload, &body))
	ids := make([]string, 0, len(body.Agents))
	for _, a := range body.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

func threeAgents() map[string]any {
	return map[string]any{
		"agents": map[string]any{"list": []any{
			map[string]any{"id": "user-alice"},
			map[string]any{"id": "user-bob"},
			map[string]any{"id": "main"},
		}},
	}
}

func TestBridgeRewritesAgentFiles(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"9","method":"agents.files.set","params":{"agentId":"attacker","name":"SOUL.md","content":"hi"}}`)
	res := read(t, ws)
	assert.Equal(t, "9", res.ID)
	assert.True(t, res.OK)

	reqs := gw.Requests(protocol.MethodAgentsFilesSet)
	require.Len(t, reqs, 1)
	assert.Equal(t, agentID, reqs[0].Params["agentId"])
	assert.Equal(t, "SOUL.md", reqs[0].Params["name"])
	assert.Equal(t, "hi", reqs[0].Params["content"])
}

func TestBridgeFiltersAgentsList(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.SetConfig(threeAgents())
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"1","method":"agents.list"}`)
	res := read(t, ws)
	assert.Equal(t, "1", res.ID)
	assert.Equal(t, []string{agentID}, agentNames(t, res.Payload))
}

func TestBridgeOutOfOrderResponses(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.SetConfig(threeAgents())
	gw.Handle("health", func(gatewaytest.Request) (any, *protocol.ErrorShape) {
		time.Sleep(150 * time.Millisecond)
		return map[string]any{"agents": []any{map[string]any{"id": "user-bob"}}}, nil
	})
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"A","method":"health"}`)
	send(t, ws, `{"type":"req","id":"B","method":"agents.list"}`)

	first := read(t, ws)
	require.Equal(t, "B", first.ID)
	assert.Equal(t, []string{agentID}, agentNames(t, first.Payload))

	second := read(t, ws)
	require.Equal(t, "A", second.ID)
	// health is not filtered even when its payload looks like an agent list.
	assert.Equal(t, []string{"user-bob"}, agentNames(t, second.Payload))
}

func TestBridgeBlocksRequests(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	tests := []struct {
		frame   string
		id      string
		message string
	}{
		{`{"type":"req","id":"x1","method":"exec.run","params":{"cmd":"id"}}`, "x1", "exec.run not available"},
		{`{"type":"req","id":"x2","method":"node.list"}`, "x2", "node.list not available"},
		{`{"type":"req","id":"x3","method":"config.patch","params":{"raw":"{}"}}`, "x3", "Direct config.patch is not allowed. Use the tenant config API instead."},
	}
	for _, tt := range tests {
		send(t, ws, tt.frame)
		res := read(t, ws)
		assert.Equal(t, tt.id, res.ID)
		assert.False(t, res.OK)
		require.NotNil(t, res.Error)
		assert.Equal(t, protocol.ErrorCodePlatformBlocked, res.Error.Code)
		assert.Equal(t, tt.message, res.Error.Message)
	}

	assert.Empty(t, gw.Requests("exec.run"))
	assert.Empty(t, gw.Requests("node.list"))
	assert.Empty(t, gw.Requests(protocol.MethodConfigPatch))
}

func TestBridgeBlocksFleetEvents(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	gw.Emit("node.joined", map[string]any{"id": "n1"})
	gw.Emit("device.paired", map[string]any{"id": "d1"})
	gw.Emit("presence.update", map[string]any{"online": true})

	ev := read(t, ws)
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, "presence.update", ev.Event)
}

func TestBridgeDropsMalformedFrames(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `not json`)
	send(t, ws, `{"type":"mystery","id":"m"}`)
	gw.BroadcastRaw([]byte(`{{{`))
	send(t, ws, `{"type":"req","id":"h","method":"health"}`)

	res := read(t, ws)
	assert.Equal(t, "h", res.ID)
	assert.True(t, res.OK)
}

func TestBridgeDropsShadowedEnvelopeKeys(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.SetConfig(threeAgents())
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"s1","method":"config.get","Method":"health"}`)
	send(t, ws, `{"type":"req","id":"s2","method":"agents.files.set","params":{"agentId":"user-bob","name":"SOUL.md","content":"x"},"Method":"health"}`)
	send(t, ws, `{"type":"req","id":"s3","method":"exec.run","params":{"cmd":"id"},"Type":"event","event":"tick"}`)
	send(t, ws, `{"type":"req","id":"h","method":"health"}`)

	res := read(t, ws)
	assert.Equal(t, "h", res.ID)
	assert.True(t, res.OK)

	for _, msg := range gw.Messages() {
		text := string(msg)
		assert.NotContains(t, text, "config.get")
		assert.NotContains(t, text, "user-bob")
		assert.NotContains(t, text, "exec.run")
	}
	assert.Empty(t, gw.Requests(protocol.MethodConfigGet))
	assert.Empty(t, gw.Requests(protocol.MethodAgentsFilesSet))
}

func TestBridgeScopesSessionsAndForwardsAllowed(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"s","method":"sessions.get","params":{"key":"chat-1","limit":5}}`)
	res := read(t, ws)
	assert.True(t, res.OK)

	reqs := gw.Requests("sessions.get")
	require.Len(t, reqs, 1)
	assert.Equal(t, agentID+"/chat-1", reqs[0].Params["key"])
	assert.Equal(t, float64(5), reqs[0].Params["limit"])

	send(t, ws, `{"type":"req","id":"m","method":"models.list"}`)
	res = read(t, ws)
	assert.Equal(t, "m", res.ID)
	assert.Len(t, gw.Requests("models.list"), 1)
}

func TestBridgeBareHelloFrame(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.SetHelloMode(gatewaytest.HelloFrame)
	_, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"h","method":"health"}`)
	assert.Equal(t, "h", read(t, ws).ID)
}

func TestBridgeGatewayDisconnectClosesClient(t *testing.T) {
	gw := gatewaytest.New(t)
	b, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)
	assert.Equal(t, int64(1), b.Active())

	gw.DropConnections()
	assert.Equal(t, proxy.CloseGatewayGone, closeCode(t, ws))
	assert.Eventually(t, func() bool { return b.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeClientDisconnectClosesBackend(t *testing.T) {
	gw := gatewaytest.New(t)
	b, url := startBridge(t, gw, gatewaytest.Token)
	ws := connect(t, url)
	require.Equal(t, 1, gw.Connections())

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return gw.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return b.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// hangHealth makes the gateway hold health requests until the test ends.
func hangHealth(t *testing.T, gw *gatewaytest.Server) {
	t.Helper()
	release := make(chan struct{})
	gw.Handle("health", func(gatewaytest.Request) (any, *protocol.ErrorShape) {
		<-release
		return map[string]any{}, nil
	})
	t.Cleanup(func() { close(release) })
}

func watchClose(t *testing.T, b *proxy.Bridge) <-chan [2]int {
	t.Helper()
	closed := make(chan [2]int, 1)
	proxy.SetCloseHook(b, func(before, after int) { closed <- [2]int{before, after} })
	return closed
}

func waitClose(t *testing.T, closed <-chan [2]int) [2]int {
	t.Helper()
	select {
	case got := <-closed:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not close")
		return [2]int{}
	}
}

func TestBridgeClientDisconnectClearsCorrelations(t *testing.T) {
	gw := gatewaytest.New(t)
	hangHealth(t, gw)
	b, url := startBridge(t, gw, gatewaytest.Token)
	closed := watchClose(t, b)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"pending-1","method":"health"}`)
	require.Eventually(t, func() bool { return len(gw.Requests("health")) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.Close())

	assert.Equal(t, [2]int{1, 0}, waitClose(t, closed))
}

func TestBridgeGatewayDisconnectClearsCorrelations(t *testing.T) {
	gw := gatewaytest.New(t)
	hangHealth(t, gw)
	b, url := startBridge(t, gw, gatewaytest.Token)
	closed := watchClose(t, b)
	ws := connect(t, url)

	send(t, ws, `{"type":"req","id":"pending-1","method":"health"}`)
	require.Eventually(t, func() bool { return len(gw.Requests("health")) == 1 }, 2*time.Second, 10*time.Millisecond)

	gw.DropConnections()
	assert.Equal(t, proxy.CloseGatewayGone, closeCode(t, ws))
	assert.Equal(t, [2]int{1, 0}, waitClose(t, closed))
}

func TestBridgeHandshakeRejected(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, "wrong-token")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, proxy.CloseProtocolError, closeCode(t, ws))
	assert.Empty(t, gw.Requests(""))
}

func TestBridgeGatewayUnreachable(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	gw.Close()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, proxy.CloseGatewayGone, closeCode(t, ws))
}

func TestBridgeIsolatesConnections(t *testing.T) {
	gw := gatewaytest.New(t)
	_, url := startBridge(t, gw, gatewaytest.Token)
	a := connect(t, url)
	b := connect(t, url)

	send(t, a, `not json`)
	send(t, b, `{"type":"req","id":"b1","method":"health"}`)
	assert.Equal(t, "b1", read(t, b).ID)

	send(t, a, `{"type":"req","id":"a1","method":"health"}`)
	assert.Equal(t, "a1", read(t, a).ID)
}
