package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

type rawEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, n *testNode) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.server.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", res.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) rawEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev rawEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %s", err)
	}
	return ev
}

func TestHubSendsStatusOnConnect(t *testing.T) {
	n := newTestNode(t, nil)
	conn := dial(t, n)

	ev := readEvent(t, conn)
	if ev.Type != EventHelmetStatus {
		t.Fatalf("type = %q", ev.Type)
	}
	var st helmet.Status
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != helmet.StateIdle {
		t.Errorf("state = %q", st.State)
	}
}

func TestHubForwardsStatusUpdates(t *testing.T) {
	n := newTestNode(t, nil)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.hub.Start(stop) }()

	conn := dial(t, n)
	readEvent(t, conn)

	n.helmet.updates <- helmet.Status{
		State: helmet.StateError,
		Error: &helmet.Error{Kind: helmet.KindScanTimeout, Msg: "not found"},
	}

	ev := readEvent(t, conn)
	var st helmet.Status
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventHelmetStatus || st.State != helmet.StateError || st.Error == nil || st.Error.Kind != helmet.KindScanTimeout {
		t.Errorf("event = %s %+v", ev.Type, st)
	}

	close(stop)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after hub stopped")
	}
}

func TestHubTripEvents(t *testing.T) {
	n := newTestNode(t, nil)
	conn := dial(t, n)
	readEvent(t, conn)

	n.do(t, http.MethodPost, "/helmet/connect", "", nil)
	if code := n.do(t, http.MethodPost, "/trips", `{"lat":45,"lon":7,"destination":"Lingotto"}`, nil); code != http.StatusCreated {
		t.Fatalf("start: code = %d", code)
	}

	ev := readEvent(t, conn)
	if ev.Type != EventTripInstruction {
		t.Fatalf("type = %q, want %q", ev.Type, EventTripInstruction)
	}
	var p struct {
		TripID      string `json:"trip_id"`
		Instruction struct {
			Text string `json:"text"`
		} `json:"instruction"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.TripID == "" || p.Instruction.Text != "Go" {
		t.Errorf("payload = %s", ev.Payload)
	}

	n.do(t, http.MethodDelete, "/trips/current", "", nil)
	ev = readEvent(t, conn)
	if ev.Type != EventTripEnded || !strings.Contains(string(ev.Payload), `"end_reason":"stopped"`) {
		t.Errorf("event = %s %s", ev.Type, ev.Payload)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	n := newTestNode(t, nil)
	conn := dial(t, n)
	readEvent(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n.hub.mu.Lock()
		left := len(n.hub.clients)
		n.hub.mu.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d clients still registered", left)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
