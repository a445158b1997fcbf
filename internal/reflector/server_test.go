package reflector

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/louisbranch/tandem.space/internal/reflector/storage"
	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

func startTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{Port: 0, HeartbeatRate: 50, GracePeriod: time.Minute}
	server := NewServer(cfg, storage.NewMemoryLog(), snapshot.NewMemoryStore(), log.New(io.Discard, "", 0))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Close()
	})
	return server, ts
}

func dialSession(t *testing.T, ts *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http", "ws", 1) + "/session/" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, want wire.FrameType) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == want {
			return frame
		}
	}
	t.Fatalf("timed out waiting for %s frame", want)
	return wire.Frame{}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType wire.FrameType, body any) {
	t.Helper()
	frame, err := wire.Encode(frameType, body)
	if err != nil {
		t.Fatalf("encode %s frame: %v", frameType, err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("body = %s", body)
	}
}

func TestJoinSubmitOverWebsocket(t *testing.T) {
	_, ts := startTestServer(t)
	conn := dialSession(t, ts, "arena")

	sendFrame(t, conn, wire.FrameJoin, wire.JoinRequest{RegistrationHash: "h1"})

	welcome := readFrameOfType(t, conn, wire.FrameWelcome)
	var resp wire.JoinResponse
	if err := wire.Decode(welcome, &resp); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if resp.ParticipantID == "" {
		t.Fatal("welcome carries no participant id")
	}
	if resp.HeartbeatRate != 50 {
		t.Fatalf("heartbeat rate = %d, want 50", resp.HeartbeatRate)
	}
	readFrameOfType(t, conn, wire.FrameLive)

	sendFrame(t, conn, wire.FrameSubmit, wire.Submit{Scope: "game", Name: "move", Payload: []byte(`{"x":1}`)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrameOfType(t, conn, wire.FrameEvent)
		var evt wire.Event
		if err := wire.Decode(frame, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != wire.KindApplication {
			continue
		}
		if evt.Origin != resp.ParticipantID || evt.Scope != "game" || evt.Name != "move" {
			t.Fatalf("event = %+v", evt)
		}
		return
	}
	t.Fatal("submitted event never echoed back")
}

func TestTwoClientsSeeSameOrder(t *testing.T) {
	_, ts := startTestServer(t)

	connA := dialSession(t, ts, "arena")
	sendFrame(t, connA, wire.FrameJoin, wire.JoinRequest{RegistrationHash: "h1"})
	readFrameOfType(t, connA, wire.FrameLive)

	connB := dialSession(t, ts, "arena")
	sendFrame(t, connB, wire.FrameJoin, wire.JoinRequest{RegistrationHash: "h1"})
	readFrameOfType(t, connB, wire.FrameLive)

	for i := 0; i < 3; i++ {
		sendFrame(t, connA, wire.FrameSubmit, wire.Submit{Scope: "game", Name: "ping", Payload: []byte(`{}`)})
	}

	collect := func(conn *websocket.Conn) []uint64 {
		var seqs []uint64
		for len(seqs) < 3 {
			frame := readFrameOfType(t, conn, wire.FrameEvent)
			var evt wire.Event
			if err := wire.Decode(frame, &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if evt.Kind == wire.KindApplication {
				seqs = append(seqs, evt.Seq)
			}
		}
		return seqs
	}
	seqsA := collect(connA)
	seqsB := collect(connB)
	for i := range seqsA {
		if seqsA[i] != seqsB[i] {
			t.Fatalf("order diverged at %d: %v vs %v", i, seqsA, seqsB)
		}
	}
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	_, ts := startTestServer(t)
	conn := dialSession(t, ts, "arena")

	sendFrame(t, conn, wire.FrameSubmit, wire.Submit{Scope: "game", Name: "move"})

	frame := readFrameOfType(t, conn, wire.FrameError)
	var errFrame wire.ErrorFrame
	if err := wire.Decode(frame, &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Code == "" {
		t.Fatal("error frame carries no code")
	}
}

func TestJoinRejectedWithBadCredential(t *testing.T) {
	cfg := Config{Port: 0, HeartbeatRate: 50, GracePeriod: time.Minute, SessionSecret: "topsecret"}
	server := NewServer(cfg, storage.NewMemoryLog(), snapshot.NewMemoryStore(), log.New(io.Discard, "", 0))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Close()
	})

	conn := dialSession(t, ts, "arena")
	sendFrame(t, conn, wire.FrameJoin, wire.JoinRequest{RegistrationHash: "h1", CredentialToken: "garbage"})

	frame := readFrameOfType(t, conn, wire.FrameError)
	var errFrame wire.ErrorFrame
	if err := wire.Decode(frame, &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Code != "INVALID_CREDENTIAL" {
		t.Fatalf("error code = %s, want INVALID_CREDENTIAL", errFrame.Code)
	}
}

func TestLoadConfigValidatesHeartbeatRate(t *testing.T) {
	t.Setenv("TANDEM_HEARTBEAT_RATE", "90")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() error = nil, want heartbeat rate error")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 8080 || cfg.HeartbeatRate != 20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.GracePeriod != 10*time.Second {
		t.Fatalf("grace = %s, want 10s", cfg.GracePeriod)
	}
}
