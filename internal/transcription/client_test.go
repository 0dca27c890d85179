package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kfurukawa/voicebridge/internal/audio"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// fakeSource is a scripted capture source. Frames are injected with publish.
type fakeSource struct {
	mu          sync.Mutex
	readers     map[string]chan audio.Frame
	initErr     error
	initialized bool
	releases    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{readers: make(map[string]chan audio.Frame)}
}

func (s *fakeSource) Initialize() error {
	if s.initErr != nil {
		return s.initErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

func (s *fakeSource) CreateReader(id string) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan audio.Frame, 64)
	s.readers[id] = ch
	return ch, nil
}

func (s *fakeSource) RemoveReader(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.readers[id]; ok {
		delete(s.readers, id)
		close(ch)
	}
}

func (s *fakeSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	s.initialized = false
	for id, ch := range s.readers {
		delete(s.readers, id)
		close(ch)
	}
}

func (s *fakeSource) publish(frame audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.readers {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (s *fakeSource) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (f *fakeTokens) GetToken(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

// wsTestServer accepts transcription connections and exposes the raw
// frames the client sends.
type wsTestServer struct {
	server   *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn
	queries  chan url.Values
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()

	ts := &wsTestServer{
		received: make(chan []byte, 64),
		conns:    make(chan *websocket.Conn, 4),
		queries:  make(chan url.Values, 4),
	}

	var upgrader websocket.Upgrader
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.received <- msg
		}
	}))
	t.Cleanup(ts.server.Close)

	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *wsTestServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection")
		return nil
	}
}

func testClientConfig(endpoint string) Config {
	return Config{
		Endpoint:            endpoint,
		HandshakeTimeoutSec: 5,
		VoiceThreshold:      4.0,
		SilenceDurationMs:   5000,
		PollIntervalMs:      1000,
	}
}

func newTestClient(t *testing.T, endpoint string, source audio.Source, tokens TokenSource) *Client {
	t.Helper()

	client, err := NewClient(testClientConfig(endpoint), tokens, source, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(client.Dispose)
	return client
}

func TestInitializeConnection(t *testing.T) {
	ts := newWSTestServer(t)
	client := newTestClient(t, ts.url(), newFakeSource(), &fakeTokens{token: "tok en/1"})

	if err := client.InitializeConnection(context.Background(), "session-1"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}

	if !client.IsConnected() {
		t.Error("Client not connected after InitializeConnection")
	}
	if got := client.State(); got != StateOpen {
		t.Errorf("State = %s, want %s", got, StateOpen)
	}

	// Session and token travel as query parameters; the token survives
	// URL encoding intact.
	query := <-ts.queries
	if got := query.Get("session"); got != "session-1" {
		t.Errorf("session query param = %q, want session-1", got)
	}
	if got := query.Get("token"); got != "tok en/1" {
		t.Errorf("token query param = %q, want %q", got, "tok en/1")
	}
}

func TestInitializeConnectionTokenFailure(t *testing.T) {
	client := newTestClient(t, "ws://127.0.0.1:1/stream", newFakeSource(),
		&fakeTokens{err: errors.New("auth service down")})

	err := client.InitializeConnection(context.Background(), "s")
	if err == nil {
		t.Fatal("Expected error when token fetch fails")
	}

	var connErr *ConnError
	if !errors.As(err, &connErr) || connErr.Op != "token" {
		t.Errorf("Error = %v, want ConnError with op token", err)
	}
	if got := client.State(); got != StateErrored {
		t.Errorf("State = %s, want %s", got, StateErrored)
	}
	if client.IsConnected() {
		t.Error("Client reports connected after token failure")
	}
}

func TestInitializeConnectionDialFailure(t *testing.T) {
	// Nothing listens on this port.
	client := newTestClient(t, "ws://127.0.0.1:1/stream", newFakeSource(),
		&fakeTokens{token: "tok"})

	err := client.InitializeConnection(context.Background(), "s")
	if err == nil {
		t.Fatal("Expected error when dial fails")
	}

	var connErr *ConnError
	if !errors.As(err, &connErr) || connErr.Op != "dial" {
		t.Errorf("Error = %v, want ConnError with op dial", err)
	}
	if got := client.State(); got != StateErrored {
		t.Errorf("State = %s, want %s", got, StateErrored)
	}
}

func TestStartListeningRequiresOpenConnection(t *testing.T) {
	source := newFakeSource()
	client := newTestClient(t, "ws://127.0.0.1:1/stream", source, &fakeTokens{token: "tok"})

	err := client.StartListening(func(string, bool) {}, func() {}, func(error) {})
	if err == nil {
		t.Fatal("Expected error starting to listen without a connection")
	}
	if source.initialized {
		t.Error("Capture source was initialized despite the failure")
	}
	if client.IsListening() {
		t.Error("Client reports listening after failed start")
	}
}

func TestStartListeningCaptureFailure(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	source.initErr = audio.ErrPermission
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}

	err := client.StartListening(func(string, bool) {}, func() {}, func(error) {})
	if !errors.Is(err, audio.ErrPermission) {
		t.Fatalf("Error = %v, want ErrPermission", err)
	}

	// The connection survives a capture failure.
	if !client.IsConnected() {
		t.Error("Connection lost after capture failure")
	}
	if client.IsListening() {
		t.Error("Client reports listening after capture failure")
	}
}

func TestStreamingAndTranscripts(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	serverConn := ts.waitConn(t)

	transcripts := make(chan TranscriptEvent, 8)
	onTranscript := func(text string, isFinal bool) {
		transcripts <- TranscriptEvent{Text: text, IsFinal: isFinal, Timestamp: time.Now()}
	}

	if err := client.StartListening(onTranscript, func() {}, func(error) {}); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	if !client.IsListening() {
		t.Error("Client not listening after StartListening")
	}

	// A captured frame arrives at the server as a sendAudio envelope with
	// the PCM16LE payload.
	source.publish(audio.Frame{
		Samples:    []float32{1.0, -1.0},
		SampleRate: 16000,
		Timestamp:  time.Now(),
	})

	select {
	case raw := <-ts.received:
		var msg struct {
			Action string `json:"action"`
			Audio  string `json:"audio"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Failed to parse frame message: %v", err)
		}
		if msg.Action != "sendAudio" {
			t.Errorf("Action = %q, want sendAudio", msg.Action)
		}
		buf, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("Audio payload is not valid base64: %v", err)
		}
		want := []byte{0xFF, 0x7F, 0x01, 0x80}
		if len(buf) != len(want) {
			t.Fatalf("Payload length = %d, want %d", len(buf), len(want))
		}
		for i := range want {
			if buf[i] != want[i] {
				t.Errorf("Payload byte %d = 0x%02X, want 0x%02X", i, buf[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the frame to reach the server")
	}

	// A transcript event from the server reaches the handler.
	event := `{"transcript":"hello world","isFinal":true}`
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
		t.Fatalf("Failed to send transcript: %v", err)
	}

	select {
	case got := <-transcripts:
		if got.Text != "hello world" || !got.IsFinal {
			t.Errorf("Transcript = %+v, want final 'hello world'", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for transcript")
	}
}

func TestRemoteErrorReachesHandler(t *testing.T) {
	ts := newWSTestServer(t)
	client := newTestClient(t, ts.url(), newFakeSource(), &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	serverConn := ts.waitConn(t)

	errs := make(chan error, 8)
	if err := client.StartListening(func(string, bool) {}, func() {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}

	payload := `{"error":{"code":"RATE_LIMIT","message":"slow down"}}`
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("Failed to send error event: %v", err)
	}

	select {
	case err := <-errs:
		var remoteErr *RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("Error = %v, want RemoteError", err)
		}
		if remoteErr.Code != "RATE_LIMIT" || remoteErr.Message != "slow down" {
			t.Errorf("RemoteError = %+v", remoteErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for error callback")
	}

	// A service error does not end the session.
	if !client.IsListening() {
		t.Error("Client stopped listening after a service error")
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	ts := newWSTestServer(t)
	client := newTestClient(t, ts.url(), newFakeSource(), &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	serverConn := ts.waitConn(t)

	transcripts := make(chan string, 8)
	errs := make(chan error, 8)
	if err := client.StartListening(
		func(text string, _ bool) { transcripts <- text },
		func() {},
		func(err error) { errs <- err },
	); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}

	// Garbage is dropped; the following well-formed event still arrives.
	serverConn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
	serverConn.WriteMessage(websocket.TextMessage, []byte(`{"transcript":"still alive","isFinal":false}`))

	select {
	case got := <-transcripts:
		if got != "still alive" {
			t.Errorf("Transcript = %q, want 'still alive'", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for transcript after malformed message")
	}

	select {
	case err := <-errs:
		t.Errorf("Malformed message reached the error handler: %v", err)
	default:
	}

	_, _, protocolErrors := client.Stats()
	if protocolErrors != 1 {
		t.Errorf("Protocol error count = %d, want 1", protocolErrors)
	}
}

func TestMidStreamDisconnect(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	serverConn := ts.waitConn(t)

	errs := make(chan error, 8)
	if err := client.StartListening(func(string, bool) {}, func() {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}

	serverConn.Close()

	select {
	case err := <-errs:
		var disconnectErr *DisconnectError
		if !errors.As(err, &disconnectErr) {
			t.Fatalf("Error = %v, want DisconnectError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for disconnect notification")
	}

	if client.IsConnected() {
		t.Error("Client reports connected after the server closed the connection")
	}

	// No reconnection: frames captured after the disconnect are discarded
	// and counted.
	source.publish(audio.Frame{Samples: []float32{0.5}, SampleRate: 16000})

	deadline := time.After(2 * time.Second)
	for {
		_, dropped, _ := client.Stats()
		if dropped > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Dropped frame was never counted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Capture keeps running until an explicit stop.
	if !client.IsListening() {
		t.Error("Client stopped listening after mid-stream disconnect")
	}
}

func TestStopListening(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	// Stop before any start is a no-op.
	client.StopListening()

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	if err := client.StartListening(func(string, bool) {}, func() {}, func(error) {}); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}

	client.StopListening()
	client.StopListening()

	if client.IsListening() {
		t.Error("Client reports listening after StopListening")
	}
	if source.releaseCount() != 1 {
		t.Errorf("Source released %d times, want 1", source.releaseCount())
	}

	// The connection stays open for a subsequent StartListening.
	if !client.IsConnected() {
		t.Error("Connection closed by StopListening")
	}
	if err := client.StartListening(func(string, bool) {}, func() {}, func(error) {}); err != nil {
		t.Errorf("Failed to start listening again on the same connection: %v", err)
	}
}

func TestDoubleStartListening(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}

	if err := client.StartListening(func(string, bool) {}, func() {}, func(error) {}); err != nil {
		t.Fatalf("First StartListening failed: %v", err)
	}
	// Starting again stops the previous session cleanly before acquiring
	// capture again: exactly one capture and one connection remain.
	if err := client.StartListening(func(string, bool) {}, func() {}, func(error) {}); err != nil {
		t.Fatalf("Second StartListening failed: %v", err)
	}

	if !client.IsListening() {
		t.Error("Client not listening after double start")
	}
	if source.releaseCount() != 1 {
		t.Errorf("Source released %d times, want 1 (from the implicit stop)", source.releaseCount())
	}
	if !client.IsConnected() {
		t.Error("Connection lost across the double start")
	}
}

func TestSetEndpoint(t *testing.T) {
	ts := newWSTestServer(t)
	client := newTestClient(t, "ws://127.0.0.1:1/stream", newFakeSource(), &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err == nil {
		t.Fatal("Expected dial failure against the dead endpoint")
	}

	// A corrected endpoint takes effect on the next connect.
	client.SetEndpoint(ts.url())
	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection after SetEndpoint failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("Client not connected after endpoint change")
	}
}

func TestDispose(t *testing.T) {
	ts := newWSTestServer(t)
	source := newFakeSource()
	client := newTestClient(t, ts.url(), source, &fakeTokens{token: "tok"})

	if err := client.InitializeConnection(context.Background(), "s"); err != nil {
		t.Fatalf("InitializeConnection failed: %v", err)
	}
	if err := client.StartListening(func(string, bool) {}, func() {}, func(error) {}); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}

	client.Dispose()
	client.Dispose()

	if client.IsConnected() {
		t.Error("Client reports connected after Dispose")
	}
	if client.IsListening() {
		t.Error("Client reports listening after Dispose")
	}
	if got := client.State(); got != StateClosed {
		t.Errorf("State = %s, want %s", got, StateClosed)
	}

	// Terminal: the client cannot reconnect.
	if err := client.InitializeConnection(context.Background(), "s2"); err == nil {
		t.Error("Expected error reconnecting a disposed client")
	}
}

func TestSilenceThresholdDelegation(t *testing.T) {
	client := newTestClient(t, "ws://127.0.0.1:1/stream", newFakeSource(), &fakeTokens{token: "tok"})

	client.SetSilenceThreshold(100)
	if got := client.GetSilenceThreshold(); got != 500 {
		t.Errorf("Threshold clamped to %d, want 500", got)
	}

	client.SetSilenceThreshold(2500)
	if got := client.GetSilenceThreshold(); got != 2500 {
		t.Errorf("Threshold = %d, want 2500", got)
	}
}
