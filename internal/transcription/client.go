package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kfurukawa/voicebridge/internal/audio"
	"github.com/kfurukawa/voicebridge/internal/codec"
	"github.com/kfurukawa/voicebridge/internal/vad"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Reader ids registered on the capture source. The voice-activity path and
// the encoder path consume the same frames independently.
const (
	readerVAD     = "vad"
	readerEncoder = "encoder"
)

// TokenSource supplies bearer tokens for the transcription service.
type TokenSource interface {
	GetToken(ctx context.Context, sessionID string) (string, error)
}

// Client owns one persistent authenticated connection to the transcription
// service and drives the capture → classify → encode → send pipeline over
// it. Exactly one underlying connection is alive per client at any time.
type Client struct {
	config     Config
	tokens     TokenSource
	source     audio.Source
	detector   *vad.Detector
	endpointer *vad.Endpointer
	logger     *logger.Logger

	mu           sync.Mutex
	state        ConnectionState
	conn         *wsConn
	sessionID    string
	listening    bool
	listenStop   chan struct{}
	onTranscript TranscriptHandler
	onError      ErrorHandler
	disposed     bool

	listenWG sync.WaitGroup

	// Diagnostics for the no-reconnect policy: how many frames were
	// discarded because the connection was not open.
	droppedFrames  int
	protocolErrors int
	sentFrames     int
}

// NewClient creates a transcription client. The capture source is owned by
// the client from StartListening to StopListening.
func NewClient(config Config, tokens TokenSource, source audio.Source, log *logger.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("transcription endpoint is required")
	}

	threshold := config.VoiceThreshold
	if threshold == 0 {
		threshold = vad.DefaultVoiceThreshold
	}
	detector, err := vad.NewDetector(threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice detector: %w", err)
	}

	pollInterval := time.Duration(config.PollIntervalMs) * time.Millisecond
	endpointer := vad.NewEndpointer(config.SilenceDurationMs, pollInterval, log)

	return &Client{
		config:     config,
		tokens:     tokens,
		source:     source,
		detector:   detector,
		endpointer: endpointer,
		logger:     log.Named("transcription"),
		state:      StateDisconnected,
	}, nil
}

// SetEndpoint changes the service endpoint. Takes effect on the next
// InitializeConnection.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Endpoint = endpoint
}

// SetSilenceThreshold updates the endpointer's quiet interval, clamped to
// the supported range. Effective without restart.
func (c *Client) SetSilenceThreshold(ms int) {
	c.endpointer.SetThreshold(ms)
}

// GetSilenceThreshold returns the endpointer's quiet interval in ms.
func (c *Client) GetSilenceThreshold() int {
	return c.endpointer.Threshold()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// IsListening reports whether a capture session is active.
func (c *Client) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// InitializeConnection resolves a bearer token, dials the service, and
// returns once the connection is open. On failure the client is left in
// Errored with no half-open socket. Calling it while already connected
// tears the previous session down first.
func (c *Client) InitializeConnection(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("client is disposed")
	}
	c.mu.Unlock()

	// One connection per client: tear down any previous session.
	c.StopListening()

	c.mu.Lock()
	if c.conn != nil {
		c.state = StateClosing
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	c.sessionID = sessionID
	c.mu.Unlock()

	c.logger.Info("Connecting to transcription service",
		logger.String("session_id", sessionID),
		logger.String("endpoint", c.endpoint()))

	token, err := c.tokens.GetToken(ctx, sessionID)
	if err != nil {
		c.setState(StateErrored)
		return &ConnError{Op: "token", Err: err}
	}

	wsURL, err := c.connectionURL(sessionID, token)
	if err != nil {
		c.setState(StateErrored)
		return &ConnError{Op: "dial", Err: err}
	}

	handshakeTimeout := time.Duration(c.config.HandshakeTimeoutSec) * time.Second
	if handshakeTimeout <= 0 {
		handshakeTimeout = 45 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateErrored)
		return &ConnError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client is disposed")
	}
	c.conn = newWSConn(conn)
	c.state = StateOpen
	wrapped := c.conn
	c.mu.Unlock()

	c.logger.Info("Connection open", logger.String("session_id", sessionID))

	// The read pump lives for the duration of the connection; transcript
	// dispatch is gated on the listening flag.
	go c.readPump(wrapped)

	return nil
}

func (c *Client) endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Endpoint
}

// connectionURL builds <endpoint>?session=<id>&token=<url-encoded token>.
func (c *Client) connectionURL(sessionID, token string) (string, error) {
	u, err := url.Parse(c.endpoint())
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// StartListening acquires the microphone and begins streaming encoded
// frames over the open connection. Transcripts go to onTranscript, silence
// firings to onSilence, and every failure kind to onError. Calling it while
// already listening stops the previous session cleanly first.
func (c *Client) StartListening(onTranscript TranscriptHandler, onSilence SilenceHandler, onError ErrorHandler) error {
	c.StopListening()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("client is disposed")
	}
	if c.state != StateOpen || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connection is not open (state: %s)", state)
	}
	conn := c.conn
	c.mu.Unlock()

	// Capture failures surface synchronously; nothing is left allocated.
	if err := c.source.Initialize(); err != nil {
		return err
	}

	vadCh, err := c.source.CreateReader(readerVAD)
	if err != nil {
		c.source.Release()
		return fmt.Errorf("failed to create vad reader: %w", err)
	}
	encCh, err := c.source.CreateReader(readerEncoder)
	if err != nil {
		c.source.RemoveReader(readerVAD)
		c.source.Release()
		return fmt.Errorf("failed to create encoder reader: %w", err)
	}

	stop := make(chan struct{})

	c.mu.Lock()
	c.listening = true
	c.listenStop = stop
	c.onTranscript = onTranscript
	c.onError = onError
	c.mu.Unlock()

	c.endpointer.Start(onSilence)

	c.listenWG.Add(2)
	go c.classifyLoop(vadCh, stop)
	go c.sendLoop(conn, encCh, stop)

	c.logger.Info("Listening started",
		logger.String("session_id", c.currentSessionID()),
		logger.Int("silence_threshold_ms", c.endpointer.Threshold()))

	return nil
}

func (c *Client) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// classifyLoop feeds voice classifications to the silence endpointer.
func (c *Client) classifyLoop(frames <-chan audio.Frame, stop chan struct{}) {
	defer c.listenWG.Done()

	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			result := c.detector.Classify(frame.Samples)
			if result.Voice {
				c.endpointer.NoteVoice()
			}
		}
	}
}

// sendLoop encodes frames and sends them in capture order. Frames arriving
// while the connection is not open are discarded and counted; there is no
// reconnection and no buffering.
func (c *Client) sendLoop(conn *wsConn, frames <-chan audio.Frame, stop chan struct{}) {
	defer c.listenWG.Done()

	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}

			if c.State() != StateOpen {
				c.noteDroppedFrame()
				continue
			}

			payload, err := json.Marshal(outboundMessage{
				Action: "sendAudio",
				Audio:  codec.EncodeFrame(frame.Samples),
			})
			if err != nil {
				c.logger.Error("Failed to marshal audio frame", logger.Error(err))
				continue
			}

			if err := conn.Send(payload); err != nil {
				// The read pump reports the disconnect; here the frame is
				// just another casualty of the closed socket.
				c.noteDroppedFrame()
				continue
			}

			c.mu.Lock()
			c.sentFrames++
			sent := c.sentFrames
			c.mu.Unlock()
			if sent%100 == 0 {
				c.logger.Debug("Audio frames sent", logger.Int("count", sent))
			}
		}
	}
}

func (c *Client) noteDroppedFrame() {
	c.mu.Lock()
	c.droppedFrames++
	dropped := c.droppedFrames
	c.mu.Unlock()

	if dropped == 1 || dropped%100 == 0 {
		c.logger.Warn("Discarding frames while connection is not open",
			logger.Int("dropped_total", dropped))
	}
}

// readPump receives server messages for the lifetime of one connection.
func (c *Client) readPump(conn *wsConn) {
	for {
		message, err := conn.Receive()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		var event inboundMessage
		if err := json.Unmarshal(message, &event); err != nil {
			// Malformed message: log, drop, keep the session alive.
			c.mu.Lock()
			c.protocolErrors++
			c.mu.Unlock()
			c.logger.Warn("Dropping malformed message from transcription service",
				logger.Error(err),
				logger.Int("message_length", len(message)))
			continue
		}

		c.dispatch(&event)
	}
}

// handleReadError classifies the end of a connection. An expected close
// (local Close during stop/dispose/reconnect) is quiet; a remote close
// while capturing is a mid-stream disconnect, logged and reported but not
// retried.
func (c *Client) handleReadError(conn *wsConn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	listening := c.listening
	onError := c.onError
	if current {
		c.conn = nil
		switch {
		case c.state == StateClosing || c.state == StateClosed:
			c.state = StateClosed
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			c.state = StateClosed
		default:
			c.state = StateErrored
		}
	}
	c.mu.Unlock()

	if !current {
		return
	}

	select {
	case <-conn.closeChan:
		// Locally closed; nothing to report.
		c.logger.Debug("Connection closed")
		return
	default:
	}

	if listening {
		c.logger.Warn("Connection closed mid-stream; discarding frames until a new connection is initialized",
			logger.Error(err),
			logger.String("session_id", c.currentSessionID()))
		if onError != nil {
			onError(&DisconnectError{Err: err})
		}
		return
	}

	c.logger.Warn("Connection closed by remote", logger.Error(err))
}

// dispatch routes a well-formed server event to the registered handlers.
// Events arriving while not listening are dropped.
func (c *Client) dispatch(event *inboundMessage) {
	c.mu.Lock()
	listening := c.listening
	onTranscript := c.onTranscript
	onError := c.onError
	c.mu.Unlock()

	if !listening {
		return
	}

	if event.Error != nil {
		c.logger.Error("Transcription service reported an error",
			logger.String("code", event.Error.Code),
			logger.String("message", event.Error.Message))
		if onError != nil {
			onError(&RemoteError{Code: event.Error.Code, Message: event.Error.Message})
		}
		return
	}

	if event.Transcript != nil {
		isFinal := event.IsFinal != nil && *event.IsFinal
		if onTranscript != nil {
			onTranscript(*event.Transcript, isFinal)
		}
		return
	}

	if event.VoiceActivity != nil {
		c.logger.Debug("Server voice activity hint", logger.Bool("voice", *event.VoiceActivity))
	}
}

// StopListening tears down the capture session: new frames first, then the
// silence timer, then the capture hardware. The connection stays open for a
// subsequent StartListening. Idempotent; a call before any StartListening
// is a no-op.
func (c *Client) StopListening() {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = false
	stop := c.listenStop
	c.listenStop = nil
	c.onTranscript = nil
	c.onError = nil
	c.mu.Unlock()

	close(stop)
	c.endpointer.Stop()
	c.source.RemoveReader(readerVAD)
	c.source.RemoveReader(readerEncoder)
	c.source.Release()
	c.listenWG.Wait()

	c.mu.Lock()
	dropped := c.droppedFrames
	sent := c.sentFrames
	c.mu.Unlock()

	c.logger.Info("Listening stopped",
		logger.Int("frames_sent", sent),
		logger.Int("frames_dropped", dropped))
}

// Dispose stops listening and closes the connection. Terminal: the client
// cannot be reused afterwards.
func (c *Client) Dispose() {
	c.StopListening()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	conn := c.conn
	c.conn = nil
	if conn != nil {
		c.state = StateClosing
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.setState(StateClosed)
	}

	c.logger.Info("Client disposed")
}

// Stats reports pipeline counters for diagnostics.
func (c *Client) Stats() (sent, dropped, protocolErrors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentFrames, c.droppedFrames, c.protocolErrors
}
