package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/irrigation-node/internal/metrics"
)

// MessageType defines the type of push message
type MessageType string

const (
	// Outbound push messages (to the API)
	MsgTypeAck  MessageType = "ack"
	MsgTypePong MessageType = "pong"

	// Inbound push messages (from the API)
	MsgTypeScheduleUpdate MessageType = "schedule_update"
	MsgTypePing           MessageType = "ping"
)

// Message represents a push message to/from the API
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TokenSource yields a bearer token for the push handshake
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Listener keeps a WebSocket open to the API and reports schedule changes
type Listener struct {
	config    Config
	tokens    TokenSource
	metrics   *metrics.Metrics
	conn      *websocket.Conn
	sendChan  chan *Message
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration

	onSchedule func()
}

// NewListener creates a push listener. It does nothing when config.PushURL is empty.
func NewListener(config Config, tokens TokenSource, m *metrics.Metrics) *Listener {
	return &Listener{
		config:            config,
		tokens:            tokens,
		metrics:           m,
		sendChan:          make(chan *Message, 16),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// SetScheduleCallback sets the callback for schedule update messages
func (l *Listener) SetScheduleCallback(cb func()) {
	l.mu.Lock()
	l.onSchedule = cb
	l.mu.Unlock()
}

// Enabled reports whether a push URL is configured
func (l *Listener) Enabled() bool {
	return l.config.PushURL != ""
}

// Start launches the connection loop
func (l *Listener) Start(ctx context.Context) error {
	if !l.Enabled() {
		log.Println("Push channel disabled")
		return nil
	}
	l.wg.Add(1)
	go l.connectionLoop(ctx)
	return nil
}

// Stop disconnects and stops all loops
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.disconnect()
	l.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (l *Listener) connectionLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			l.disconnect()
			return
		case <-ctx.Done():
			l.disconnect()
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			log.Printf("Failed to connect push channel: %v", err)
			if !l.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		// Reset retry delay on successful connection
		l.currentRetryDelay = l.config.InitialRetryDelay

		l.runMessageLoops(ctx)

		log.Println("Push channel disconnected, reconnecting...")
		if !l.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter. It returns
// false if the listener is stopping.
func (l *Listener) waitWithBackoff(ctx context.Context) bool {
	jitter := l.currentRetryDelay.Seconds() * l.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := l.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	l.currentRetryDelay = time.Duration(float64(l.currentRetryDelay) * l.config.BackoffMultiplier)
	if l.currentRetryDelay > l.config.MaxRetryDelay {
		l.currentRetryDelay = l.config.MaxRetryDelay
	}

	select {
	case <-timer.C:
		return true
	case <-l.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// connect establishes the WebSocket connection
func (l *Listener) connect(ctx context.Context) error {
	token, err := l.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", token)
	header.Set("X-Request-ID", uuid.New().String())

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, l.config.PushURL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	log.Printf("Connected to push channel: %s", l.config.PushURL)
	return nil
}

// disconnect closes the WebSocket connection
func (l *Listener) disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (l *Listener) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.writeLoop(ctx, done)
		// Unblock the reader when the writer gives up first
		l.disconnect()
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (l *Listener) readLoop(done chan struct{}) {
	defer close(done)

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		l.handleMessage(&msg)
	}
}

// writeLoop sends queued messages and keepalive pings
func (l *Listener) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return

		case msg := <-l.sendChan:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage processes an incoming push message
func (l *Listener) handleMessage(msg *Message) {
	l.metrics.IncCounter(metrics.PushMessages, 1)

	l.mu.Lock()
	onSchedule := l.onSchedule
	l.mu.Unlock()

	switch msg.Type {
	case MsgTypeScheduleUpdate:
		if onSchedule != nil {
			onSchedule()
		}
		l.sendAck(msg.ID)

	case MsgTypePing:
		l.send(MsgTypePong, map[string]string{"ping_id": msg.ID})

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

func (l *Listener) sendAck(messageID string) {
	l.send(MsgTypeAck, map[string]interface{}{
		"message_id": messageID,
		"success":    true,
	})
}

func (l *Listener) send(t MessageType, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)

	msg := &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payloadBytes,
	}

	select {
	case l.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping %s", t)
	}
}
