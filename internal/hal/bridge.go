// Package hal connects the node to its board hardware.
//
// On the device a small daemon owns the GPIO, ADC and one-wire buses and
// exposes them over two ZeroMQ sockets: a REQ/REP command socket and a PUB
// event socket carrying flow-sensor edges. Bridge is the client side of that
// daemon. Sim is an in-memory stand-in used for bench runs and tests.
package hal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// Config holds configuration for the hardware daemon connection
type Config struct {
	EventURL   string `yaml:"event_url"`   // SUB socket for edge events
	CommandURL string `yaml:"command_url"` // REQ socket for commands
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		EventURL:   "ipc:///tmp/agsys_hal_event",
		CommandURL: "ipc:///tmp/agsys_hal_command",
	}
}

// Bridge talks to the hardware daemon
type Bridge struct {
	config    Config
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	cmdMu     sync.Mutex
	running   bool
	onEdge    func()
}

// NewBridge creates a bridge; call Start to connect
func NewBridge(config Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetEdgeHandler sets the function called once per flow-sensor edge.
// It runs on the event goroutine.
func (b *Bridge) SetEdgeHandler(fn func()) {
	b.mu.Lock()
	b.onEdge = fn
	b.mu.Unlock()
}

// Start connects both sockets and starts the event loop
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bridge already running")
	}

	b.eventSock = zmq4.NewSub(b.ctx)
	if err := b.eventSock.Dial(b.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := b.eventSock.SetOption(zmq4.OptionSubscribe, EventEdge); err != nil {
		b.eventSock.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	b.cmdSock = zmq4.NewReq(b.ctx)
	if err := b.cmdSock.Dial(b.config.CommandURL); err != nil {
		b.eventSock.Close()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	b.running = true
	b.wg.Add(1)
	go b.eventLoop()

	log.Printf("Hardware bridge started: event=%s, cmd=%s", b.config.EventURL, b.config.CommandURL)
	return nil
}

// Stop stops the event loop and closes both sockets
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	if b.eventSock != nil {
		b.eventSock.Close()
	}
	b.wg.Wait()
	if b.cmdSock != nil {
		b.cmdSock.Close()
	}

	log.Println("Hardware bridge stopped")
	return nil
}

// request sends one command and waits for its reply. REQ sockets require
// strict send/receive alternation, so commands are serialized.
func (b *Bridge) request(ctx context.Context, name string, payload []byte) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return Reply{}, fmt.Errorf("bridge not running")
	}

	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	if payload == nil {
		payload = []byte{}
	}
	if err := b.cmdSock.Send(zmq4.NewMsgFrom([]byte(name), payload)); err != nil {
		return Reply{}, fmt.Errorf("failed to send %s: %w", name, err)
	}
	resp, err := b.cmdSock.Recv()
	if err != nil {
		return Reply{}, fmt.Errorf("failed to receive %s reply: %w", name, err)
	}
	if len(resp.Frames) == 0 {
		return Reply{}, fmt.Errorf("empty %s reply", name)
	}

	reply, err := UnmarshalReply(resp.Frames[0])
	if err != nil {
		return Reply{}, err
	}
	if reply.Status != StatusOK {
		return reply, fmt.Errorf("%s failed: %s", name, reply.Status)
	}
	return reply, nil
}

// Select drives the multiplexer selector lines
func (b *Bridge) Select(ctx context.Context, levels [3]bool) error {
	_, err := b.request(ctx, CmdSelect, MarshalSelect(levels))
	return err
}

// ReadRaw samples the shared moisture ADC input
func (b *Bridge) ReadRaw(ctx context.Context) (int, error) {
	reply, err := b.request(ctx, CmdADC, nil)
	if err != nil {
		return 0, err
	}
	return int(reply.Value), nil
}

// RequestConversion starts a temperature conversion on one probe
func (b *Bridge) RequestConversion(ctx context.Context, probe int) error {
	_, err := b.request(ctx, CmdConvert, MarshalIndex(probe))
	return err
}

// ReadCelsius reads back the last conversion of one probe
func (b *Bridge) ReadCelsius(ctx context.Context, probe int) (float64, error) {
	reply, err := b.request(ctx, CmdProbe, MarshalIndex(probe))
	if err != nil {
		return 0, err
	}
	return reply.Celsius(), nil
}

// SetValve energizes or releases the valve relay
func (b *Bridge) SetValve(ctx context.Context, open bool) error {
	state := 0
	if open {
		state = 1
	}
	_, err := b.request(ctx, CmdRelay, MarshalIndex(state))
	return err
}

// eventLoop receives edge events from the daemon
func (b *Bridge) eventLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := b.eventSock.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		b.dispatch(string(msg.Frames[0]), msg.Frames[1])
	}
}

func (b *Bridge) dispatch(eventType string, data []byte) {
	if eventType != EventEdge {
		return
	}

	event, err := UnmarshalEdgeEvent(data)
	if err != nil {
		log.Printf("Failed to unmarshal edge event: %v", err)
		return
	}

	b.mu.Lock()
	fn := b.onEdge
	b.mu.Unlock()
	if fn == nil {
		return
	}
	for i := uint32(0); i < event.Count; i++ {
		fn()
	}
}
