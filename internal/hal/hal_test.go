package hal

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/sensor"
)

var (
	_ sensor.AnalogFrontEnd = (*Bridge)(nil)
	_ sensor.ProbeBus       = (*Bridge)(nil)
	_ sensor.AnalogFrontEnd = (*Sim)(nil)
	_ sensor.ProbeBus       = (*Sim)(nil)
)

func TestSelectCodec(t *testing.T) {
	for port := 0; port < 8; port++ {
		levels := [3]bool{port&4 != 0, port&2 != 0, port&1 != 0}
		data := MarshalSelect(levels)
		require.Len(t, data, 1)
		assert.Equal(t, byte(port), data[0])

		got, err := UnmarshalSelect(data)
		require.NoError(t, err)
		assert.Equal(t, levels, got)
	}

	_, err := UnmarshalSelect([]byte{8})
	assert.Error(t, err)
	_, err = UnmarshalSelect(nil)
	assert.Error(t, err)
}

func TestReplyCodec(t *testing.T) {
	data := MarshalReply(Reply{Status: StatusNoDevice, Value: 4095})
	assert.Equal(t, []byte{2, 0, 0, 0, 0xFF, 0x0F, 0, 0}, data)

	r, err := UnmarshalReply(data)
	require.NoError(t, err)
	assert.Equal(t, StatusNoDevice, r.Status)
	assert.Equal(t, uint32(4095), r.Value)

	_, err = UnmarshalReply([]byte{0, 0, 0})
	assert.Error(t, err)

	assert.InDelta(t, 21.5, CelsiusReply(21.5).Celsius(), 1e-6)
	assert.Equal(t, "NO_DEVICE", StatusNoDevice.String())
}

func TestEdgeEventCodec(t *testing.T) {
	e, err := UnmarshalEdgeEvent(MarshalEdgeEvent(EdgeEvent{Count: 1234}))
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), e.Count)

	_, err = UnmarshalEdgeEvent([]byte{1})
	assert.Error(t, err)
}

func TestDispatchEdgeEvent(t *testing.T) {
	b := NewBridge(DefaultConfig())
	var edges atomic.Uint32
	b.SetEdgeHandler(func() { edges.Add(1) })

	b.dispatch(EventEdge, MarshalEdgeEvent(EdgeEvent{Count: 7}))
	b.dispatch("stats", []byte{1, 2, 3, 4})
	b.dispatch(EventEdge, []byte{1})

	assert.Equal(t, uint32(7), edges.Load())
}

// serveCommands answers REQ commands against a simulated board
func serveCommands(t *testing.T, ctx context.Context, endpoint string, sim *Sim) zmq4.Socket {
	t.Helper()

	rep := zmq4.NewRep(ctx)
	require.NoError(t, rep.Listen(endpoint))

	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			var reply Reply
			payload := msg.Frames[1]
			switch string(msg.Frames[0]) {
			case CmdSelect:
				levels, err := UnmarshalSelect(payload)
				if err != nil {
					reply.Status = StatusBadArg
					break
				}
				sim.Select(ctx, levels)
			case CmdADC:
				v, _ := sim.ReadRaw(ctx)
				reply.Value = uint32(v)
			case CmdConvert:
				if err := sim.RequestConversion(ctx, int(payload[0])); err != nil {
					reply.Status = StatusNoDevice
				}
			case CmdProbe:
				v, err := sim.ReadCelsius(ctx, int(payload[0]))
				if err != nil {
					reply.Status = StatusNoDevice
					break
				}
				reply = CelsiusReply(v)
			case CmdRelay:
				sim.SetValve(ctx, payload[0] == 1)
			default:
				reply.Status = StatusBadArg
			}
			if err := rep.Send(zmq4.NewMsg(MarshalReply(reply))); err != nil {
				return
			}
		}
	}()
	return rep
}

func TestBridgeCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	name := fmt.Sprintf("agsys-hal-%d", time.Now().UnixNano())
	cfg := Config{
		EventURL:   "inproc://" + name + "-event",
		CommandURL: "inproc://" + name + "-command",
	}

	sim := NewSim()
	sim.SetRaw(5, 2345)
	sim.SetTemperature(0, 23.25)

	pub := zmq4.NewPub(ctx)
	require.NoError(t, pub.Listen(cfg.EventURL))
	defer pub.Close()
	rep := serveCommands(t, ctx, cfg.CommandURL, sim)
	defer rep.Close()

	b := NewBridge(cfg)
	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, b.Select(ctx, [3]bool{true, false, true}))
	raw, err := b.ReadRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2345, raw)

	require.NoError(t, b.RequestConversion(ctx, 0))
	c, err := b.ReadCelsius(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 23.25, c, 1e-6)

	assert.Error(t, b.RequestConversion(ctx, 3))

	require.NoError(t, b.SetValve(ctx, true))
	assert.True(t, sim.ValveOpen())

	var edges atomic.Uint32
	b.SetEdgeHandler(func() { edges.Add(1) })

	// Subscriptions propagate asynchronously; keep publishing until one lands
	deadline := time.Now().Add(5 * time.Second)
	for edges.Load() == 0 && time.Now().Before(deadline) {
		require.NoError(t, pub.Send(zmq4.NewMsgFrom([]byte(EventEdge), MarshalEdgeEvent(EdgeEvent{Count: 3}))))
		time.Sleep(20 * time.Millisecond)
	}
	assert.NotZero(t, edges.Load())
}

func TestBridgeNotRunning(t *testing.T) {
	b := NewBridge(DefaultConfig())
	_, err := b.ReadRaw(context.Background())
	assert.Error(t, err)
	assert.NoError(t, b.Stop())
}

func TestSimWithScanner(t *testing.T) {
	sim := NewSim()
	for port := 3; port < 8; port++ {
		sim.SetRaw(port, port*100)
	}
	sim.SetTemperature(0, 20)
	sim.SetTemperature(1, 21)

	cfg := sensor.DefaultConfig()
	cfg.SampleInterval = 0
	cfg.SettleDelay = 0
	s := sensor.NewScanner(cfg, sim, sim)

	raw, err := s.ScanAnalogBank(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{300, 400, 600, 700, 500}, raw)

	temps := s.ReadTemperatureBank(context.Background(), 3)
	assert.Equal(t, []float64{20, 21, sensor.Disconnected}, temps)

	var n int
	sim.SetEdgeHandler(func() { n++ })
	sim.Pulse(450)
	assert.Equal(t, 450, n)

	require.NoError(t, sim.SetValve(context.Background(), true))
	require.NoError(t, sim.SetValve(context.Background(), true))
	require.NoError(t, sim.SetValve(context.Background(), false))
	assert.Equal(t, 2, sim.ValveSwitches())
}
