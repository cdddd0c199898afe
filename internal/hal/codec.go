package hal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command names sent as the first frame of a request
const (
	CmdSelect  = "mux"
	CmdADC     = "adc"
	CmdConvert = "convert"
	CmdProbe   = "probe"
	CmdRelay   = "relay"
)

// Event names published by the daemon
const (
	EventEdge = "edge"
)

// Status is the result code of a command reply
type Status uint32

const (
	StatusOK       Status = 0
	StatusBusy     Status = 1
	StatusNoDevice Status = 2
	StatusBadArg   Status = 3
	StatusFault    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusNoDevice:
		return "NO_DEVICE"
	case StatusBadArg:
		return "BAD_ARG"
	case StatusFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Reply is the decoded answer to a command
type Reply struct {
	Status Status
	Value  uint32 // Raw ADC count, or float32 bits for probe reads
}

// Celsius interprets the reply value as a probe temperature
func (r Reply) Celsius() float64 {
	return float64(math.Float32frombits(r.Value))
}

// MarshalSelect encodes the selector levels (bit 2, bit 1, bit 0) into one byte
func MarshalSelect(levels [3]bool) []byte {
	var b byte
	for _, high := range levels {
		b <<= 1
		if high {
			b |= 1
		}
	}
	return []byte{b}
}

// UnmarshalSelect decodes a selector byte back into line levels
func UnmarshalSelect(data []byte) ([3]bool, error) {
	var levels [3]bool
	if len(data) != 1 {
		return levels, fmt.Errorf("select payload: want 1 byte, got %d", len(data))
	}
	if data[0] > 7 {
		return levels, fmt.Errorf("select payload out of range: %d", data[0])
	}
	levels[0] = data[0]&4 != 0
	levels[1] = data[0]&2 != 0
	levels[2] = data[0]&1 != 0
	return levels, nil
}

// MarshalIndex encodes a probe index or relay state
func MarshalIndex(i int) []byte {
	return []byte{byte(i)}
}

// MarshalReply serializes a reply:
// 4 bytes: status
// 4 bytes: value
func MarshalReply(r Reply) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], r.Value)
	return buf
}

// UnmarshalReply deserializes a reply
func UnmarshalReply(data []byte) (Reply, error) {
	if len(data) < 8 {
		return Reply{}, fmt.Errorf("reply data too short: %d bytes", len(data))
	}
	return Reply{
		Status: Status(binary.LittleEndian.Uint32(data[0:4])),
		Value:  binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// CelsiusReply builds the reply for a probe read
func CelsiusReply(c float64) Reply {
	return Reply{Status: StatusOK, Value: math.Float32bits(float32(c))}
}

// EdgeEvent reports flow-sensor edges counted by the daemon since its last event
type EdgeEvent struct {
	Count uint32
}

// MarshalEdgeEvent serializes an edge event
func MarshalEdgeEvent(e EdgeEvent) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, e.Count)
	return buf
}

// UnmarshalEdgeEvent deserializes an edge event
func UnmarshalEdgeEvent(data []byte) (EdgeEvent, error) {
	if len(data) < 4 {
		return EdgeEvent{}, fmt.Errorf("edge event too short: %d bytes", len(data))
	}
	return EdgeEvent{Count: binary.LittleEndian.Uint32(data[0:4])}, nil
}
