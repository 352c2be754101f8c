package game

import (
	"encoding/binary"
	"math"
)

// ActionKind is the first byte of an EVENT payload.
type ActionKind uint8

const (
	ActionMove     ActionKind = 1 // dx:i8 dy:i8
	ActionTeleport ActionKind = 2 // x:f32 y:f32
	ActionPing     ActionKind = 3 // no body
)

func (k ActionKind) String() string {
	switch k {
	case ActionMove:
		return "move"
	case ActionTeleport:
		return "teleport"
	case ActionPing:
		return "ping"
	default:
		return "unknown"
	}
}

type Action struct {
	Kind   ActionKind
	DX, DY int8
	X, Y   float32
}

func MoveEvent(dx, dy int8) []byte {
	return []byte{byte(ActionMove), byte(dx), byte(dy)}
}

func TeleportEvent(x, y float32) []byte {
	b := make([]byte, 9)
	b[0] = byte(ActionTeleport)
	binary.BigEndian.PutUint32(b[1:5], math.Float32bits(x))
	binary.BigEndian.PutUint32(b[5:9], math.Float32bits(y))
	return b
}

func PingEvent() []byte {
	return []byte{byte(ActionPing)}
}

func ParseAction(b []byte) (Action, bool) {
	if len(b) == 0 {
		return Action{}, false
	}
	a := Action{Kind: ActionKind(b[0])}
	switch a.Kind {
	case ActionMove:
		if len(b) < 3 {
			return Action{}, false
		}
		a.DX, a.DY = int8(b[1]), int8(b[2])
	case ActionTeleport:
		if len(b) < 9 {
			return Action{}, false
		}
		a.X = math.Float32frombits(binary.BigEndian.Uint32(b[1:5]))
		a.Y = math.Float32frombits(binary.BigEndian.Uint32(b[5:9]))
		if isNaNOrInf(a.X) || isNaNOrInf(a.Y) {
			return Action{}, false
		}
	case ActionPing:
	default:
		return Action{}, false
	}
	return a, true
}

func isNaNOrInf(f float32) bool {
	return math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)
}
