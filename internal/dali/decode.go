package dali

import (
	"errors"
	"fmt"
)

// ErrProtocol reports a malformed or unexpected backward frame.
var ErrProtocol = errors.New("dali: protocol error")

// OpKind classifies a decoded forward frame.
type OpKind uint8

const (
	OpDirectArc OpKind = iota
	OpCommand
	OpSpecial
)

// Op is the logical operation carried by a forward frame. For OpDirectArc
// Data is the level, for OpCommand Opcode is the command byte, for
// OpSpecial Opcode is the special command byte and Data its parameter.
type Op struct {
	Kind   OpKind
	Target Target
	Opcode uint8
	Data   uint8
}

// DecodeForward decodes the two wire bytes of a forward frame back into the
// logical operation. It is the inverse of the frame constructors and is
// what the simulated devices run on every received frame.
func DecodeForward(b1, b2 uint8) (Op, error) {
	if isSpecial(b1) {
		if b1&0x01 == 0 {
			return Op{}, fmt.Errorf("%w: special command byte %02X has even parity bit", ErrProtocol, b1)
		}
		return Op{Kind: OpSpecial, Opcode: b1, Data: b2}, nil
	}

	var target Target
	switch {
	case b1 == broadcastArc || b1 == broadcastCommand:
		target = Broadcast()
	case b1&0x80 == 0:
		target = Short(b1 >> 1)
	case b1&0xE0 == 0x80:
		target = Group((b1 >> 1) & 0x0F)
	default:
		return Op{}, fmt.Errorf("%w: unassigned address byte %02X", ErrProtocol, b1)
	}

	if b1&0x01 == 0 {
		return Op{Kind: OpDirectArc, Target: target, Data: b2}, nil
	}
	return Op{Kind: OpCommand, Target: target, Opcode: b2}, nil
}

// ResponseKind classifies what came back on the bus after a forward frame.
type ResponseKind uint8

const (
	// ResponseNone means no device answered within the response window.
	ResponseNone ResponseKind = iota
	// ResponseValue is a single well-formed backward frame byte.
	ResponseValue
	// ResponseCollision means more than one device answered at once. The
	// byte value is unusable but the fact that at least one device spoke
	// is still information the search algorithm relies on.
	ResponseCollision
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseNone:
		return "none"
	case ResponseValue:
		return "value"
	case ResponseCollision:
		return "collision"
	default:
		return fmt.Sprintf("response(%d)", uint8(k))
	}
}

// Response is the decoded outcome of one frame exchange.
type Response struct {
	Kind  ResponseKind
	Value uint8
}

// NoResponse is the bounded-timeout outcome.
func NoResponse() Response { return Response{Kind: ResponseNone} }

// ValueResponse wraps a single backward frame byte.
func ValueResponse(v uint8) Response { return Response{Kind: ResponseValue, Value: v} }

// CollisionResponse marks simultaneous answers from multiple devices.
func CollisionResponse() Response { return Response{Kind: ResponseCollision} }

// Yes reports whether the response is the standard YES byte (0xFF).
func (r Response) Yes() bool {
	return r.Kind == ResponseValue && r.Value == 0xFF
}

// Answered reports whether at least one device responded, counting a
// collision as an answer.
func (r Response) Answered() bool {
	return r.Kind == ResponseValue || r.Kind == ResponseCollision
}
