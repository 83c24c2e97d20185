package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// envelope is used to peek at the discriminator before decoding the body.
type envelope struct {
	Type Type `json:"type"`
}

// Encode serialises msg as a JSON object with its "type" discriminator as the
// first field. The output is suitable for a websocket text frame.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.MessageType(), err)
	}
	head := `{"type":"` + string(msg.MessageType()) + `"`
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a text frame into its concrete message type. The returned
// value is one of [Ping], [Pong], [Start], [Stop], [FastText], [Correction] or
// [Error] (never a pointer).
//
// Errors wrap [ErrMalformed] or [ErrUnknownType].
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeStart:
		return decodeAs[Start](data)
	case TypeStop:
		return decodeAs[Stop](data)
	case TypeFastText:
		return decodeAs[FastText](data)
	case TypeCorrection:
		return decodeAs[Correction](data)
	case TypeError:
		return decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.MessageType(), err)
	}
	return m, nil
}

// NewTraceID returns a fresh, globally unique session trace id.
func NewTraceID() string {
	return uuid.NewString()
}
