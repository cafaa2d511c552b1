package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

var (
	// ErrMalformedEnvelope means a frame was read but its contents are not a
	// valid envelope. The stream is still usable.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownKind means the envelope is well-formed but of a kind this
	// build does not understand. The stream is still usable.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// IsRecoverable reports whether a decode error leaves the stream usable
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrUnknownKind)
}

// EncodeEnvelope writes env to w as a single frame
func EncodeEnvelope(w io.Writer, env Envelope) error {
	data, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// MarshalEnvelope returns the complete framed bytes for env
func MarshalEnvelope(env Envelope) ([]byte, error) {
	payload, err := MarshalPayload(env)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(ProtocolVersion, uint8(env.Kind()), 0, payload)
}

// MarshalLegacy frames a legacy plain-text line
func MarshalLegacy(line string) ([]byte, error) {
	return EncodeMessage(ProtocolVersion, TypeLegacyText, 0, []byte(line))
}

// MarshalPayload returns the JSON object for env, including its "type" field.
// Object keys are emitted in sorted order so the output is deterministic.
func MarshalPayload(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	name, ok := wireNames[env.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind())
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Kind(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Kind(), err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(name))

	return json.Marshal(fields)
}

// DecodeEnvelope blocks until one complete frame is read from r and returns
// its envelope. Errors wrapping ErrMalformedEnvelope or ErrUnknownKind leave
// r positioned at the next frame; any other error is a transport failure.
func DecodeEnvelope(r io.Reader) (Envelope, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidFrameLength) || errors.Is(err, ErrInvalidVersion) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return nil, err
	}
	return FrameEnvelope(frame)
}

// FrameEnvelope converts an already-read frame into an envelope
func FrameEnvelope(f *Frame) (Envelope, error) {
	if f.Type == TypeLegacyText {
		if !utf8.Valid(f.Payload) {
			return nil, fmt.Errorf("%w: legacy line is not valid UTF-8", ErrMalformedEnvelope)
		}
		return ParseLegacy(string(f.Payload))
	}

	env, err := ParseJSON(f.Payload)
	if err != nil {
		return nil, err
	}

	if env.Kind() != Kind(f.Type) {
		return nil, fmt.Errorf("%w: frame type %s does not match payload kind %s", ErrMalformedEnvelope, Kind(f.Type), env.Kind())
	}
	return env, nil
}

// ParsePayload decodes an unframed payload, sniffing JSON versus legacy text
func ParsePayload(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedEnvelope)
	}
	return ParseLegacy(string(data))
}

// ParseJSON decodes a JSON envelope object by its "type" discriminator
func ParseJSON(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var env Envelope
	switch head.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	case "username":
		env = &UsernameAnnounce{}
	case "message":
		env = &PublicText{}
	case "typing":
		env = &Typing{}
	case "user_list":
		env = &UserList{}
	case "history":
		env = &History{}
	case "public_key_request":
		env = &KeyRequest{}
	case "public_key_response":
		env = &KeyResponse{}
	case "private_message":
		env = &PrivateMessage{}
	case "settings":
		env = &Settings{}
	case "notice":
		env = &Notice{}
	case "error":
		env = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, head.Type, err)
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// validate checks the fields each kind cannot do without
func validate(env Envelope) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrMalformedEnvelope, env.Kind(), field)
	}

	switch m := env.(type) {
	case *UsernameAnnounce:
		if m.Username == "" {
			return missing("username")
		}
	case *PublicText:
		if m.Username == "" {
			return missing("username")
		}
	case *Typing:
		if m.Username == "" {
			return missing("username")
		}
	case *KeyRequest:
		if m.Target == "" {
			return missing("target")
		}
	case *KeyResponse:
		if m.Recipient == "" {
			return missing("recipient")
		}
		if m.PublicKey == "" {
			return missing("public_key")
		}
	case *PrivateMessage:
		if m.Recipient == "" {
			return missing("recipient")
		}
		if m.EncryptedKey == "" || m.IV == "" {
			return missing("encrypted_key and iv")
		}
	}
	return nil
}
