// Package protocol implements the media-stream wire protocol: framed JSON
// event envelopes exchanged with the telephony provider over a websocket.
// Decoding is side-effect free; state decisions belong to the session.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventStart = "start"
	EventMedia = "media"
	EventMark  = "mark"
	EventStop  = "stop"
	EventClose = "close"
	EventClear = "clear"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// MediaFormat describes the audio shape negotiated in the start event. It is
// fixed for the stream's lifetime.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// StreamEvent is one decoded inbound frame. Immutable once parsed; exactly
// one of Start/Media/Mark is non-nil depending on Event.
type StreamEvent struct {
	Event     string
	Sequence  uint64
	StreamSid string
	Start     *StartPayload
	Media     *MediaPayload
	Mark      *MarkPayload
}

type envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber"`
	StreamSid      string        `json:"streamSid"`
	Start          *StartPayload `json:"start"`
	Media          *MediaPayload `json:"media"`
	Mark           *MarkPayload  `json:"mark"`
}

// Decode parses a raw inbound frame into a StreamEvent. Unknown extra fields
// are ignored for forward compatibility; unknown event kinds are not.
func Decode(data []byte) (StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return StreamEvent{}, badFrame("invalid json frame", "")
	}
	kind := strings.TrimSpace(env.Event)
	if kind == "" {
		return StreamEvent{}, badFrame("missing event", "event")
	}

	seqRaw := strings.TrimSpace(env.SequenceNumber)
	if seqRaw == "" {
		return StreamEvent{}, badFrame("missing sequenceNumber", "sequenceNumber")
	}
	seq, err := strconv.ParseUint(seqRaw, 10, 64)
	if err != nil {
		return StreamEvent{}, badFrame("sequenceNumber must be an unsigned integer", "sequenceNumber")
	}

	ev := StreamEvent{Event: kind, Sequence: seq, StreamSid: strings.TrimSpace(env.StreamSid)}

	switch kind {
	case EventStart:
		if env.Start == nil {
			return StreamEvent{}, badFrame("start payload is required", "start")
		}
		if err := validateStart(env.Start); err != nil {
			return StreamEvent{}, err
		}
		if ev.StreamSid == "" {
			ev.StreamSid = strings.TrimSpace(env.Start.StreamSid)
		}
		if ev.StreamSid == "" {
			return StreamEvent{}, badFrame("streamSid is required", "streamSid")
		}
		ev.Start = env.Start
		return ev, nil
	case EventMedia:
		if env.Media == nil {
			return StreamEvent{}, badFrame("media payload is required", "media")
		}
		if strings.TrimSpace(env.Media.Payload) == "" {
			return StreamEvent{}, badFrame("media.payload is required", "media.payload")
		}
		if ev.StreamSid == "" {
			return StreamEvent{}, badFrame("streamSid is required", "streamSid")
		}
		ev.Media = env.Media
		return ev, nil
	case EventMark:
		if env.Mark == nil || strings.TrimSpace(env.Mark.Name) == "" {
			return StreamEvent{}, badFrame("mark.name is required", "mark.name")
		}
		ev.Mark = env.Mark
		return ev, nil
	case EventStop, EventClose:
		if ev.StreamSid == "" {
			return StreamEvent{}, badFrame("streamSid is required", "streamSid")
		}
		return ev, nil
	default:
		return StreamEvent{}, unsupported("unsupported event kind", "event")
	}
}

func validateStart(p *StartPayload) error {
	if strings.TrimSpace(p.MediaFormat.Encoding) == "" {
		return badFrame("start.mediaFormat.encoding is required", "start.mediaFormat.encoding")
	}
	if p.MediaFormat.SampleRate <= 0 {
		return badFrame("start.mediaFormat.sampleRate must be > 0", "start.mediaFormat.sampleRate")
	}
	if p.MediaFormat.Channels <= 0 {
		return badFrame("start.mediaFormat.channels must be > 0", "start.mediaFormat.channels")
	}
	if len(p.Tracks) == 0 {
		return badFrame("start.tracks must be non-empty", "start.tracks")
	}
	return nil
}

type outboundMediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string               `json:"event"`
	StreamSid string               `json:"streamSid"`
	Media     outboundMediaPayload `json:"media"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// EncodeMedia frames base64-encoded agent audio for the provider.
func EncodeMedia(streamSid, payloadB64 string) ([]byte, error) {
	if strings.TrimSpace(streamSid) == "" {
		return nil, badFrame("streamSid is required", "streamSid")
	}
	if strings.TrimSpace(payloadB64) == "" {
		return nil, badFrame("media payload is required", "media.payload")
	}
	return json.Marshal(outboundMedia{Event: EventMedia, StreamSid: streamSid, Media: outboundMediaPayload{Payload: payloadB64}})
}

// EncodeMark frames a named playback checkpoint. The provider echoes it back
// once audio queued before the mark has been played to the caller.
func EncodeMark(streamSid, name string) ([]byte, error) {
	if strings.TrimSpace(streamSid) == "" {
		return nil, badFrame("streamSid is required", "streamSid")
	}
	if strings.TrimSpace(name) == "" {
		return nil, badFrame("mark.name is required", "mark.name")
	}
	return json.Marshal(outboundMark{Event: EventMark, StreamSid: streamSid, Mark: MarkPayload{Name: name}})
}

// EncodeClear tells the provider to drop any buffered outbound audio, used
// when the agent output is interrupted.
func EncodeClear(streamSid string) ([]byte, error) {
	if strings.TrimSpace(streamSid) == "" {
		return nil, badFrame("streamSid is required", "streamSid")
	}
	return json.Marshal(outboundClear{Event: EventClear, StreamSid: streamSid})
}
