package ws

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// Close codes used by the gateway core.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
	CloseBadRequest    = 4400
	CloseForbidden     = 4403
)

// Frame is one envelope message sent to the client. Exactly one of the three
// variants exists per message.
type Frame interface {
	isFrame()
}

// AudioFrame carries one transcoded chunk. Seq starts at 1 and increments by
// 1 per successfully sent frame.
type AudioFrame struct {
	Seq  uint32
	Data []byte
}

// EosFrame terminates a successful stream.
type EosFrame struct{}

// ErrorFrame terminates a failed stream; the server closes after sending it.
type ErrorFrame struct {
	Code    int
	Message string
}

func (AudioFrame) isFrame() {}
func (EosFrame) isFrame()   {}
func (ErrorFrame) isFrame() {}

type audioWire struct {
	Type string `json:"type"`
	Seq  uint32 `json:"seq"`
	Data string `json:"data"`
}

type eosWire struct {
	Type string `json:"type"`
}

type errorWire struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeFrame renders a frame as its JSON wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case AudioFrame:
		return sonic.Marshal(audioWire{
			Type: "audio",
			Seq:  v.Seq,
			Data: base64.StdEncoding.EncodeToString(v.Data),
		})
	case EosFrame:
		return sonic.Marshal(eosWire{Type: "eos"})
	case ErrorFrame:
		return sonic.Marshal(errorWire{Type: "error", Code: v.Code, Message: v.Message})
	}
	return nil, fmt.Errorf("unknown frame type %T", f)
}

// DecodeFrame parses a wire message back into a frame. Tests and client
// tooling use it; the server never receives frames.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "audio":
		var w audioWire
		if err := sonic.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return nil, fmt.Errorf("decode audio payload: %w", err)
		}
		return AudioFrame{Seq: w.Seq, Data: payload}, nil
	case "eos":
		return EosFrame{}, nil
	case "error":
		var w errorWire
		if err := sonic.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ErrorFrame{Code: w.Code, Message: w.Message}, nil
	}
	return nil, fmt.Errorf("unknown frame type %q", head.Type)
}
