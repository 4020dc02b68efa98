package ws

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"

	"relay-service/internal/models"
)

var parserPool fastjson.ParserPool

// inboundFrame is a decoded client frame: {"event": ..., "data": {...}, "ack": n}.
type inboundFrame struct {
	Event string
	Data  []byte
	Ack   *int64
}

type outboundFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data"`
}

func decodeFrame(raw []byte) (inboundFrame, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return inboundFrame{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if v.Type() != fastjson.TypeObject {
		return inboundFrame{}, fmt.Errorf("%w: frame must be an object", models.ErrMalformedPayload)
	}

	ev := v.Get("event")
	if ev == nil || ev.Type() != fastjson.TypeString || len(ev.GetStringBytes()) == 0 {
		return inboundFrame{}, fmt.Errorf("%w: event is required", models.ErrMalformedPayload)
	}
	frame := inboundFrame{Event: string(ev.GetStringBytes())}

	if ack := v.Get("ack"); ack != nil && ack.Type() != fastjson.TypeNull {
		id, err := ack.Int64()
		if err != nil {
			return frame, fmt.Errorf("%w: ack must be an integer", models.ErrMalformedPayload)
		}
		frame.Ack = &id
	}

	data := v.Get("data")
	switch {
	case data == nil || data.Type() == fastjson.TypeNull:
		frame.Data = []byte("{}")
	case data.Type() != fastjson.TypeObject:
		return frame, fmt.Errorf("%w: data must be an object", models.ErrMalformedPayload)
	default:
		frame.Data = data.MarshalTo(nil)
	}
	return frame, nil
}

func decodeData[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	return v, nil
}

func encodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: payload})
}

func encodeAck(id int64, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: models.EventAck, Ack: &id, Data: payload})
}
