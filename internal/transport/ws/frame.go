package ws

import (
	"encoding/json"
)

// Frame WebSocket 上的事件帧：{"event": "...", "data": ...}
// 客户端 -> 服务端：join / leave，data 为 {"session": KEY}
// 服务端 -> 客户端：vitals / vitals_{KEY}，data 为原始记录数组
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame 序列化事件帧
func EncodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
