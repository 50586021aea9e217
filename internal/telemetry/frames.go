package telemetry

import "encoding/json"

// 服务端帧类型
const (
	frameTypeConnected   = "connected"
	frameTypeMeasurement = "measurement"
)

// frame 服务端入站帧的统一包络，按字段组合分类：
//   - {type:"connected", message}                         连接确认
//   - {type:"measurement", sensor_code, timestamp, value, unit}  直接测量事件
//   - {topic, payload}                                    主题包络消息
type frame struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	SensorCode string  `json:"sensor_code,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
	Value      float64 `json:"value,omitempty"`
	Unit       string  `json:"unit,omitempty"`

	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribeRequest 客户端→服务端的订阅控制消息
type subscribeRequest struct {
	Action  string   `json:"action"`
	Sensors []string `json:"sensors"`
}

// Event 分发给处理器的事件
// 测量事件填充 SensorCode/Value/Unit/Timestamp，主题消息填充 Topic/Payload
type Event struct {
	SensorCode string
	Value      float64
	Unit       string
	Timestamp  int64

	Topic   string
	Payload json.RawMessage
}

// Handler 分发处理器
type Handler func(Event)
