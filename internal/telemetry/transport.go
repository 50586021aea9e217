package telemetry

import "context"

// Conn 一条已建立的双工消息连接
// ReadMessage 阻塞直到下一帧到达或连接关闭；实现需保证 Close 幂等
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport 建立双工连接的传输层
// credential 为可选的 bearer 凭证，具体携带方式由实现决定
type Transport interface {
	Dial(ctx context.Context, endpoint, credential string) (Conn, error)
}
