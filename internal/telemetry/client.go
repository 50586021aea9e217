package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrConnectionTimeout 握手在限定时间内未被确认
var ErrConnectionTimeout = errors.New("connection handshake timeout")

// ConnectionState 连接状态
// 只由客户端自身的连接/关闭/错误事件和重连调度器驱动，调用方不可直接设置
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateListener 连接状态监听器，状态每次变化时同步调用
type StateListener func(ConnectionState)

// Options 客户端参数
type Options struct {
	HandshakeTimeout     time.Duration // 默认 10s
	ReconnectBaseDelay   time.Duration // 默认 2s
	MaxReconnectAttempts int           // 默认 5
}

// Client 遥测客户端：持有一条到 broker 代理的长连接，
// 维护连接状态机、重连调度器和按路由键的分发注册表。
// 所有分发在读循环内同步执行（慢处理器会延迟后续分发，没有并行扇出）。
type Client struct {
	transport Transport
	logger    *zap.Logger
	opts      Options

	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	endpoint   string
	credential string
	generation uint64 // 每次建连/断开递增，用于让过期的读循环失效
	closing    bool   // 显式 Disconnect 后为 true，禁止自动重连

	handlers    map[string]Handler
	sensorCodes []string // 按首次登记顺序，重连后按此顺序重放
	sensorSeen  map[string]bool

	listeners         []StateListener
	reconnectTimer    *time.Timer
	reconnectAttempts int

	writeMu sync.Mutex // 串行化连接写入
}

// NewClient 创建遥测客户端，初始状态 disconnected
func NewClient(transport Transport, opts Options, logger *zap.Logger) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 2 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}

	return &Client{
		transport:  transport,
		logger:     logger,
		opts:       opts,
		state:      StateDisconnected,
		handlers:   make(map[string]Handler),
		sensorSeen: make(map[string]bool),
	}
}

// Connect 建立连接并等待握手确认
// 握手超时返回 ErrConnectionTimeout，此时调用方需自行重试
//（自动重连只针对连接成功后的意外断开）
func (c *Client) Connect(ctx context.Context, endpoint, credential string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("telemetry client already %s", state)
	}
	// 显式建连接管后续恢复，挂起的自动重连定时器作废
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.endpoint = endpoint
	c.credential = credential
	c.closing = false
	c.reconnectAttempts = 0
	c.mu.Unlock()

	return c.establish(ctx)
}

// establish 单次建连尝试：拨号、等待确认帧、重放传感器订阅
func (c *Client) establish(ctx context.Context) error {
	c.setStateUnlessClosing(StateConnecting)

	c.mu.Lock()
	endpoint := c.endpoint
	credential := c.credential
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx, endpoint, credential)
	if err != nil {
		c.setStateUnlessClosing(StateErrored)
		return fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	ackCh := make(chan struct{}, 1)
	go c.readLoop(gen, conn, ackCh)

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
	case <-timer.C:
		// 中止挂起的尝试：关闭连接让读循环退出，迟到的确认不再生效
		conn.Close()
		c.setStateUnlessClosing(StateErrored)
		return ErrConnectionTimeout
	case <-ctx.Done():
		conn.Close()
		c.setStateUnlessClosing(StateErrored)
		return ctx.Err()
	}

	// 状态迁移与代次检查在同一临界区内完成，
	// 并发的 Disconnect 不会被一个过期的建连结果覆盖
	c.mu.Lock()
	if c.closing || gen != c.generation {
		c.mu.Unlock()
		conn.Close()
		return errors.New("telemetry client closed during connect")
	}
	c.conn = conn
	c.reconnectAttempts = 0
	c.state = StateConnected
	codes := append([]string(nil), c.sensorCodes...)
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(StateConnected)
	}

	// 重放断线前登记过的全部传感器订阅（按首次登记顺序）
	if len(codes) > 0 {
		if err := c.sendSubscribe(conn, codes); err != nil {
			c.logger.Warn("Failed to replay sensor subscriptions", zap.Error(err))
		}
	}

	c.logger.Info("Telemetry connected", zap.String("endpoint", endpoint))
	return nil
}

// readLoop 连接读循环：握手阶段等待确认帧，之后逐帧分发
func (c *Client) readLoop(gen uint64, conn Conn, ackCh chan<- struct{}) {
	acked := false
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLoss(gen, conn, err)
			return
		}

		if !acked {
			var f frame
			if jsonErr := json.Unmarshal(data, &f); jsonErr == nil && f.Type == frameTypeConnected {
				acked = true
				select {
				case ackCh <- struct{}{}:
				default:
				}
				continue
			}
			// 确认之前到达的帧不分发
			c.logger.Debug("Dropping pre-handshake frame")
			continue
		}

		// 过期代次的连接不再分发，单连接不变量由此兜底
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			conn.Close()
			return
		}

		c.dispatch(data)
	}
}

// handleConnectionLoss 连接意外断开：发布 disconnected 并调度重连
// 显式 Disconnect 和握手失败路径不走这里的重连逻辑
func (c *Client) handleConnectionLoss(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	if gen != c.generation || c.closing {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	if c.conn == conn {
		c.conn = nil
	}
	var listeners []StateListener
	if wasConnected {
		c.state = StateDisconnected
		listeners = append([]StateListener(nil), c.listeners...)
	}
	c.mu.Unlock()

	if !wasConnected {
		// 握手阶段的失败由 establish 收尾
		return
	}

	conn.Close()
	c.logger.Warn("Telemetry connection lost", zap.Error(err))
	for _, listener := range listeners {
		listener(StateDisconnected)
	}
	c.scheduleReconnect()
}

// scheduleReconnect 调度下一次重连：延迟随尝试次数线性增长（单调不减），
// 次数达到上限后停止调度，保持 disconnected（不会进入单独的"放弃"状态）
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}

	if c.reconnectAttempts >= c.opts.MaxReconnectAttempts {
		attempts := c.reconnectAttempts
		c.mu.Unlock()
		c.logger.Warn("Reconnect attempts exhausted, staying disconnected",
			zap.Int("attempts", attempts),
		)
		c.setStateUnlessClosing(StateDisconnected)
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := time.Duration(attempt) * c.opts.ReconnectBaseDelay
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	// 定时器触发与显式 Connect 可能竞争：连接已在建立或已建成时放弃本次重连
	if c.closing || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.establish(context.Background()); err != nil {
		c.logger.Warn("Reconnect attempt failed", zap.Error(err))
		c.scheduleReconnect()
	}
}

// Subscribe 在路由键（主题模式、字面传感器代码或通配符 *）上注册分发处理器。
// 同一键上的第二次注册替换第一次（last-write-wins，这是明确的契约）。
// 注册表只存在于进程内，连接成功后由客户端自动重放，不持久化。
func (c *Client) Subscribe(routingKey string, handler Handler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.handlers[routingKey] = handler
	c.mu.Unlock()
}

// Unsubscribe 移除路由键上的处理器
func (c *Client) Unsubscribe(routingKey string) {
	c.mu.Lock()
	delete(c.handlers, routingKey)
	c.mu.Unlock()
}

// SubscribeSensors 请求传输层开始推送给定传感器的更新
// 未连接时请求被记住，下次连接成功后自动重放（而非报错）
func (c *Client) SubscribeSensors(sensorCodes []string) error {
	requested := make([]string, 0, len(sensorCodes))

	c.mu.Lock()
	for _, code := range sensorCodes {
		if code == "" {
			continue
		}
		requested = append(requested, code)
		if !c.sensorSeen[code] {
			c.sensorSeen[code] = true
			c.sensorCodes = append(c.sensorCodes, code)
		}
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if len(requested) == 0 || !connected || conn == nil {
		return nil
	}

	return c.sendSubscribe(conn, requested)
}

func (c *Client) sendSubscribe(conn Conn, codes []string) error {
	data, err := json.Marshal(subscribeRequest{Action: "subscribe", Sensors: codes})
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}
	return nil
}

// GetConnectionStatus 当前连接状态
func (c *Client) GetConnectionStatus() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected 是否处于 connected 状态
func (c *Client) IsConnected() bool {
	return c.GetConnectionStatus() == StateConnected
}

// OnConnectionChange 注册状态监听器
// 注册时立即以当前状态同步调用一次，晚注册的监听者不会错过当前连接事实
func (c *Client) OnConnectionChange(listener StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	state := c.state
	c.mu.Unlock()

	listener(state)
}

// Disconnect 显式断开：取消挂起的重连定时器（之后绝不会再触发重连）、
// 关闭连接、清空全部注册表。幂等，任意状态下可安全调用。
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.reconnectAttempts = 0
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.setState(StateDisconnected)

	c.mu.Lock()
	c.handlers = make(map[string]Handler)
	c.sensorCodes = nil
	c.sensorSeen = make(map[string]bool)
	c.listeners = nil
	c.mu.Unlock()
}

// setStateUnlessClosing 状态迁移，但显式关闭后不再覆盖 Disconnect 设下的终态
func (c *Client) setStateUnlessClosing(next ConnectionState) {
	c.mu.Lock()
	if c.closing || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
}

// setState 状态迁移：同一状态不重复通知
func (c *Client) setState(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
}

// dispatch 入站帧分类分发
// 畸形帧记日志后丢弃，不上抛、不中断读循环
func (c *Client) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case f.Type == frameTypeConnected:
		// 连接确认，仅作记录
		c.logger.Debug("Connection acknowledged", zap.String("message", f.Message))

	case f.Type == frameTypeMeasurement:
		if f.SensorCode == "" {
			c.logger.Warn("Dropping measurement frame without sensor code")
			return
		}
		event := Event{
			SensorCode: f.SensorCode,
			Value:      f.Value,
			Unit:       f.Unit,
			Timestamp:  f.Timestamp,
		}
		for _, handler := range c.measurementHandlers(f.SensorCode) {
			handler(event)
		}

	case f.Topic != "":
		event := Event{Topic: f.Topic, Payload: f.Payload}
		for _, handler := range c.topicHandlers(f.Topic) {
			handler(event)
		}

	default:
		c.logger.Warn("Dropping frame with unrecognized shape")
	}
}

// measurementHandlers 测量事件命中：字面传感器代码的处理器 + 通配符处理器
func (c *Client) measurementHandlers(sensorCode string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	var handlers []Handler
	if h, ok := c.handlers[sensorCode]; ok {
		handlers = append(handlers, h)
	}
	if h, ok := c.handlers[Wildcard]; ok && sensorCode != Wildcard {
		handlers = append(handlers, h)
	}
	return handlers
}

// topicHandlers 主题消息命中：层级段匹配
// system/ 前缀的主题只路由到 system/ 开头的路由键（专门的系统处理器），
// 通用主题处理器和通配符收不到系统主题
func (c *Client) topicHandlers(topic string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	isSystem := strings.HasPrefix(topic, SystemTopicPrefix)

	keys := make([]string, 0, len(c.handlers))
	for key := range c.handlers {
		keys = append(keys, key)
	}
	// 多处理器命中时按键序分发，保证顺序稳定
	sort.Strings(keys)

	var handlers []Handler
	for _, key := range keys {
		if strings.HasPrefix(key, SystemTopicPrefix) != isSystem {
			continue
		}
		if Match(key, topic) != MatchNone {
			handlers = append(handlers, c.handlers[key])
		}
	}
	return handlers
}
