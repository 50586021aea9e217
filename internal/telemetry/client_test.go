package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn 仅用于单元测试的内存双工连接
type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// serverSend 模拟服务端推送一帧
func (c *fakeConn) serverSend(raw string) {
	c.in <- []byte(raw)
}

// abruptClose 模拟连接意外断开
func (c *fakeConn) abruptClose() {
	c.Close()
}

func (c *fakeConn) sentSubscribes() []subscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reqs []subscribeRequest
	for _, data := range c.writes {
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err == nil && req.Action == "subscribe" {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// fakeTransport 可配置的测试传输
type fakeTransport struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dialErr   error
	ackOnDial bool
	dialCount int
}

func (tr *fakeTransport) Dial(ctx context.Context, endpoint, credential string) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.dialCount++
	if tr.dialErr != nil {
		return nil, tr.dialErr
	}

	conn := newFakeConn()
	if tr.ackOnDial {
		conn.in <- []byte(`{"type":"connected","message":"ok"}`)
	}
	tr.conns = append(tr.conns, conn)
	return conn, nil
}

func (tr *fakeTransport) dials() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dialCount
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conns[i]
}

func (tr *fakeTransport) setDialErr(err error) {
	tr.mu.Lock()
	tr.dialErr = err
	tr.mu.Unlock()
}

func newTestClient(tr *fakeTransport, opts Options) *Client {
	return NewClient(tr, opts, zap.NewNop())
}

func connectTestClient(t *testing.T, opts Options) (*Client, *fakeTransport) {
	tr := &fakeTransport{ackOnDial: true}
	client := newTestClient(tr, opts)
	require.NoError(t, client.Connect(context.Background(), "ws://broker/realtime", ""))
	t.Cleanup(client.Disconnect)
	return client, tr
}

func TestConnect_Success(t *testing.T) {
	client, tr := connectTestClient(t, Options{HandshakeTimeout: time.Second})

	assert.True(t, client.IsConnected())
	assert.Equal(t, StateConnected, client.GetConnectionStatus())
	assert.Equal(t, 1, tr.dials())
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	tr := &fakeTransport{ackOnDial: false}
	client := newTestClient(tr, Options{
		HandshakeTimeout:   50 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	defer client.Disconnect()

	err := client.Connect(context.Background(), "ws://broker/realtime", "")
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, StateErrored, client.GetConnectionStatus())

	// 显式 Connect 失败不触发自动重连（自动重连只针对连接成功后的断开）
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tr.dials())
}

func TestOnConnectionChange_NotifiesImmediately(t *testing.T) {
	tr := &fakeTransport{ackOnDial: true}
	client := newTestClient(tr, Options{})
	defer client.Disconnect()

	var got []ConnectionState
	client.OnConnectionChange(func(s ConnectionState) {
		got = append(got, s)
	})

	// 注册时立即收到当前状态
	require.Len(t, got, 1)
	assert.Equal(t, StateDisconnected, got[0])
}

func TestDispatch_Measurement(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	events := make(chan Event, 4)
	wildcard := make(chan Event, 4)
	client.Subscribe("temp_sec21", func(e Event) { events <- e })
	client.Subscribe("*", func(e Event) { wildcard <- e })

	tr.conn(0).serverSend(`{"type":"measurement","sensor_code":"temp_sec21","timestamp":1700000000,"value":42.5,"unit":"°C"}`)

	select {
	case e := <-events:
		assert.Equal(t, "temp_sec21", e.SensorCode)
		assert.Equal(t, 42.5, e.Value)
		assert.Equal(t, "°C", e.Unit)
		assert.Equal(t, int64(1700000000), e.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("measurement not dispatched")
	}

	select {
	case e := <-wildcard:
		assert.Equal(t, 42.5, e.Value)
	case <-time.After(time.Second):
		t.Fatal("wildcard handler not invoked")
	}

	// 恰好一次
	assert.Empty(t, events)
}

func TestSubscribe_LastWriteWins(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	first := make(chan Event, 4)
	second := make(chan Event, 4)
	client.Subscribe("temp_sec21", func(e Event) { first <- e })
	client.Subscribe("temp_sec21", func(e Event) { second <- e })

	tr.conn(0).serverSend(`{"type":"measurement","sensor_code":"temp_sec21","value":1}`)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not invoked")
	}

	// 被替换的处理器此后绝不会再被调用
	assert.Empty(t, first)
}

func TestDispatch_HierarchicalTopicMatching(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	events := make(chan Event, 4)
	client.Subscribe("machines/sec21", func(e Event) { events <- e })

	tr.conn(0).serverSend(`{"topic":"machines/sec22/plc1/temp","payload":{"v":1}}`)
	tr.conn(0).serverSend(`{"topic":"machines/sec21/plc1/temp","payload":{"v":2}}`)

	select {
	case e := <-events:
		// 只有层级前缀命中的主题被分发，兄弟机器的主题不会
		assert.Equal(t, "machines/sec21/plc1/temp", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("topic not dispatched")
	}
	assert.Empty(t, events)
}

func TestDispatch_SystemTopicsUseDedicatedHandlers(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	system := make(chan Event, 4)
	generic := make(chan Event, 4)
	client.Subscribe("system/database", func(e Event) { system <- e })
	client.Subscribe("*", func(e Event) { generic <- e })

	tr.conn(0).serverSend(`{"topic":"system/database/status","payload":{"ok":true}}`)
	tr.conn(0).serverSend(`{"topic":"machines/sec21/plc1/temp","payload":{"v":1}}`)

	select {
	case e := <-system:
		assert.Equal(t, "system/database/status", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("system topic not dispatched")
	}

	// 通配符收到普通主题，但收不到系统主题
	select {
	case e := <-generic:
		assert.Equal(t, "machines/sec21/plc1/temp", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("generic topic not dispatched")
	}
	assert.Empty(t, generic)
}

func TestDispatch_MalformedFramesAreDropped(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	events := make(chan Event, 4)
	client.Subscribe("temp_sec21", func(e Event) { events <- e })

	tr.conn(0).serverSend(`{not json at all`)
	tr.conn(0).serverSend(`{"unexpected":"shape"}`)
	tr.conn(0).serverSend(`{"type":"measurement","sensor_code":"temp_sec21","value":7}`)

	// 畸形帧被丢弃，读循环继续工作
	select {
	case e := <-events:
		assert.Equal(t, 7.0, e.Value)
	case <-time.After(time.Second):
		t.Fatal("dispatch loop died on malformed frame")
	}
	assert.True(t, client.IsConnected())
}

func TestSubscribeSensors_ReplayedOnConnect(t *testing.T) {
	tr := &fakeTransport{ackOnDial: true}
	client := newTestClient(tr, Options{ReconnectBaseDelay: 5 * time.Millisecond})
	defer client.Disconnect()

	// 未连接时登记的订阅被记住，不报错
	require.NoError(t, client.SubscribeSensors([]string{"temp_sec21", "pressure_sec21"}))

	require.NoError(t, client.Connect(context.Background(), "ws://broker/realtime", ""))

	require.Eventually(t, func() bool {
		return len(tr.conn(0).sentSubscribes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"temp_sec21", "pressure_sec21"}, tr.conn(0).sentSubscribes()[0].Sensors)

	// 连接中追加订阅
	require.NoError(t, client.SubscribeSensors([]string{"flow_sec22"}))

	// 意外断开后重连，全部订阅按首次登记顺序重放
	tr.conn(0).abruptClose()

	require.Eventually(t, func() bool {
		return tr.dials() == 2 && client.IsConnected()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(tr.conn(1).sentSubscribes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]string{"temp_sec21", "pressure_sec21", "flow_sec22"},
		tr.conn(1).sentSubscribes()[0].Sensors,
	)
}

func TestReconnect_BoundedAttempts(t *testing.T) {
	client, tr := connectTestClient(t, Options{
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})

	tr.setDialErr(errors.New("broker unreachable"))
	tr.conn(0).abruptClose()

	// 5 次重连尝试 = 初次拨号 + 5
	require.Eventually(t, func() bool {
		return tr.dials() == 6
	}, 2*time.Second, 5*time.Millisecond)

	// 不会调度第 6 次
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 6, tr.dials())

	// 重试耗尽后保持 disconnected，没有单独的"放弃"状态
	assert.Equal(t, StateDisconnected, client.GetConnectionStatus())
}

func TestReconnect_ListenerSeesSingleDisconnect(t *testing.T) {
	client, tr := connectTestClient(t, Options{
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	var mu sync.Mutex
	var states []ConnectionState
	client.OnConnectionChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	tr.setDialErr(errors.New("broker unreachable"))
	tr.conn(0).abruptClose()

	require.Eventually(t, func() bool {
		return tr.dials() == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// 注册时立即收到 connected，断开时恰好一次 disconnected，随后才是重连
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnected, states[0])
	require.True(t, len(states) >= 3)
	assert.Equal(t, StateDisconnected, states[1])
	assert.Equal(t, StateConnecting, states[2])

	disconnectsBeforeRetry := 0
	for _, s := range states[1:] {
		if s == StateConnecting {
			break
		}
		if s == StateDisconnected {
			disconnectsBeforeRetry++
		}
	}
	assert.Equal(t, 1, disconnectsBeforeRetry)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	client, tr := connectTestClient(t, Options{
		ReconnectBaseDelay: 100 * time.Millisecond,
	})

	tr.setDialErr(errors.New("broker unreachable"))
	tr.conn(0).abruptClose()

	// 重连定时器挂起期间显式断开
	require.Eventually(t, func() bool {
		return client.GetConnectionStatus() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
	client.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, tr.dials(), "no reconnect may fire after explicit disconnect")
	assert.Equal(t, StateDisconnected, client.GetConnectionStatus())

	// 幂等
	client.Disconnect()
	client.Disconnect()
}

func TestConnect_ExplicitReconnectCancelsPendingTimer(t *testing.T) {
	client, tr := connectTestClient(t, Options{
		ReconnectBaseDelay:   60 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})

	// 意外断开，首次自动重连失败，第二次重连定时器挂起
	tr.setDialErr(errors.New("broker unreachable"))
	tr.conn(0).abruptClose()
	require.Eventually(t, func() bool {
		return tr.dials() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// 定时器挂起期间显式重连成功，接管后续恢复
	tr.setDialErr(nil)
	require.NoError(t, client.Connect(context.Background(), "ws://broker/realtime", ""))
	require.True(t, client.IsConnected())
	require.Equal(t, 3, tr.dials())

	events := make(chan Event, 4)
	client.Subscribe("temp_sec21", func(e Event) { events <- e })

	// 作废的定时器不得再拨号，也不得留下并行的旧连接
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 3, tr.dials(), "stale reconnect timer must not redial")
	assert.True(t, client.IsConnected())

	tr.conn(1).serverSend(`{"type":"measurement","sensor_code":"temp_sec21","value":9}`)
	select {
	case e := <-events:
		assert.Equal(t, 9.0, e.Value)
	case <-time.After(time.Second):
		t.Fatal("measurement not dispatched")
	}

	// 单连接不变量：一条逻辑事件恰好分发一次
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, events)
}

func TestDisconnect_ClearsRegistries(t *testing.T) {
	client, tr := connectTestClient(t, Options{})

	events := make(chan Event, 4)
	client.Subscribe("temp_sec21", func(e Event) { events <- e })
	require.NoError(t, client.SubscribeSensors([]string{"temp_sec21"}))

	client.Disconnect()

	// 断开后重新连接：注册表已清空，不重放任何订阅
	tr.mu.Lock()
	tr.ackOnDial = true
	tr.mu.Unlock()
	require.NoError(t, client.Connect(context.Background(), "ws://broker/realtime", ""))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.conn(1).sentSubscribes())

	tr.conn(1).serverSend(`{"type":"measurement","sensor_code":"temp_sec21","value":1}`)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, events)
}

func TestReconnect_DelayGrowsMonotonically(t *testing.T) {
	opts := Options{ReconnectBaseDelay: 20 * time.Millisecond, MaxReconnectAttempts: 3}
	client, tr := connectTestClient(t, opts)
	defer client.Disconnect()

	tr.setDialErr(errors.New("broker unreachable"))

	var mu sync.Mutex
	var attemptTimes []time.Time

	done := make(chan struct{})
	go func() {
		defer close(done)
		last := 1
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if d := tr.dials(); d > last {
				mu.Lock()
				attemptTimes = append(attemptTimes, time.Now())
				mu.Unlock()
				last = d
				if last >= 1+opts.MaxReconnectAttempts {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	start := time.Now()
	tr.conn(0).abruptClose()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attemptTimes, opts.MaxReconnectAttempts)

	// 第二次失败后的重连延迟严格大于第一次
	firstDelay := attemptTimes[0].Sub(start)
	secondDelay := attemptTimes[1].Sub(attemptTimes[0])
	assert.Greater(t, secondDelay, firstDelay,
		fmt.Sprintf("delays must grow: first=%v second=%v", firstDelay, secondDelay))
}
