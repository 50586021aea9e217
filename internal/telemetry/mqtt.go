package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTTransport MQTT 传输：broker 直连部署（没有 WebSocket 代理）时使用
// paho 的自动重连被禁用，重连调度完全由 Client 的状态机负责
type MQTTTransport struct {
	InboundTopic string // broker→客户端的帧主题
	ControlTopic string // 客户端→broker 的控制消息主题
	QoS          byte
}

// Dial 连接 broker 并订阅入站主题
func (t *MQTTTransport) Dial(ctx context.Context, endpoint, credential string) (Conn, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(endpoint)
	opts.SetClientID("foundry-dash-" + uuid.NewString())
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)

	if credential != "" {
		opts.SetUsername(credential)
	}

	conn := &mqttConn{
		controlTopic: t.ControlTopic,
		qos:          t.QoS,
		messages:     make(chan []byte, 64),
		done:         make(chan struct{}),
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		conn.fail(err)
	})

	client := mqtt.NewClient(opts)
	conn.client = client

	token := client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}

	subToken := client.Subscribe(t.InboundTopic, t.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		conn.push(msg.Payload())
	})
	if subToken.Wait() && subToken.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to inbound topic: %w", subToken.Error())
	}

	return conn, nil
}

type mqttConn struct {
	client       mqtt.Client
	controlTopic string
	qos          byte

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *mqttConn) push(payload []byte) {
	data := append([]byte(nil), payload...)
	select {
	case c.messages <- data:
	case <-c.done:
	default:
		// 没有背压机制：队列满直接丢弃
	}
}

func (c *mqttConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
}

func (c *mqttConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.messages:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = errors.New("mqtt connection closed")
		}
		return nil, err
	}
}

func (c *mqttConn) WriteMessage(data []byte) error {
	token := c.client.Publish(c.controlTopic, c.qos, false, data)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to control topic: %w", token.Error())
	}
	return nil
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.client.Disconnect(250)
	return nil
}
