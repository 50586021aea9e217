package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Machine 机器目录条目
type Machine struct {
	MachineID string `json:"machine_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
}

// Sensor 传感器目录条目
type Sensor struct {
	SensorCode  string `json:"sensor_code"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	MachineCode string `json:"machine_code,omitempty"`
}

// PLC PLC目录条目
type PLC struct {
	PLCID       string `json:"plc_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	MachineCode string `json:"machine_code,omitempty"`
}

// Catalog 只读目录查询：仅用于解析人类可读标签，核心正确性不依赖它
type Catalog interface {
	Machines(ctx context.Context) ([]Machine, error)
	Sensors(ctx context.Context) ([]Sensor, error)
	PLCs(ctx context.Context) ([]PLC, error)
	SensorExists(ctx context.Context, sensorCode string) (bool, error)
}

// Client 目录服务 REST 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建目录客户端
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Machines 获取机器列表
func (c *Client) Machines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := c.getJSON(ctx, "/api/machines", &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

// Sensors 获取传感器列表
func (c *Client) Sensors(ctx context.Context) ([]Sensor, error) {
	var sensors []Sensor
	if err := c.getJSON(ctx, "/api/sensors", &sensors); err != nil {
		return nil, err
	}
	return sensors, nil
}

// PLCs 获取PLC列表
func (c *Client) PLCs(ctx context.Context) ([]PLC, error) {
	var plcs []PLC
	if err := c.getJSON(ctx, "/api/plcs", &plcs); err != nil {
		return nil, err
	}
	return plcs, nil
}

// SensorExists 检查传感器代码是否在目录中
func (c *Client) SensorExists(ctx context.Context, sensorCode string) (bool, error) {
	sensors, err := c.Sensors(ctx)
	if err != nil {
		return false, err
	}

	for _, sensor := range sensors {
		if sensor.SensorCode == sensorCode {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("failed to call catalog service: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("catalog service returned %s for %s", resp.Status(), path)
	}

	return nil
}
