package models

import "time"

// Board 操作员看板（一组 Tab 的命名集合）
type Board struct {
	BoardID     string    `json:"board_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tabs        []Tab     `json:"tabs,omitempty"`
}

// Tab 看板内的机器页签，持有按序排列的 Widget
type Tab struct {
	TabID   string `json:"tab_id"`
	BoardID string `json:"board_id"`
	Name    string `json:"name"`

	// 机器引用（不透明的外部数据，本层不校验）
	MachineID   string `json:"machine_id,omitempty"`
	MachineCode string `json:"machine_code,omitempty"`
	MachineName string `json:"machine_name,omitempty"`

	OrderIndex int      `json:"order_index"`
	IsActive   bool     `json:"is_active"`
	Widgets    []Widget `json:"widgets,omitempty"`
}

// WidgetType Widget 类型标签
type WidgetType string

const (
	WidgetGauge        WidgetType = "gauge"
	WidgetKPI          WidgetType = "kpi"
	WidgetStatus       WidgetType = "status"
	WidgetLineChart    WidgetType = "line-chart"
	WidgetDigitalIO    WidgetType = "digital-io"
	WidgetActionButton WidgetType = "action-button"
)

// Widget 绑定单个传感器的可视化元素
type Widget struct {
	WidgetID   string     `json:"widget_id"`
	TabID      string     `json:"tab_id"`
	Type       WidgetType `json:"type"`
	Title      string     `json:"title"`
	SensorCode string     `json:"sensor_code"`
	Unit       string     `json:"unit,omitempty"`

	// 网格布局几何
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`

	// 类型相关的开放配置（min/max/阈值等）
	Config map[string]any `json:"config,omitempty"`
}

// BoardUpdate Board 部分更新字段（nil 表示不修改）
type BoardUpdate struct {
	Name        *string
	Description *string
}

// TabUpdate Tab 部分更新字段（nil 表示不修改）
type TabUpdate struct {
	Name        *string
	MachineID   *string
	MachineCode *string
	MachineName *string
	OrderIndex  *int
	IsActive    *bool
}

// WidgetUpdate Widget 部分更新字段（nil 表示不修改）
// WidgetID 仅在批量更新时用于定位目标 Widget
type WidgetUpdate struct {
	WidgetID   string
	Type       *WidgetType
	Title      *string
	SensorCode *string
	Unit       *string
	X          *int
	Y          *int
	Width      *int
	Height     *int
	Config     map[string]any
}

// Settings 表中使用的键
const (
	SettingDefaultBoard    = "default_board_id"
	SettingLegacyMigration = "legacy_migration_done"
)
