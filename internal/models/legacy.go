package models

// LegacyLayout 旧版扁平布局文档（层级化改造之前的格式）
// 只有一个隐式看板：所有 Widget 平铺在一个列表里，机器引用挂在 Widget 上
type LegacyLayout struct {
	Name    string         `json:"name,omitempty"`
	Widgets []LegacyWidget `json:"widgets"`
}

// LegacyWidget 旧版 Widget 条目
type LegacyWidget struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	SensorCode string         `json:"sensor_code"`
	Unit       string         `json:"unit,omitempty"`
	X          int            `json:"x"`
	Y          int            `json:"y"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Config     map[string]any `json:"config,omitempty"`

	// 迁移时按 machine_code 分组生成 Tab
	MachineID   string `json:"machine_id,omitempty"`
	MachineCode string `json:"machine_code,omitempty"`
	MachineName string `json:"machine_name,omitempty"`
}
