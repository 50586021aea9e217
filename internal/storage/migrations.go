package storage

import (
	"database/sql"
	"fmt"
)

// schema 数据库结构定义
// DDL 保持 postgres / sqlite 双方言兼容：布尔用 INTEGER，时间戳用 RFC3339 TEXT，
// Widget 配置用 JSON TEXT
const schema = `
-- 看板
CREATE TABLE IF NOT EXISTS boards (
    board_id    TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

-- 页签（按所属看板建二级索引）
CREATE TABLE IF NOT EXISTS tabs (
    tab_id       TEXT PRIMARY KEY,
    board_id     TEXT NOT NULL,
    name         TEXT NOT NULL,
    machine_id   TEXT NOT NULL DEFAULT '',
    machine_code TEXT NOT NULL DEFAULT '',
    machine_name TEXT NOT NULL DEFAULT '',
    order_index  INTEGER NOT NULL DEFAULT 0,
    is_active    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tabs_board ON tabs(board_id);

-- Widget（按所属页签建二级索引）
CREATE TABLE IF NOT EXISTS widgets (
    widget_id   TEXT PRIMARY KEY,
    tab_id      TEXT NOT NULL,
    widget_type TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    sensor_code TEXT NOT NULL DEFAULT '',
    unit        TEXT NOT NULL DEFAULT '',
    grid_x      INTEGER NOT NULL DEFAULT 0,
    grid_y      INTEGER NOT NULL DEFAULT 0,
    grid_w      INTEGER NOT NULL DEFAULT 1,
    grid_h      INTEGER NOT NULL DEFAULT 1,
    config      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_widgets_tab ON widgets(tab_id);

-- 进程级键值设置（default_board_id 等）
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migrate 应用数据库结构（幂等）
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
