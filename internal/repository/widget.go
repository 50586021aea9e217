package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"foundry-dash/internal/models"

	"go.uber.org/zap"
)

// WidgetRepository Widget 仓库
type WidgetRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWidgetRepository 创建 Widget 仓库
func NewWidgetRepository(db *sql.DB, logger *zap.Logger) *WidgetRepository {
	return &WidgetRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入 Widget
func (r *WidgetRepository) Create(widget *models.Widget) error {
	configJSON, err := marshalConfig(widget.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO widgets (widget_id, tab_id, widget_type, title, sensor_code, unit, grid_x, grid_y, grid_w, grid_h, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Exec(query,
		widget.WidgetID,
		widget.TabID,
		string(widget.Type),
		widget.Title,
		widget.SensorCode,
		widget.Unit,
		widget.X,
		widget.Y,
		widget.Width,
		widget.Height,
		configJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert widget: %w", err)
	}

	return nil
}

// GetByID 根据ID获取 Widget
func (r *WidgetRepository) GetByID(widgetID string) (*models.Widget, error) {
	query := `
		SELECT widget_id, tab_id, widget_type, title, sensor_code, unit, grid_x, grid_y, grid_w, grid_h, config
		FROM widgets
		WHERE widget_id = $1
	`

	widget, err := scanWidget(r.db.QueryRow(query, widgetID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query widget: %w", err)
	}

	return widget, nil
}

// ListByTab 获取页签下所有 Widget
func (r *WidgetRepository) ListByTab(tabID string) ([]models.Widget, error) {
	query := `
		SELECT widget_id, tab_id, widget_type, title, sensor_code, unit, grid_x, grid_y, grid_w, grid_h, config
		FROM widgets
		WHERE tab_id = $1
		ORDER BY widget_id
	`

	rows, err := r.db.Query(query, tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to query widgets: %w", err)
	}
	defer rows.Close()

	var widgets []models.Widget
	for rows.Next() {
		widget, err := scanWidget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan widget: %w", err)
		}
		widgets = append(widgets, *widget)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate widgets: %w", err)
	}

	return widgets, nil
}

// Update 更新 Widget 整行
func (r *WidgetRepository) Update(widget *models.Widget) error {
	configJSON, err := marshalConfig(widget.Config)
	if err != nil {
		return err
	}

	query := `
		UPDATE widgets
		SET widget_type = $1, title = $2, sensor_code = $3, unit = $4, grid_x = $5, grid_y = $6, grid_w = $7, grid_h = $8, config = $9
		WHERE widget_id = $10
	`

	result, err := r.db.Exec(query,
		string(widget.Type),
		widget.Title,
		widget.SensorCode,
		widget.Unit,
		widget.X,
		widget.Y,
		widget.Width,
		widget.Height,
		configJSON,
		widget.WidgetID,
	)
	if err != nil {
		return fmt.Errorf("failed to update widget: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete 删除 Widget
func (r *WidgetRepository) Delete(widgetID string) error {
	result, err := r.db.Exec(`DELETE FROM widgets WHERE widget_id = $1`, widgetID)
	if err != nil {
		return fmt.Errorf("failed to delete widget: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteByTab 删除页签下所有 Widget
func (r *WidgetRepository) DeleteByTab(tabID string) error {
	if _, err := r.db.Exec(`DELETE FROM widgets WHERE tab_id = $1`, tabID); err != nil {
		return fmt.Errorf("failed to delete widgets by tab: %w", err)
	}
	return nil
}

// rowScanner 统一 QueryRow / rows.Next 的扫描入口
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWidget(row rowScanner) (*models.Widget, error) {
	var (
		widget     models.Widget
		widgetType string
		configJSON string
	)

	err := row.Scan(
		&widget.WidgetID,
		&widget.TabID,
		&widgetType,
		&widget.Title,
		&widget.SensorCode,
		&widget.Unit,
		&widget.X,
		&widget.Y,
		&widget.Width,
		&widget.Height,
		&configJSON,
	)
	if err != nil {
		return nil, err
	}

	widget.Type = models.WidgetType(widgetType)

	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), &widget.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal widget config: %w", err)
		}
	}

	return &widget, nil
}

func marshalConfig(config map[string]any) (string, error) {
	if len(config) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal widget config: %w", err)
	}
	return string(data), nil
}
