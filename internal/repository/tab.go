package repository

import (
	"database/sql"
	"fmt"

	"foundry-dash/internal/models"

	"go.uber.org/zap"
)

// TabRepository 页签仓库
type TabRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTabRepository 创建页签仓库
func NewTabRepository(db *sql.DB, logger *zap.Logger) *TabRepository {
	return &TabRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入页签
func (r *TabRepository) Create(tab *models.Tab) error {
	query := `
		INSERT INTO tabs (tab_id, board_id, name, machine_id, machine_code, machine_name, order_index, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(query,
		tab.TabID,
		tab.BoardID,
		tab.Name,
		tab.MachineID,
		tab.MachineCode,
		tab.MachineName,
		tab.OrderIndex,
		boolToInt(tab.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tab: %w", err)
	}

	return nil
}

// GetByID 根据ID获取页签（不含 Widget）
func (r *TabRepository) GetByID(tabID string) (*models.Tab, error) {
	query := `
		SELECT tab_id, board_id, name, machine_id, machine_code, machine_name, order_index, is_active
		FROM tabs
		WHERE tab_id = $1
	`

	var (
		tab      models.Tab
		isActive int
	)

	err := r.db.QueryRow(query, tabID).Scan(
		&tab.TabID,
		&tab.BoardID,
		&tab.Name,
		&tab.MachineID,
		&tab.MachineCode,
		&tab.MachineName,
		&tab.OrderIndex,
		&isActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query tab: %w", err)
	}

	tab.IsActive = isActive != 0
	return &tab, nil
}

// ListByBoard 获取看板下所有页签，按 order_index 排序
func (r *TabRepository) ListByBoard(boardID string) ([]models.Tab, error) {
	query := `
		SELECT tab_id, board_id, name, machine_id, machine_code, machine_name, order_index, is_active
		FROM tabs
		WHERE board_id = $1
		ORDER BY order_index, tab_id
	`

	rows, err := r.db.Query(query, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tabs: %w", err)
	}
	defer rows.Close()

	var tabs []models.Tab
	for rows.Next() {
		var (
			tab      models.Tab
			isActive int
		)

		err := rows.Scan(
			&tab.TabID,
			&tab.BoardID,
			&tab.Name,
			&tab.MachineID,
			&tab.MachineCode,
			&tab.MachineName,
			&tab.OrderIndex,
			&isActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tab: %w", err)
		}

		tab.IsActive = isActive != 0
		tabs = append(tabs, tab)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tabs: %w", err)
	}

	return tabs, nil
}

// CountByBoard 统计看板下的页签数量
func (r *TabRepository) CountByBoard(boardID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM tabs WHERE board_id = $1`, boardID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tabs: %w", err)
	}
	return count, nil
}

// Update 更新页签整行
func (r *TabRepository) Update(tab *models.Tab) error {
	query := `
		UPDATE tabs
		SET name = $1, machine_id = $2, machine_code = $3, machine_name = $4, order_index = $5, is_active = $6
		WHERE tab_id = $7
	`

	result, err := r.db.Exec(query,
		tab.Name,
		tab.MachineID,
		tab.MachineCode,
		tab.MachineName,
		tab.OrderIndex,
		boolToInt(tab.IsActive),
		tab.TabID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tab: %w", err)
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

// Delete 删除页签行
func (r *TabRepository) Delete(tabID string) error {
	result, err := r.db.Exec(`DELETE FROM tabs WHERE tab_id = $1`, tabID)
	if err != nil {
		return fmt.Errorf("failed to delete tab: %w", err)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
