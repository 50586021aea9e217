package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"foundry-dash/internal/models"
	"foundry-dash/internal/repository"

	"go.uber.org/zap"
)

// MigrateFromLegacyFormat 一次性迁移旧版扁平布局
// 读取层级化之前的平铺 Widget 列表（如果存在），按 machine_code 分组生成页签，
// 通过常规的 CreateBoard/AddTab/AddWidget 重建，完成后在 settings 记录标记，
// 保证不会重复执行。迁移失败由调用方记录日志，不阻塞启动。
func (s *BoardStore) MigrateFromLegacyFormat(path string) error {
	if path == "" {
		return nil
	}

	// 已迁移过则直接返回（幂等）
	if _, err := s.settings.Get(models.SettingLegacyMigration); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to check migration marker: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 没有旧版布局，无事可做
			return nil
		}
		return fmt.Errorf("failed to read legacy layout: %w", err)
	}

	var layout models.LegacyLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("failed to parse legacy layout: %w", err)
	}

	boardName := layout.Name
	if boardName == "" {
		boardName = "Migrated board"
	}

	board, err := s.CreateBoard(boardName, "Migrated from legacy flat layout")
	if err != nil {
		return fmt.Errorf("failed to create board for legacy layout: %w", err)
	}

	// 按 machine_code 首次出现的顺序分组生成页签
	tabByMachine := make(map[string]*models.Tab)
	orderIndex := 0

	for _, legacy := range layout.Widgets {
		machineCode := legacy.MachineCode

		tab, ok := tabByMachine[machineCode]
		if !ok {
			tabName := legacy.MachineName
			if tabName == "" {
				tabName = machineCode
			}
			if tabName == "" {
				tabName = "General"
			}

			tab, err = s.AddTab(board.BoardID, models.Tab{
				Name:        tabName,
				MachineID:   legacy.MachineID,
				MachineCode: machineCode,
				MachineName: legacy.MachineName,
				OrderIndex:  orderIndex,
			})
			if err != nil {
				return fmt.Errorf("failed to create tab for machine %q: %w", machineCode, err)
			}
			tabByMachine[machineCode] = tab
			orderIndex++
		}

		_, err = s.AddWidget(tab.TabID, models.Widget{
			Type:       models.WidgetType(legacy.Type),
			Title:      legacy.Title,
			SensorCode: legacy.SensorCode,
			Unit:       legacy.Unit,
			X:          legacy.X,
			Y:          legacy.Y,
			Width:      legacy.Width,
			Height:     legacy.Height,
			Config:     legacy.Config,
		})
		if err != nil {
			return fmt.Errorf("failed to migrate widget %q: %w", legacy.Title, err)
		}
	}

	if err := s.settings.Set(models.SettingLegacyMigration, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record migration marker: %w", err)
	}

	s.logger.Info("Legacy layout migrated",
		zap.String("board_id", board.BoardID),
		zap.Int("tabs", orderIndex),
		zap.Int("widgets", len(layout.Widgets)),
	)

	return nil
}
