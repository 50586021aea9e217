package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"foundry-dash/internal/models"
	"foundry-dash/internal/repository"

	"go.uber.org/zap"
)

// ErrNotFound 实体不存在（转发仓库层哨兵，调用方不必依赖 repository 包）
var ErrNotFound = repository.ErrNotFound

// CascadeWarning 级联删除部分失败：父实体已删除，子实体可能残留为孤儿
// 调用方应视为警告而非致命错误
type CascadeWarning struct {
	Errs []error
}

func (w *CascadeWarning) Error() string {
	msgs := make([]string, 0, len(w.Errs))
	for _, err := range w.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("cascade delete incomplete: %s", strings.Join(msgs, "; "))
}

// BoardStore 看板层级存储：Board → Tab → Widget 及 default_board 指针
// 不做跨操作加锁，并发编辑同一实体为 last-write-wins（单操作员编辑假设）
type BoardStore struct {
	boards   *repository.BoardRepository
	tabs     *repository.TabRepository
	widgets  *repository.WidgetRepository
	settings *repository.SettingsRepository
	logger   *zap.Logger
}

// NewBoardStore 创建看板存储
func NewBoardStore(
	boards *repository.BoardRepository,
	tabs *repository.TabRepository,
	widgets *repository.WidgetRepository,
	settings *repository.SettingsRepository,
	logger *zap.Logger,
) *BoardStore {
	return &BoardStore{
		boards:   boards,
		tabs:     tabs,
		widgets:  widgets,
		settings: settings,
		logger:   logger,
	}
}

// CreateBoard 创建看板
func (s *BoardStore) CreateBoard(name, description string) (*models.Board, error) {
	now := time.Now().UTC()
	board := &models.Board{
		BoardID:     models.NewID(models.IDPrefixBoard),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.boards.Create(board); err != nil {
		return nil, fmt.Errorf("failed to create board: %w", err)
	}

	s.logger.Info("Board created",
		zap.String("board_id", board.BoardID),
		zap.String("name", board.Name),
	)

	return board, nil
}

// GetBoards 获取所有看板摘要（不含页签，用于列表视图）
func (s *BoardStore) GetBoards() ([]models.Board, error) {
	return s.boards.List()
}

// GetBoard 获取完整看板（含页签和嵌套 Widget）
func (s *BoardStore) GetBoard(boardID string) (*models.Board, error) {
	board, err := s.boards.GetByID(boardID)
	if err != nil {
		return nil, err
	}

	tabs, err := s.tabs.ListByBoard(boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tabs: %w", err)
	}

	for i := range tabs {
		widgets, err := s.widgets.ListByTab(tabs[i].TabID)
		if err != nil {
			return nil, fmt.Errorf("failed to load widgets for tab %s: %w", tabs[i].TabID, err)
		}
		tabs[i].Widgets = widgets
	}

	board.Tabs = tabs
	return board, nil
}

// UpdateBoard 部分更新看板，总是刷新 updated_at
func (s *BoardStore) UpdateBoard(boardID string, update models.BoardUpdate) (*models.Board, error) {
	board, err := s.boards.GetByID(boardID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		board.Name = *update.Name
	}
	if update.Description != nil {
		board.Description = *update.Description
	}
	board.UpdatedAt = time.Now().UTC()

	if err := s.boards.Update(board); err != nil {
		return nil, err
	}

	return board, nil
}

// DeleteBoard 删除看板，级联删除其下所有页签和 Widget
// 级联为 best-effort：子实体删除失败不回滚已完成的删除，
// 以 CascadeWarning 返回给调用方（deleted 仍为 true）
func (s *BoardStore) DeleteBoard(boardID string) (bool, error) {
	if _, err := s.boards.GetByID(boardID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var warnings []error

	tabs, err := s.tabs.ListByBoard(boardID)
	if err != nil {
		warnings = append(warnings, fmt.Errorf("failed to list tabs: %w", err))
	}

	for _, tab := range tabs {
		if err := s.widgets.DeleteByTab(tab.TabID); err != nil {
			warnings = append(warnings, err)
			s.logger.Warn("Failed to delete widgets during board cascade",
				zap.String("board_id", boardID),
				zap.String("tab_id", tab.TabID),
				zap.Error(err),
			)
		}
		if err := s.tabs.Delete(tab.TabID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			warnings = append(warnings, err)
			s.logger.Warn("Failed to delete tab during board cascade",
				zap.String("board_id", boardID),
				zap.String("tab_id", tab.TabID),
				zap.Error(err),
			)
		}
	}

	if err := s.boards.Delete(boardID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("failed to delete board: %w", err)
	}

	// 清除悬空的默认看板指针
	if defaultID, err := s.settings.Get(models.SettingDefaultBoard); err == nil && defaultID == boardID {
		if err := s.settings.Delete(models.SettingDefaultBoard); err != nil {
			warnings = append(warnings, err)
			s.logger.Warn("Failed to clear default board pointer",
				zap.String("board_id", boardID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("Board deleted", zap.String("board_id", boardID))

	if len(warnings) > 0 {
		return true, &CascadeWarning{Errs: warnings}
	}
	return true, nil
}

// AddTab 在看板下新建页签；看板的第一个页签默认激活
func (s *BoardStore) AddTab(boardID string, tab models.Tab) (*models.Tab, error) {
	if _, err := s.boards.GetByID(boardID); err != nil {
		return nil, err
	}

	count, err := s.tabs.CountByBoard(boardID)
	if err != nil {
		return nil, err
	}

	tab.TabID = models.NewID(models.IDPrefixTab)
	tab.BoardID = boardID
	tab.Widgets = nil
	if count == 0 {
		tab.IsActive = true
	}

	if err := s.tabs.Create(&tab); err != nil {
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}

	s.logger.Info("Tab added",
		zap.String("board_id", boardID),
		zap.String("tab_id", tab.TabID),
		zap.String("machine_code", tab.MachineCode),
	)

	return &tab, nil
}

// GetTab 获取页签（含 Widget）
func (s *BoardStore) GetTab(tabID string) (*models.Tab, error) {
	tab, err := s.tabs.GetByID(tabID)
	if err != nil {
		return nil, err
	}

	widgets, err := s.widgets.ListByTab(tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to load widgets: %w", err)
	}
	tab.Widgets = widgets

	return tab, nil
}

// UpdateTab 部分更新页签
func (s *BoardStore) UpdateTab(tabID string, update models.TabUpdate) (*models.Tab, error) {
	tab, err := s.tabs.GetByID(tabID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		tab.Name = *update.Name
	}
	if update.MachineID != nil {
		tab.MachineID = *update.MachineID
	}
	if update.MachineCode != nil {
		tab.MachineCode = *update.MachineCode
	}
	if update.MachineName != nil {
		tab.MachineName = *update.MachineName
	}
	if update.OrderIndex != nil {
		tab.OrderIndex = *update.OrderIndex
	}
	if update.IsActive != nil {
		tab.IsActive = *update.IsActive
	}

	if err := s.tabs.Update(tab); err != nil {
		return nil, err
	}

	return tab, nil
}

// DeleteTab 删除页签，级联删除其下所有 Widget
func (s *BoardStore) DeleteTab(tabID string) (bool, error) {
	if _, err := s.tabs.GetByID(tabID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var warnings []error
	if err := s.widgets.DeleteByTab(tabID); err != nil {
		warnings = append(warnings, err)
		s.logger.Warn("Failed to delete widgets during tab cascade",
			zap.String("tab_id", tabID),
			zap.Error(err),
		)
	}

	if err := s.tabs.Delete(tabID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("failed to delete tab: %w", err)
	}

	if len(warnings) > 0 {
		return true, &CascadeWarning{Errs: warnings}
	}
	return true, nil
}

// AddWidget 在页签下新建 Widget
func (s *BoardStore) AddWidget(tabID string, widget models.Widget) (*models.Widget, error) {
	if _, err := s.tabs.GetByID(tabID); err != nil {
		return nil, err
	}

	widget.WidgetID = models.NewID(models.IDPrefixWidget)
	widget.TabID = tabID
	if widget.Width <= 0 {
		widget.Width = 1
	}
	if widget.Height <= 0 {
		widget.Height = 1
	}

	if err := s.widgets.Create(&widget); err != nil {
		return nil, fmt.Errorf("failed to create widget: %w", err)
	}

	s.logger.Info("Widget added",
		zap.String("tab_id", tabID),
		zap.String("widget_id", widget.WidgetID),
		zap.String("type", string(widget.Type)),
		zap.String("sensor_code", widget.SensorCode),
	)

	return &widget, nil
}

// GetWidget 获取 Widget
func (s *BoardStore) GetWidget(widgetID string) (*models.Widget, error) {
	return s.widgets.GetByID(widgetID)
}

// UpdateWidget 部分更新 Widget
func (s *BoardStore) UpdateWidget(widgetID string, update models.WidgetUpdate) (*models.Widget, error) {
	widget, err := s.widgets.GetByID(widgetID)
	if err != nil {
		return nil, err
	}

	applyWidgetUpdate(widget, update)

	if err := s.widgets.Update(widget); err != nil {
		return nil, err
	}

	return widget, nil
}

// UpdateWidgets 批量部分更新：单个失败不终止整批，返回成功更新的 Widget
func (s *BoardStore) UpdateWidgets(updates []models.WidgetUpdate) ([]models.Widget, error) {
	var updated []models.Widget
	for _, update := range updates {
		widget, err := s.UpdateWidget(update.WidgetID, update)
		if err != nil {
			s.logger.Warn("Failed to update widget in batch",
				zap.String("widget_id", update.WidgetID),
				zap.Error(err),
			)
			continue
		}
		updated = append(updated, *widget)
	}
	return updated, nil
}

// DeleteWidget 删除 Widget
func (s *BoardStore) DeleteWidget(widgetID string) (bool, error) {
	err := s.widgets.Delete(widgetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteAllWidgets 删除页签下所有 Widget
func (s *BoardStore) DeleteAllWidgets(tabID string) error {
	return s.widgets.DeleteByTab(tabID)
}

// SetDefaultBoard 设置默认看板指针
func (s *BoardStore) SetDefaultBoard(boardID string) error {
	if _, err := s.boards.GetByID(boardID); err != nil {
		return err
	}
	return s.settings.Set(models.SettingDefaultBoard, boardID)
}

// GetDefaultBoard 获取默认看板；指针未设置或悬空返回 ErrNotFound
func (s *BoardStore) GetDefaultBoard() (*models.Board, error) {
	boardID, err := s.settings.Get(models.SettingDefaultBoard)
	if err != nil {
		return nil, err
	}
	return s.GetBoard(boardID)
}

// ExportBoard 导出看板快照：包含全部页签和 Widget 的自包含 JSON
func (s *BoardStore) ExportBoard(boardID string) ([]byte, error) {
	board, err := s.GetBoard(boardID)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal board snapshot: %w", err)
	}

	return data, nil
}

// ImportBoard 导入看板快照：重新生成所有实体ID（看板、每个页签、每个 Widget），
// 其余字段和嵌套结构保持不变，结果等价于换了身份的深拷贝
func (s *BoardStore) ImportBoard(snapshot []byte) (*models.Board, error) {
	var imported models.Board
	if err := json.Unmarshal(snapshot, &imported); err != nil {
		return nil, fmt.Errorf("failed to unmarshal board snapshot: %w", err)
	}

	now := time.Now().UTC()
	board := &models.Board{
		BoardID:     models.NewID(models.IDPrefixBoard),
		Name:        imported.Name,
		Description: imported.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.boards.Create(board); err != nil {
		return nil, fmt.Errorf("failed to import board: %w", err)
	}

	for _, tab := range imported.Tabs {
		newTab := tab
		newTab.TabID = models.NewID(models.IDPrefixTab)
		newTab.BoardID = board.BoardID
		newTab.Widgets = nil

		if err := s.tabs.Create(&newTab); err != nil {
			return nil, fmt.Errorf("failed to import tab %q: %w", tab.Name, err)
		}

		for _, widget := range tab.Widgets {
			newWidget := widget
			newWidget.WidgetID = models.NewID(models.IDPrefixWidget)
			newWidget.TabID = newTab.TabID

			if err := s.widgets.Create(&newWidget); err != nil {
				return nil, fmt.Errorf("failed to import widget %q: %w", widget.Title, err)
			}
		}
	}

	s.logger.Info("Board imported",
		zap.String("board_id", board.BoardID),
		zap.String("name", board.Name),
		zap.Int("tabs", len(imported.Tabs)),
	)

	return s.GetBoard(board.BoardID)
}

func applyWidgetUpdate(widget *models.Widget, update models.WidgetUpdate) {
	if update.Type != nil {
		widget.Type = *update.Type
	}
	if update.Title != nil {
		widget.Title = *update.Title
	}
	if update.SensorCode != nil {
		widget.SensorCode = *update.SensorCode
	}
	if update.Unit != nil {
		widget.Unit = *update.Unit
	}
	if update.X != nil {
		widget.X = *update.X
	}
	if update.Y != nil {
		widget.Y = *update.Y
	}
	if update.Width != nil {
		widget.Width = *update.Width
	}
	if update.Height != nil {
		widget.Height = *update.Height
	}
	if update.Config != nil {
		widget.Config = update.Config
	}
}
