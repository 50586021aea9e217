package service

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"foundry-dash/internal/models"
	"foundry-dash/internal/repository"
	"foundry-dash/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// setupTestStore 基于内存 sqlite 的完整存储栈（级联/导入导出等行为需要真实事务型存储）
func setupTestStore(t *testing.T) (*BoardStore, *repository.TabRepository, *repository.WidgetRepository, *repository.SettingsRepository) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(db))

	logger := zap.NewNop()
	boards := repository.NewBoardRepository(db, logger)
	tabs := repository.NewTabRepository(db, logger)
	widgets := repository.NewWidgetRepository(db, logger)
	settings := repository.NewSettingsRepository(db, logger)

	store := NewBoardStore(boards, tabs, widgets, settings, logger)
	return store, tabs, widgets, settings
}

func TestBoardStore_CreateAndGetBoard(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	// 场景：创建看板 "Line 1"，为机器 SEC21 加页签，加一个 gauge Widget
	board, err := store.CreateBoard("Line 1", "Casting line")
	require.NoError(t, err)
	assert.NotEmpty(t, board.BoardID)
	assert.False(t, board.CreatedAt.IsZero())

	tab, err := store.AddTab(board.BoardID, models.Tab{
		Name:        "SEC21",
		MachineID:   "m-1",
		MachineCode: "SEC21",
		MachineName: "Sector 21",
		OrderIndex:  0,
	})
	require.NoError(t, err)

	_, err = store.AddWidget(tab.TabID, models.Widget{
		Type:       models.WidgetGauge,
		Title:      "Temperature",
		SensorCode: "temp_sec21",
		Unit:       "°C",
		X:          0, Y: 0, Width: 2, Height: 2,
		Config: map[string]any{"min": 0.0, "max": 100.0},
	})
	require.NoError(t, err)

	full, err := store.GetBoard(board.BoardID)
	require.NoError(t, err)
	require.Len(t, full.Tabs, 1)
	require.Len(t, full.Tabs[0].Widgets, 1)
	assert.Equal(t, "temp_sec21", full.Tabs[0].Widgets[0].SensorCode)
	assert.Equal(t, models.WidgetGauge, full.Tabs[0].Widgets[0].Type)
	assert.Equal(t, 100.0, full.Tabs[0].Widgets[0].Config["max"])
}

func TestBoardStore_GetBoard_NotFound(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	_, err := store.GetBoard("board-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_GetBoards_SummariesWithoutTabs(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)
	_, err = store.AddTab(board.BoardID, models.Tab{Name: "SEC21"})
	require.NoError(t, err)
	_, err = store.CreateBoard("Line 2", "")
	require.NoError(t, err)

	boards, err := store.GetBoards()
	require.NoError(t, err)
	require.Len(t, boards, 2)
	for _, b := range boards {
		assert.Nil(t, b.Tabs)
	}
}

func TestBoardStore_UpdateBoard_RefreshesUpdatedAt(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "old description")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	newName := "Line 1 (rev)"
	updated, err := store.UpdateBoard(board.BoardID, models.BoardUpdate{Name: &newName})
	require.NoError(t, err)

	assert.Equal(t, "Line 1 (rev)", updated.Name)
	// 未指定的字段保持不变
	assert.Equal(t, "old description", updated.Description)
	assert.True(t, updated.UpdatedAt.After(board.UpdatedAt))

	_, err = store.UpdateBoard("board-missing", models.BoardUpdate{Name: &newName})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_DeleteBoard_CascadesTabsAndWidgets(t *testing.T) {
	store, tabs, widgets, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)

	var tabIDs []string
	for _, machine := range []string{"SEC21", "SEC22"} {
		tab, err := store.AddTab(board.BoardID, models.Tab{Name: machine, MachineCode: machine})
		require.NoError(t, err)
		tabIDs = append(tabIDs, tab.TabID)

		for _, code := range []string{"temp_" + machine, "pressure_" + machine} {
			_, err = store.AddWidget(tab.TabID, models.Widget{
				Type:       models.WidgetGauge,
				SensorCode: code,
			})
			require.NoError(t, err)
		}
	}

	deleted, err := store.DeleteBoard(board.BoardID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// 删除后不应残留任何引用该看板的页签或 Widget
	remaining, err := tabs.ListByBoard(board.BoardID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	for _, tabID := range tabIDs {
		ws, err := widgets.ListByTab(tabID)
		require.NoError(t, err)
		assert.Empty(t, ws)
	}

	deleted, err = store.DeleteBoard(board.BoardID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBoardStore_DeleteBoard_ClearsDefaultPointer(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)

	require.NoError(t, store.SetDefaultBoard(board.BoardID))

	def, err := store.GetDefaultBoard()
	require.NoError(t, err)
	assert.Equal(t, board.BoardID, def.BoardID)

	deleted, err := store.DeleteBoard(board.BoardID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetDefaultBoard()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_GetDefaultBoard_Dangling(t *testing.T) {
	store, _, _, settings := setupTestStore(t)

	// 指针指向不存在的看板
	require.NoError(t, settings.Set(models.SettingDefaultBoard, "board-gone"))

	_, err := store.GetDefaultBoard()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_SetDefaultBoard_UnknownBoard(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	err := store.SetDefaultBoard("board-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_FirstTabDefaultsActive(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)

	first, err := store.AddTab(board.BoardID, models.Tab{Name: "SEC21"})
	require.NoError(t, err)
	assert.True(t, first.IsActive)

	second, err := store.AddTab(board.BoardID, models.Tab{Name: "SEC22"})
	require.NoError(t, err)
	assert.False(t, second.IsActive)
}

func TestBoardStore_DeleteTab_CascadesWidgets(t *testing.T) {
	store, _, widgets, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)
	tab, err := store.AddTab(board.BoardID, models.Tab{Name: "SEC21"})
	require.NoError(t, err)
	_, err = store.AddWidget(tab.TabID, models.Widget{Type: models.WidgetKPI, SensorCode: "oee_sec21"})
	require.NoError(t, err)

	deleted, err := store.DeleteTab(tab.TabID)
	require.NoError(t, err)
	assert.True(t, deleted)

	ws, err := widgets.ListByTab(tab.TabID)
	require.NoError(t, err)
	assert.Empty(t, ws)

	_, err = store.GetTab(tab.TabID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardStore_UpdateWidgets_ContinuesPastFailures(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "")
	require.NoError(t, err)
	tab, err := store.AddTab(board.BoardID, models.Tab{Name: "SEC21"})
	require.NoError(t, err)

	w1, err := store.AddWidget(tab.TabID, models.Widget{Type: models.WidgetGauge, Title: "a"})
	require.NoError(t, err)
	w2, err := store.AddWidget(tab.TabID, models.Widget{Type: models.WidgetGauge, Title: "b"})
	require.NoError(t, err)

	newTitle1 := "a (moved)"
	newTitle2 := "b (moved)"
	updated, err := store.UpdateWidgets([]models.WidgetUpdate{
		{WidgetID: w1.WidgetID, Title: &newTitle1},
		{WidgetID: "widget-missing", Title: &newTitle1},
		{WidgetID: w2.WidgetID, Title: &newTitle2},
	})

	// 中间的失败不应中断整批
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.Equal(t, "a (moved)", updated[0].Title)
	assert.Equal(t, "b (moved)", updated[1].Title)
}

func TestBoardStore_ExportImport_RegeneratesAllIDs(t *testing.T) {
	store, _, _, _ := setupTestStore(t)

	board, err := store.CreateBoard("Line 1", "Casting line")
	require.NoError(t, err)
	tab, err := store.AddTab(board.BoardID, models.Tab{
		Name:        "SEC21",
		MachineCode: "SEC21",
		OrderIndex:  3,
	})
	require.NoError(t, err)
	widget, err := store.AddWidget(tab.TabID, models.Widget{
		Type:       models.WidgetLineChart,
		Title:      "Temp trend",
		SensorCode: "temp_sec21",
		Unit:       "°C",
		X:          1, Y: 2, Width: 4, Height: 3,
		Config: map[string]any{"window": "1h"},
	})
	require.NoError(t, err)

	snapshot, err := store.ExportBoard(board.BoardID)
	require.NoError(t, err)

	// 快照是自包含的 JSON，字段名与内存结构一致
	var raw map[string]any
	require.NoError(t, json.Unmarshal(snapshot, &raw))
	assert.Contains(t, raw, "board_id")
	assert.Contains(t, raw, "tabs")

	imported, err := store.ImportBoard(snapshot)
	require.NoError(t, err)

	// 除所有ID外结构逐字段相等
	assert.NotEqual(t, board.BoardID, imported.BoardID)
	assert.Equal(t, board.Name, imported.Name)
	assert.Equal(t, board.Description, imported.Description)

	require.Len(t, imported.Tabs, 1)
	importedTab := imported.Tabs[0]
	assert.NotEqual(t, tab.TabID, importedTab.TabID)
	assert.Equal(t, imported.BoardID, importedTab.BoardID)
	assert.Equal(t, tab.Name, importedTab.Name)
	assert.Equal(t, tab.MachineCode, importedTab.MachineCode)
	assert.Equal(t, tab.OrderIndex, importedTab.OrderIndex)
	assert.Equal(t, tab.IsActive, importedTab.IsActive)

	require.Len(t, importedTab.Widgets, 1)
	importedWidget := importedTab.Widgets[0]
	assert.NotEqual(t, widget.WidgetID, importedWidget.WidgetID)
	assert.Equal(t, importedTab.TabID, importedWidget.TabID)
	assert.Equal(t, widget.Title, importedWidget.Title)
	assert.Equal(t, widget.SensorCode, importedWidget.SensorCode)
	assert.Equal(t, widget.X, importedWidget.X)
	assert.Equal(t, widget.Width, importedWidget.Width)
	assert.Equal(t, widget.Config["window"], importedWidget.Config["window"])

	// 原看板不受影响
	original, err := store.GetBoard(board.BoardID)
	require.NoError(t, err)
	require.Len(t, original.Tabs, 1)
}
