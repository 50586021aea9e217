package repository

import (
	"database/sql"
	"fmt"
	"time"

	"foundry-dash/internal/models"

	"go.uber.org/zap"
)

// 时间戳统一以 RFC3339Nano TEXT 存储（postgres / sqlite 双方言兼容）
const timeLayout = time.RFC3339Nano

// BoardRepository 看板仓库
type BoardRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBoardRepository 创建看板仓库
func NewBoardRepository(db *sql.DB, logger *zap.Logger) *BoardRepository {
	return &BoardRepository{
		db:     db,
		logger: logger,
	}
}

// Create 插入看板
func (r *BoardRepository) Create(board *models.Board) error {
	query := `
		INSERT INTO boards (board_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Exec(query,
		board.BoardID,
		board.Name,
		board.Description,
		board.CreatedAt.UTC().Format(timeLayout),
		board.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert board: %w", err)
	}

	return nil
}

// GetByID 根据ID获取看板（不含页签）
func (r *BoardRepository) GetByID(boardID string) (*models.Board, error) {
	query := `
		SELECT board_id, name, description, created_at, updated_at
		FROM boards
		WHERE board_id = $1
	`

	var (
		board     models.Board
		createdAt string
		updatedAt string
	)

	err := r.db.QueryRow(query, boardID).Scan(
		&board.BoardID,
		&board.Name,
		&board.Description,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query board: %w", err)
	}

	if err := parseTimestamps(&board, createdAt, updatedAt); err != nil {
		return nil, err
	}

	return &board, nil
}

// List 获取所有看板摘要（不含页签），按创建时间排序
func (r *BoardRepository) List() ([]models.Board, error) {
	query := `
		SELECT board_id, name, description, created_at, updated_at
		FROM boards
		ORDER BY created_at, board_id
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	var boards []models.Board
	for rows.Next() {
		var (
			board     models.Board
			createdAt string
			updatedAt string
		)

		err := rows.Scan(
			&board.BoardID,
			&board.Name,
			&board.Description,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}

		if err := parseTimestamps(&board, createdAt, updatedAt); err != nil {
			return nil, err
		}

		boards = append(boards, board)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate boards: %w", err)
	}

	return boards, nil
}

// Update 更新看板整行
func (r *BoardRepository) Update(board *models.Board) error {
	query := `
		UPDATE boards
		SET name = $1, description = $2, updated_at = $3
		WHERE board_id = $4
	`

	result, err := r.db.Exec(query,
		board.Name,
		board.Description,
		board.UpdatedAt.UTC().Format(timeLayout),
		board.BoardID,
	)
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
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

// Delete 删除看板行（不含级联，级联由 service 层负责）
func (r *BoardRepository) Delete(boardID string) error {
	result, err := r.db.Exec(`DELETE FROM boards WHERE board_id = $1`, boardID)
	if err != nil {
		return fmt.Errorf("failed to delete board: %w", err)
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

func parseTimestamps(board *models.Board, createdAt, updatedAt string) error {
	var err error
	if board.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return fmt.Errorf("failed to parse created_at: %w", err)
	}
	if board.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return nil
}
