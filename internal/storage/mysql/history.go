package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// ExecutionRecord 表示一次动作执行的落库结构。
type ExecutionRecord struct {
	RequestID    string `json:"request_id"`
	ActionID     int    `json:"action_id"`
	ActionName   string `json:"action_name"`
	Profile      string `json:"profile"`
	State        string `json:"state"`
	TxHash       string `json:"tx_hash"`
	Attempts     int    `json:"attempts"`
	RevertReason string `json:"revert_reason"`
	Error        string `json:"error"`
	CreatedAt    int64  `json:"created_at"`
}

// HistoryRepository 抽象执行历史的持久化接口。
type HistoryRepository interface {
	Save(ctx context.Context, record ExecutionRecord) error
	ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error)
	Close() error
}

// memoryCacheLimit 是内存实现保留的最大记录条数。
const memoryCacheLimit = 512

// MemoryHistoryRepository 使用本地 JSONL 文件模拟 MySQL 的效果，
// 方便迭代开发，重启后从文件恢复最近的记录。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ExecutionRecord
}

// NewMemoryHistoryRepository 创建一个内存执行历史仓库。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "executions.log")
	repo := &MemoryHistoryRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录执行结果。
func (m *MemoryHistoryRepository) Save(_ context.Context, record ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开执行日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化执行记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}

	m.records = append([]ExecutionRecord{record}, m.records...)
	if len(m.records) > memoryCacheLimit {
		m.records = m.records[:memoryCacheLimit]
	}
	return nil
}

// ListLatest 返回最近的执行记录，按时间倒序排列。
func (m *MemoryHistoryRepository) ListLatest(_ context.Context, limit int) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ExecutionRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 满足接口，无资源需要释放。
func (m *MemoryHistoryRepository) Close() error {
	return nil
}

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取执行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []ExecutionRecord
	for scanner.Scan() {
		var record ExecutionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ExecutionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析执行日志失败: %w", err)
	}

	if len(restored) > memoryCacheLimit {
		restored = restored[:memoryCacheLimit]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLHistoryRepository 使用真实的 MySQL 数据库存储执行记录。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并执行数据库迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLHistoryRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将执行记录写入 MySQL。
func (s *SQLHistoryRepository) Save(ctx context.Context, record ExecutionRecord) error {
	const stmt = `INSERT INTO executions
        (request_id, action_id, action_name, profile, state, tx_hash, attempts, revert_reason, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.RequestID,
		record.ActionID,
		record.ActionName,
		record.Profile,
		record.State,
		record.TxHash,
		record.Attempts,
		record.RevertReason,
		record.Error,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条执行记录。
func (s *SQLHistoryRepository) ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT request_id, action_id, action_name, profile, state, tx_hash, attempts, revert_reason, error, created_at
        FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var record ExecutionRecord
		if err := rows.Scan(&record.RequestID, &record.ActionID, &record.ActionName, &record.Profile, &record.State, &record.TxHash, &record.Attempts, &record.RevertReason, &record.Error, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析执行记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ HistoryRepository = (*MemoryHistoryRepository)(nil)
	_ HistoryRepository = (*SQLHistoryRepository)(nil)
)
