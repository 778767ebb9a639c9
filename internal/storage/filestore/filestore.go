// Package filestore 以 JSON Lines 文件保存评测结果，适合单机调试。
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"LedgerFlow/internal/flow"
)

const maxCached = 512

// Repository 以追加写的方式记录评测结果，并在内存中保留最近的记录。
type Repository struct {
	mu       sync.RWMutex
	dataFile string
	records  []*flow.TestResult
}

// New 在 dataDir 下创建或打开 results.jsonl。
func New(dataDir string) (*Repository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &Repository{dataFile: filepath.Join(dataDir, "results.jsonl")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加一条结果。
func (r *Repository) Save(_ context.Context, result *flow.TestResult) error {
	if result == nil {
		return fmt.Errorf("评测结果不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开结果文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化评测结果失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}

	r.records = append([]*flow.TestResult{result}, r.records...)
	if len(r.records) > maxCached {
		r.records = r.records[:maxCached]
	}
	return nil
}

// ListLatest 返回最近写入的结果，最新的在前。
func (r *Repository) ListLatest(_ context.Context, limit int) ([]*flow.TestResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]*flow.TestResult, limit)
	copy(out, r.records[:limit])
	return out, nil
}

// Close 对文件仓库无需操作。
func (r *Repository) Close() error { return nil }

func (r *Repository) loadFromDisk() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取结果文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var restored []*flow.TestResult
	for scanner.Scan() {
		var result flow.TestResult
		if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
			continue
		}
		restored = append([]*flow.TestResult{&result}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析结果文件失败: %w", err)
	}
	if len(restored) > maxCached {
		restored = restored[:maxCached]
	}
	r.records = restored
	return nil
}
