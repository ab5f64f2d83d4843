package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LocalCounter 最後一層降級：單機計數並寫回 JSON 檔，重啟後從檔案續號。
// 多實例之間不保證唯一，票碼唯一性由資料庫檢查兜底。
type LocalCounter struct {
	mu     sync.Mutex
	path   string
	values map[string]int64
}

// NewLocalCounter path 為空時只保存在記憶體
func NewLocalCounter(path string) (*LocalCounter, error) {
	c := &LocalCounter{path: path, values: make(map[string]int64)}
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local sequence: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.values); err != nil {
			return nil, fmt.Errorf("decode local sequence %s: %w", path, err)
		}
	}
	return c, nil
}

func (c *LocalCounter) Next(key string, step int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.values[key]
	c.values[key] = prev + step
	if err := c.persistLocked(); err != nil {
		c.values[key] = prev
		return 0, err
	}
	return prev + step, nil
}

// Observe 記錄遠端計數器已發出的值並寫回檔案，重啟後降級也從較高的水位繼續。
// 寫檔失敗時記憶體中的水位仍然保留。
func (c *LocalCounter) Observe(key string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value <= c.values[key] {
		return nil
	}
	c.values[key] = value
	return c.persistLocked()
}

// Current 目前值，未使用過為 0
func (c *LocalCounter) Current(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// persistLocked 先寫暫存檔再 rename，避免寫到一半的檔案
func (c *LocalCounter) persistLocked() error {
	if c.path == "" {
		return nil
	}
	raw, err := json.Marshal(c.values)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir local sequence: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write local sequence: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename local sequence: %w", err)
	}
	return nil
}
