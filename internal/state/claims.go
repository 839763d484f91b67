package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileClaims хранит заявки запусков на новые id в файлах, чтобы их видели
// запуски в других процессах. Файл заявки: claims/<платформа>/<run id>.json.
// Вызывающий держит блокировку платформы на время Claimed и Put.
type FileClaims struct {
	dir        string
	staleAfter time.Duration
}

type claimFile struct {
	RunID     string    `json:"run_id"`
	Platform  string    `json:"platform"`
	ItemIDs   []string  `json:"item_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileClaims создаёт хранилище заявок в dir/claims. Заявка старше staleAfter
// считается оставленной упавшим процессом.
func NewFileClaims(dir string, staleAfter time.Duration) *FileClaims {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &FileClaims{dir: filepath.Join(dir, "claims"), staleAfter: staleAfter}
}

func (c *FileClaims) platformDir(platformID string) string {
	return filepath.Join(c.dir, fileName(platformID))
}

// Claimed возвращает id платформы, закреплённые за другими запусками.
// Устаревшие и нечитаемые файлы удаляются.
func (c *FileClaims) Claimed(platformID, runID string) (map[string]bool, error) {
	dir := c.platformDir(platformID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list claims: %w", err)
	}

	own := fileName(runID) + ".json"
	out := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || name == own {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > c.staleAfter {
			_ = os.Remove(path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var claim claimFile
		if err := json.Unmarshal(data, &claim); err != nil {
			_ = os.Remove(path)
			continue
		}
		for _, id := range claim.ItemIDs {
			out[id] = true
		}
	}
	return out, nil
}

// Put записывает заявку запуска на платформе, заменяя прежнюю.
func (c *FileClaims) Put(platformID, runID string, ids []string) error {
	dir := c.platformDir(platformID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create claims directory: %w", err)
	}
	data, err := json.Marshal(claimFile{
		RunID:     runID,
		Platform:  platformID,
		ItemIDs:   ids,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}

	path := filepath.Join(dir, fileName(runID)+".json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write claim: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename claim: %w", err)
	}
	return nil
}

// Drop удаляет заявки запуска на всех платформах.
func (c *FileClaims) Drop(runID string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list claims: %w", err)
	}
	name := fileName(runID) + ".json"
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name(), name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
