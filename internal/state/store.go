package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maine/trend_radar/internal/news"
)

// Store хранит снимки запусков. Снимки только добавляются; удаляются лишь
// при обрезке по окну хранения.
type Store interface {
	// Recent возвращает до limit последних снимков платформы, от новых к старым.
	Recent(ctx context.Context, platformID string, limit int) ([]news.Snapshot, error)
	// Append добавляет снимок. Повтор того же (run_timestamp, platform_id) даёт ErrSnapshotExists.
	Append(ctx context.Context, snap news.Snapshot) error
	// Prune оставляет keep последних снимков платформы и возвращает число удалённых.
	Prune(ctx context.Context, platformID string, keep int) (int, error)
	// Platforms перечисляет платформы, для которых есть история.
	Platforms(ctx context.Context) ([]string, error)
}

const snapshotExt = ".jsonl"

// FileStore хранит снимки в JSON Lines, по файлу на платформу.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore создаёт новый файловый стор в каталоге dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(platformID string) string {
	return filepath.Join(s.dir, fileName(platformID)+snapshotExt)
}

// Recent читает историю платформы. Отсутствующий файл означает пустую историю.
// Нераспознанная строка даёт ошибку; исправит файл следующий Append.
func (s *FileStore) Recent(ctx context.Context, platformID string, limit int) ([]news.Snapshot, error) {
	c, err := s.load(platformID)
	if err != nil {
		return nil, err
	}
	if c.badErr != nil {
		return nil, c.badErr
	}
	snaps := c.snaps
	if limit >= 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// Append дописывает строку в конец файла платформы. Если в файле есть нераспознанные
// строки (обычно оборванная при сбое запись), файл сначала переписывается без них.
func (s *FileStore) Append(ctx context.Context, snap news.Snapshot) error {
	c, err := s.load(snap.PlatformID)
	if err != nil {
		return err
	}
	if c.badErr != nil {
		if err := s.rewrite(snap.PlatformID, c.snaps); err != nil {
			return err
		}
		c.data = nil
	}
	for _, prev := range c.snaps {
		if prev.RunTimestamp.Equal(snap.RunTimestamp) {
			return fmt.Errorf("%s at %s: %w", snap.PlatformID, snap.RunTimestamp, ErrSnapshotExists)
		}
	}

	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	line = append(line, '\n')
	// Последняя строка без перевода строки: новая запись не должна к ней прилипнуть.
	if len(c.data) > 0 && c.data[len(c.data)-1] != '\n' {
		line = append([]byte{'\n'}, line...)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	f, err := os.OpenFile(s.path(snap.PlatformID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot file: %w", err)
	}
	return f.Close()
}

// Prune переписывает файл атомарно (через временный файл), оставляя keep последних снимков.
// Нераспознанные строки при этом отбрасываются.
func (s *FileStore) Prune(ctx context.Context, platformID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune: keep must be positive, got %d", keep)
	}
	c, err := s.load(platformID)
	if err != nil {
		return 0, err
	}
	if len(c.snaps) <= keep {
		if c.badErr != nil {
			return 0, s.rewrite(platformID, c.snaps)
		}
		return 0, nil
	}

	if err := s.rewrite(platformID, c.snaps[:keep]); err != nil {
		return 0, err
	}
	return len(c.snaps) - keep, nil
}

// Platforms перечисляет платформы по файлам каталога.
func (s *FileStore) Platforms(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot directory: %w", err)
	}

	var platforms []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		c, err := s.load(strings.TrimSuffix(name, snapshotExt))
		if err != nil || len(c.snaps) == 0 {
			continue
		}
		platforms = append(platforms, c.snaps[0].PlatformID)
	}
	sort.Strings(platforms)
	return platforms, nil
}

// platformFile: содержимое файла платформы.
type platformFile struct {
	data   []byte
	snaps  []news.Snapshot // от новых к старым, только распознанные строки
	badErr error           // первая нераспознанная строка
}

// load читает файл платформы. Если есть нераспознанные строки, копия файла
// сохраняется в .broken для диагностики.
func (s *FileStore) load(platformID string) (platformFile, error) {
	path := s.path(platformID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return platformFile{}, nil
		}
		return platformFile{}, fmt.Errorf("read snapshot file: %w", err)
	}

	c := platformFile{data: data}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var snap news.Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			if c.badErr == nil {
				c.badErr = fmt.Errorf("decode snapshot line %d: %w", lineNo, err)
			}
			continue
		}
		c.snaps = append(c.snaps, snap)
	}
	if err := scanner.Err(); err != nil {
		return platformFile{}, fmt.Errorf("scan snapshot file: %w", err)
	}
	if c.badErr != nil {
		_ = os.WriteFile(path+".broken", data, 0644)
	}

	sort.SliceStable(c.snaps, func(i, j int) bool {
		return c.snaps[i].RunTimestamp.After(c.snaps[j].RunTimestamp)
	})
	return c, nil
}

// rewrite атомарно заменяет файл платформы снимками snaps (от новых к старым).
func (s *FileStore) rewrite(platformID string, snaps []news.Snapshot) error {
	// В файле снимки идут от старых к новым.
	var buf bytes.Buffer
	for i := len(snaps) - 1; i >= 0; i-- {
		line, err := json.Marshal(snaps[i])
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	path := s.path(platformID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot file: %w", err)
	}
	return nil
}

// fileName оставляет в id платформы только безопасные для имени файла символы.
func fileName(platformID string) string {
	var b strings.Builder
	for _, r := range platformID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
