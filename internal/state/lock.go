package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker сериализует работу с историей одной платформы.
type Locker interface {
	// Lock блокирует ключ до вызова unlock либо возвращает ошибку контекста.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker: блокировки в пределах одного процесса.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker создаёт блокировщик в памяти.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

// Lock реализует Locker.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FileLocker: межпроцессные блокировки через lock-файлы (O_EXCL).
// Файл старше staleAfter считается оставленным упавшим процессом и удаляется.
type FileLocker struct {
	dir          string
	staleAfter   time.Duration
	pollInterval time.Duration
}

// NewFileLocker создаёт блокировщик с lock-файлами в каталоге dir.
func NewFileLocker(dir string, staleAfter time.Duration) *FileLocker {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &FileLocker{dir: dir, staleAfter: staleAfter, pollInterval: 50 * time.Millisecond}
}

// Lock реализует Locker.
func (l *FileLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(l.dir, fileName(key)+".lock")

	for {
		token := fmt.Sprintf("%d %s %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339), uuid.NewString())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", key, werr)
			}
			var once sync.Once
			return func() { once.Do(func() { release(path, token) }) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > l.staleAfter {
			breakStale(path, info)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

// breakStale убирает оставленный lock-файл. Файл сначала переименовывается; если под
// этим именем оказалась уже не та блокировка, что была признана устаревшей,
// она возвращается на место.
func breakStale(path string, stale os.FileInfo) {
	moved := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, moved); err != nil {
		return // файл уже убрал другой процесс
	}
	if info, err := os.Stat(moved); err == nil && !os.SameFile(info, stale) {
		_ = os.Link(moved, path)
	}
	_ = os.Remove(moved)
}

// release удаляет lock-файл, только если он всё ещё наш.
func release(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		return
	}
	_ = os.Remove(path)
}
