package state

import (
	"errors"
	"fmt"
)

// ErrSnapshotExists возвращается при попытке повторно записать снимок того же запуска.
var ErrSnapshotExists = errors.New("snapshot already exists")

// SnapshotReadError: история платформы недоступна или повреждена.
// Не фатальна: инкрементальный режим для платформы деградирует до daily.
type SnapshotReadError struct {
	Platform string
	Err      error
}

func (e *SnapshotReadError) Error() string {
	return fmt.Sprintf("read snapshots for %s: %v", e.Platform, e.Err)
}

func (e *SnapshotReadError) Unwrap() error { return e.Err }

// SnapshotWriteError: снимок запуска не удалось сохранить. Вызывающий может повторить запись.
type SnapshotWriteError struct {
	Platform string
	Err      error
}

func (e *SnapshotWriteError) Error() string {
	return fmt.Sprintf("write snapshot for %s: %v", e.Platform, e.Err)
}

func (e *SnapshotWriteError) Unwrap() error { return e.Err }
