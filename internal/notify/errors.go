package notify

import (
	"errors"
	"fmt"
)

// ErrNoSender: для типа канала не зарегистрирован транспорт.
var ErrNoSender = errors.New("no sender for channel type")

// PermanentError помечает ошибку, повтор которой не поможет (неверный адрес, 4xx и т.п.).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent оборачивает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent сообщает, что ошибку не нужно повторять.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ChannelDeliveryError: часть не доставлена после всех попыток.
type ChannelDeliveryError struct {
	Channel  string
	Chunk    int
	Attempts int
	Err      error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("channel %s chunk %d failed after %d attempt(s): %v", e.Channel, e.Chunk+1, e.Attempts, e.Err)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }
