package models

import (
	"errors"
	"fmt"
)

// Ошибки конфигурации и согласованности. Возвращаются синхронно и не повторяются.
var (
	ErrInvalidIdentifier   = errors.New("invalid identifier: only [A-Za-z0-9_-] allowed")
	ErrDuplicateServer     = errors.New("server already exists")
	ErrUnknownServer       = errors.New("unknown server")
	ErrNoActiveServer      = errors.New("no active server selected")
	ErrNoServerConfigured  = errors.New("no server configured")
	ErrServerNotReady      = errors.New("server environment is not ready")
	ErrDuplicateCredential = errors.New("credential already exists on server")
	ErrUnknownCredential   = errors.New("unknown credential")
	ErrForbidden           = errors.New("forbidden: credential belongs to another owner")
	ErrInvalidTransition   = errors.New("invalid credential state transition")
)

// TransportError - сбой доставки команды до бэкенда (SSH, таймаут, запуск процесса)
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on server %s: %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport сообщает, является ли ошибка сбоем транспорта
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
