// Package storage определяет контракты локального хранилища агента.
package storage

import (
	"context"
	"errors"
)

// Common agent storage errors
var (
	// ErrCredentialsNotFound indicates that agent was not configured via login
	ErrCredentialsNotFound = errors.New("credentials not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)

// Credentials данные подключения агента к облаку.
// Секрет хранится как есть: из него на каждый запрос выводится
// короткоживущий sync token, сам секрет по сети не передается.
type Credentials struct {
	ServerURL string `json:"server_url"`
	Secret    string `json:"secret"`
	ClientID  string `json:"client_id"`
}

// AuthStorage defines interface for storing agent credentials
type AuthStorage interface {
	// SaveCredentials stores agent connection credentials
	SaveCredentials(ctx context.Context, creds *Credentials) error

	// GetCredentials retrieves stored credentials
	// Returns ErrCredentialsNotFound if agent was never logged in
	GetCredentials(ctx context.Context) (*Credentials, error)

	// DeleteCredentials removes stored credentials (logout)
	DeleteCredentials(ctx context.Context) error
}

// MetaStorage defines interface for sync bookkeeping state
type MetaStorage interface {
	// GetLastSyncRev возвращает курсор pull: максимальную облачную
	// ревизию, до которой агент уже догнал сервер. 0 если синхронизации
	// еще не было.
	GetLastSyncRev(ctx context.Context) (int64, error)

	// SetLastSyncRev продвигает курсор pull
	SetLastSyncRev(ctx context.Context, rev int64) error

	// GetLastPushRev возвращает максимальную локальную ревизию,
	// подтвержденную сервером
	GetLastPushRev(ctx context.Context) (int64, error)

	// SetLastPushRev продвигает курсор push
	SetLastPushRev(ctx context.Context, rev int64) error
}
