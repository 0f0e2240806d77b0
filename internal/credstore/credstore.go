package credstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/g960059/window/internal/model"
)

var (
	ErrNotFound = errors.New("credentials not found")
	ErrInvalid  = errors.New("credentials invalid")
)

// Store persists the single remembered agent endpoint. The API key is opaque.
type Store interface {
	Save(ctx context.Context, creds model.Credentials) error
	Load(ctx context.Context) (model.Credentials, error)
	Clear(ctx context.Context) error
}

// Validate trims creds and rejects empty fields.
func Validate(creds model.Credentials) (model.Credentials, error) {
	creds.Host = strings.TrimSpace(creds.Host)
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	if creds.IsZero() {
		return model.Credentials{}, ErrInvalid
	}
	return creds, nil
}

// Memory is an in-process Store for tests and mock sessions.
type Memory struct {
	mu    sync.Mutex
	creds model.Credentials
	saves int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, creds model.Credentials) error {
	creds, err := Validate(creds)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.saves++
	return nil
}

func (m *Memory) Load(_ context.Context) (model.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.IsZero() {
		return model.Credentials{}, ErrNotFound
	}
	return m.creds, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = model.Credentials{}
	return nil
}

// Saves counts successful Save calls.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
