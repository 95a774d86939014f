// Package payment содержит заглушку платёжного шлюза.
package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// MockService — конфигурируемая заглушка PaymentGateway для тестов и локального запуска.
type MockService struct {
	mu           sync.Mutex
	BaseURL      string
	RequestErr   error
	Requests     []domain.PaymentRequest
	RequestCalls int
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{BaseURL: "https://pay.local/checkout/"}
}

// RequestPayment возвращает токен или заранее настроенную ошибку и считает вызовы.
func (m *MockService) RequestPayment(_ context.Context, req domain.PaymentRequest) (domain.PaymentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RequestCalls++
	if m.RequestErr != nil {
		return domain.PaymentToken{}, m.RequestErr
	}
	m.Requests = append(m.Requests, req)

	token := uuid.NewString()
	return domain.PaymentToken{
		Token:       token,
		RedirectURL: m.BaseURL + token,
	}, nil
}

// FailWith заставляет последующие вызовы возвращать err.
func (m *MockService) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestErr = err
}

// Calls возвращает число вызовов.
func (m *MockService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCalls
}

var _ domain.PaymentGateway = (*MockService)(nil)
