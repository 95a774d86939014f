// Package pricing считает стоимость слотов.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// DefaultCurrency используется, если валюта не задана.
const DefaultCurrency = "CNY"

// MockService — тариф за час по типу ресурса. Используется в тестах и при локальном запуске.
type MockService struct {
	mu       sync.Mutex
	Currency string
	// Цена часа в минимальных единицах по типу ресурса.
	HourlyMinor map[domain.ResourceType]int64
	QuoteErr    error

	QuoteCalls int
}

// NewMockService возвращает mock с тарифами по умолчанию.
func NewMockService() *MockService {
	return &MockService{
		Currency: DefaultCurrency,
		HourlyMinor: map[domain.ResourceType]int64{
			domain.ResourceTypeCourt: 8000,
			domain.ResourceTypeCoach: 20000,
		},
	}
}

// Quote реализует domain.PricingService: цена пропорциональна длительности слота.
func (m *MockService) Quote(_ context.Context, slots []domain.Slot) (domain.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QuoteCalls++
	if m.QuoteErr != nil {
		return domain.PriceQuote{}, m.QuoteErr
	}

	quote := domain.PriceQuote{Currency: m.Currency, Prices: make(map[string]int64, len(slots))}
	for _, slot := range slots {
		rate, ok := m.HourlyMinor[slot.ResourceType]
		if !ok {
			return domain.PriceQuote{}, fmt.Errorf("%w: no rate for %s", domain.ErrPricingUnavailable, slot.ResourceType)
		}
		quote.Prices[slot.Key()] = rate * int64(slot.EndAt.Sub(slot.StartAt)) / int64(time.Hour)
	}
	return quote, nil
}

// FailWith заставляет последующие вызовы возвращать err.
func (m *MockService) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteErr = err
}

var _ domain.PricingService = (*MockService)(nil)

// FallbackFunc возвращает цену слота, когда основной сервис недоступен.
type FallbackFunc func(slot domain.Slot) int64

// fallbackService подставляет запасную цену при отказе основного сервиса.
type fallbackService struct {
	next     domain.PricingService
	fallback FallbackFunc
	currency string
	logger   *log.Entry
}

// WithFallback оборачивает сервис цен: при ошибке цены берутся из fallback.
func WithFallback(next domain.PricingService, currency string, fallback FallbackFunc, logger *log.Entry) domain.PricingService {
	if logger == nil {
		logger = log.WithField("component", "pricing-fallback")
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return &fallbackService{next: next, fallback: fallback, currency: currency, logger: logger}
}

func (s *fallbackService) Quote(ctx context.Context, slots []domain.Slot) (domain.PriceQuote, error) {
	quote, err := s.next.Quote(ctx, slots)
	if err == nil {
		return quote, nil
	}
	s.logger.WithError(err).WithField("slots", len(slots)).Warn("pricing failed, using fallback prices")

	quote = domain.PriceQuote{Currency: s.currency, Prices: make(map[string]int64, len(slots))}
	for _, slot := range slots {
		quote.Prices[slot.Key()] = s.fallback(slot)
	}
	return quote, nil
}
