// Package refund ведёт заявки на возврат: расчёт доли по тарифу,
// решение продавца и завершение после ответа платёжного сервиса.
package refund

import (
	"context"
	"errors"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

// Причины отказа в возврате.
const (
	ReasonEventStarted   = "event already started"
	ReasonNoRule         = "no applicable rule"
	ReasonNoTier         = "no tier covers the time before start"
	ReasonRefundDisabled = "refund not allowed"
)

// Eligibility — результат расчёта по тарифу.
type Eligibility struct {
	Eligible    bool
	Percentage  int
	HoursBefore float64
	Reason      string
}

// Evaluate подбирает ступень тарифа по числу часов до начала.
// Первая по SortOrder ступень, содержащая значение, определяет долю;
// ступень с нулевой долей означает отказ с её причиной.
func Evaluate(rules *domain.RefundRuleSet, eventStart, applyAt time.Time) Eligibility {
	if !applyAt.Before(eventStart) {
		return Eligibility{Reason: ReasonEventStarted}
	}
	hours := eventStart.Sub(applyAt).Hours()
	if rules == nil || len(rules.Tiers) == 0 {
		return Eligibility{HoursBefore: hours, Reason: ReasonNoRule}
	}

	for _, tier := range rules.SortedTiers() {
		if !tier.Contains(hours) {
			continue
		}
		if tier.Percentage <= 0 {
			reason := tier.Reason
			if reason == "" {
				reason = ReasonRefundDisabled
			}
			return Eligibility{HoursBefore: hours, Reason: reason}
		}
		pct := tier.Percentage
		if pct > 100 {
			pct = 100
		}
		return Eligibility{Eligible: true, Percentage: pct, HoursBefore: hours}
	}
	return Eligibility{HoursBefore: hours, Reason: ReasonNoTier}
}

// ResolveRules ищет тариф ресурса, затем дефолт владельца.
// Отсутствие обоих не ошибка: возвращается nil.
func ResolveRules(ctx context.Context, repo domain.RefundRuleRepository, resourceID, ownerID string) (*domain.RefundRuleSet, error) {
	if repo == nil {
		return nil, nil
	}
	if resourceID != "" {
		rules, err := repo.ForResource(ctx, resourceID)
		if err == nil {
			return &rules, nil
		}
		if !errors.Is(err, domain.ErrRuleSetNotFound) {
			return nil, err
		}
	}
	if ownerID != "" {
		rules, err := repo.OwnerDefault(ctx, ownerID)
		if err == nil {
			return &rules, nil
		}
		if !errors.Is(err, domain.ErrRuleSetNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// Amount считает долю суммы позиций с округлением вниз до минорной единицы.
func Amount(items []domain.OrderItem, percentage int) int64 {
	var total int64
	for _, item := range items {
		total += item.PriceMinor
	}
	return total * int64(percentage) / 100
}
