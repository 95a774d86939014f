package domain

import (
	"sort"
	"time"
)

// RefundStatus описывает состояние заявки на возврат.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusApproved  RefundStatus = "APPROVED"
	RefundStatusRejected  RefundStatus = "REJECTED"
	RefundStatusCancelled RefundStatus = "CANCELLED"
	RefundStatusCompleted RefundStatus = "COMPLETED"
)

// IsFinal сообщает, что заявка больше не меняется.
func (s RefundStatus) IsFinal() bool {
	switch s {
	case RefundStatusRejected, RefundStatusCancelled, RefundStatusCompleted:
		return true
	default:
		return false
	}
}

// RefundApply — заявка покупателя на возврат части или всех позиций заказа.
type RefundApply struct {
	ID                   string
	OrderNo              string
	ItemIDs              []string
	ReasonCode           string
	RequestedAmountMinor int64
	// Percentage и RefundAmountMinor фиксируются по тарифу в момент подачи.
	Percentage        int
	RefundAmountMinor int64
	Status            RefundStatus
	DecidedBy         string
	DecisionNote      string
	AppliedAt         time.Time
	UpdatedAt         time.Time
}

// RefundTier — одна ступень тарифа: [MinHoursBefore, MaxHoursBefore).
// MaxHoursBefore == nil означает отсутствие верхней границы.
type RefundTier struct {
	MinHoursBefore float64
	MaxHoursBefore *float64
	Percentage     int
	Reason         string
	SortOrder      int
}

// Contains проверяет, попадает ли значение часов до начала в ступень.
func (t RefundTier) Contains(hoursBefore float64) bool {
	if hoursBefore < t.MinHoursBefore {
		return false
	}
	if t.MaxHoursBefore != nil && hoursBefore >= *t.MaxHoursBefore {
		return false
	}
	return true
}

// RefundRuleSet — набор ступеней для ресурса или дефолт владельца.
// Пустой ResourceID означает дефолтный набор владельца.
type RefundRuleSet struct {
	ID         string
	OwnerID    string
	ResourceID string
	Tiers      []RefundTier
	UpdatedAt  time.Time
}

// IsOwnerDefault сообщает, что набор задан на уровне владельца.
func (r RefundRuleSet) IsOwnerDefault() bool {
	return r.ResourceID == ""
}

// SortedTiers возвращает копию ступеней, упорядоченную по SortOrder.
func (r RefundRuleSet) SortedTiers() []RefundTier {
	tiers := make([]RefundTier, len(r.Tiers))
	copy(tiers, r.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].SortOrder < tiers[j].SortOrder
	})
	return tiers
}

// HoursBound строит верхнюю границу ступени.
func HoursBound(h float64) *float64 {
	return &h
}
