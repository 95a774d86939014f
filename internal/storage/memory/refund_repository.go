package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GALA-Lin/service-sub006/internal/domain"
)

type refundRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.RefundApply
}

// NewRefundRepository создаёт in-memory реализацию RefundRepository.
func NewRefundRepository() domain.RefundRepository {
	return &refundRepositoryInMemory{items: make(map[string]domain.RefundApply)}
}

func (r *refundRepositoryInMemory) Create(_ context.Context, apply domain.RefundApply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.OrderNo == apply.OrderNo && !existing.Status.IsFinal() {
			return domain.ErrRefundApplyPending
		}
	}
	r.items[apply.ID] = cloneApply(apply)
	return nil
}

func (r *refundRepositoryInMemory) Get(_ context.Context, id string) (domain.RefundApply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apply, ok := r.items[id]
	if !ok {
		return domain.RefundApply{}, domain.ErrRefundApplyNotFound
	}
	return cloneApply(apply), nil
}

func (r *refundRepositoryInMemory) ListByOrder(_ context.Context, orderNo string) ([]domain.RefundApply, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.RefundApply, 0)
	for _, apply := range r.items {
		if apply.OrderNo == orderNo {
			result = append(result, cloneApply(apply))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AppliedAt.Before(result[j].AppliedAt)
	})
	return result, nil
}

func (r *refundRepositoryInMemory) Transition(_ context.Context, id string, from []domain.RefundStatus, to domain.RefundStatus, decidedBy, note string, at time.Time) (domain.RefundApply, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	apply, ok := r.items[id]
	if !ok {
		return domain.RefundApply{}, false, domain.ErrRefundApplyNotFound
	}

	allowed := false
	for _, s := range from {
		if apply.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return cloneApply(apply), false, nil
	}

	apply.Status = to
	if decidedBy != "" {
		apply.DecidedBy = decidedBy
	}
	if note != "" {
		apply.DecisionNote = note
	}
	apply.UpdatedAt = at
	r.items[id] = apply
	return cloneApply(apply), true, nil
}

func cloneApply(src domain.RefundApply) domain.RefundApply {
	dst := src
	dst.ItemIDs = append([]string(nil), src.ItemIDs...)
	return dst
}

var _ domain.RefundRepository = (*refundRepositoryInMemory)(nil)

type refundRuleRepositoryInMemory struct {
	mu         sync.RWMutex
	byResource map[string]domain.RefundRuleSet
	byOwner    map[string]domain.RefundRuleSet
}

// NewRefundRuleRepository создаёт in-memory хранилище тарифов возврата.
func NewRefundRuleRepository() domain.RefundRuleRepository {
	return &refundRuleRepositoryInMemory{
		byResource: make(map[string]domain.RefundRuleSet),
		byOwner:    make(map[string]domain.RefundRuleSet),
	}
}

func (r *refundRuleRepositoryInMemory) Save(_ context.Context, rules domain.RefundRuleSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules.Tiers = append([]domain.RefundTier(nil), rules.Tiers...)
	if rules.IsOwnerDefault() {
		r.byOwner[rules.OwnerID] = rules
		return nil
	}
	r.byResource[rules.ResourceID] = rules
	return nil
}

func (r *refundRuleRepositoryInMemory) ForResource(_ context.Context, resourceID string) (domain.RefundRuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, ok := r.byResource[resourceID]
	if !ok {
		return domain.RefundRuleSet{}, domain.ErrRuleSetNotFound
	}
	return rules, nil
}

func (r *refundRuleRepositoryInMemory) OwnerDefault(_ context.Context, ownerID string) (domain.RefundRuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, ok := r.byOwner[ownerID]
	if !ok {
		return domain.RefundRuleSet{}, domain.ErrRuleSetNotFound
	}
	return rules, nil
}

var _ domain.RefundRuleRepository = (*refundRuleRepositoryInMemory)(nil)
