package domain

import (
	"fmt"
	"time"
)

// SlotState описывает занятость слота.
type SlotState string

const (
	// Слот свободен и может быть забронирован.
	SlotStateFree SlotState = "FREE"
	// Слот удерживается заказом, ожидающим оплату.
	SlotStateLocked SlotState = "LOCKED"
	// Слот оплачен и закреплён за заказом.
	SlotStateBooked SlotState = "BOOKED"
)

// ResourceType — тип бронируемого ресурса.
type ResourceType string

const (
	ResourceTypeCourt ResourceType = "court"
	ResourceTypeCoach ResourceType = "coach"
)

const slotDateLayout = "2006-01-02"
const slotTimeLayout = "1504"

// Slot — одна бронируемая единица: ресурс + дата + интервал времени.
type Slot struct {
	ResourceType ResourceType
	ResourceID   string
	// Владелец ресурса (площадка/тренер), нужен для правил возврата.
	OwnerID string
	StartAt time.Time
	EndAt   time.Time
	State   SlotState
	// OrderNo заполнен, пока слот LOCKED или BOOKED.
	OrderNo string
	// Время последней мутации, позволяет обнаружить
	// гонку "освободили и тут же заняли снова".
	UpdatedAt time.Time
}

// Key возвращает стабильный ключ слота.
func (s Slot) Key() string {
	return SlotKey(s.ResourceType, s.ResourceID, s.StartAt, s.EndAt)
}

// Date возвращает календарную дату слота.
func (s Slot) Date() string {
	return s.StartAt.UTC().Format(slotDateLayout)
}

// Validate проверяет обязательные поля слота.
func (s Slot) Validate() []error {
	var errs []error
	if s.ResourceID == "" {
		errs = append(errs, ErrResourceIDRequired)
	}
	if s.StartAt.IsZero() || !s.EndAt.After(s.StartAt) {
		errs = append(errs, ErrSlotRangeInvalid)
	}
	return errs
}

// HeldBy сообщает, удерживает ли слот указанный заказ.
func (s Slot) HeldBy(orderNo string) bool {
	return s.State != SlotStateFree && s.OrderNo == orderNo
}

// SlotKey строит ключ вида slot:<type>:<resource>:<date>:<start>-<end>.
// Ключ используется и как идентификатор записи, и как имя блокировки.
func SlotKey(resourceType ResourceType, resourceID string, startAt, endAt time.Time) string {
	start := startAt.UTC()
	end := endAt.UTC()
	return fmt.Sprintf("slot:%s:%s:%s:%s-%s",
		resourceType,
		resourceID,
		start.Format(slotDateLayout),
		start.Format(slotTimeLayout),
		end.Format(slotTimeLayout),
	)
}
