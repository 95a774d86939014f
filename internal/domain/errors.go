package domain

import "errors"

var (
	// Ошибка отсутствующего номера заказа.
	ErrOrderNoRequired = errors.New("order_no is required")
	// Ошибка отсутствующего идентификатора покупателя.
	ErrBuyerRequired = errors.New("buyer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного слота в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка повторяющегося слота в одном заказе.
	ErrDuplicateSlot = errors.New("order contains the same slot twice")
	// Ошибка отсутствующего идентификатора ресурса.
	ErrResourceIDRequired = errors.New("resource_id is required")
	// Ошибка некорректного интервала слота.
	ErrSlotRangeInvalid = errors.New("slot end must be after start")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при попытке создать заказ с занятым номером.
	ErrOrderExists = errors.New("order already exists")
	// ErrSlotNotFound возвращается, если слот не заведён в расписании.
	ErrSlotNotFound = errors.New("slot not found")
	// Слот уже удерживается другим заказом.
	ErrSlotTaken = errors.New("slot already taken")
	// ErrRefundApplyNotFound возвращается, если заявка на возврат не найдена.
	ErrRefundApplyNotFound = errors.New("refund apply not found")
	// По заказу уже есть незакрытая заявка.
	ErrRefundApplyPending = errors.New("refund apply already pending")
	// Для ресурса и владельца не настроены правила возврата.
	ErrRuleSetNotFound = errors.New("refund rule set not found")
	// ErrDeadLetterNotFound возвращается, если запись dead-letter лога не найдена.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	// Запись корреляции уже удалена или истекла.
	ErrCorrelationNotFound = errors.New("message correlation not found")
	// Сообщение уже обработано этим потребителем.
	ErrAlreadyProcessed = errors.New("message already processed")

	// Сервис цен недоступен.
	ErrPricingUnavailable = errors.New("pricing unavailable")
	// Платёжный шлюз не выдал токен.
	ErrPaymentUnavailable = errors.New("payment gateway unavailable")
)

// IsNotFound проверяет, относится ли ошибка к отсутствующей записи.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrRefundApplyNotFound) ||
		errors.Is(err, ErrRuleSetNotFound) ||
		errors.Is(err, ErrDeadLetterNotFound) ||
		errors.Is(err, ErrCorrelationNotFound)
}
