package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONField возвращает извлекатель бизнес-ключа по полю верхнего уровня JSON.
// Нечитаемое тело или отсутствующее поле дают пустую строку.
func JSONField(field string) func([]byte) string {
	return func(payload []byte) string {
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return ""
		}
		value, ok := doc[field]
		if !ok || value == nil {
			return ""
		}
		switch v := value.(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		default:
			return fmt.Sprint(v)
		}
	}
}

// JSONEnvelope сериализует событие и строит Envelope для маршрута.
func JSONEnvelope(route Route, event any, delay time.Duration) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event for %s: %w", route, err)
	}
	return Envelope{
		Route:   route,
		Payload: payload,
		Headers: map[string]string{"content-type": "application/json"},
		Delay:   delay,
	}, nil
}

// DecodeJSON разбирает тело сообщения; ошибка разбора считается постоянной.
func DecodeJSON(msg Message, out any) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", msg.Route, err))
	}
	return nil
}
