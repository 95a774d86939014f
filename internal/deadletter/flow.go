package deadletter

import (
	"github.com/GALA-Lin/service-sub006/internal/messaging"
)

// FlowName — имя потока агрегатора.
const FlowName = "dead-letter-aggregator"

// NewFlow описывает поток агрегатора: он слушает все routing key финального
// exchange. Финальный маршрут потока никогда не используется, так как
// обработчик всегда подтверждает сообщение, но он обязан отличаться от основного.
func NewFlow(finalExchange, queue string) messaging.Flow {
	return messaging.Flow{
		Name:         FlowName,
		Queue:        queue,
		Primary:      messaging.Route{Exchange: finalExchange, RoutingKey: messaging.WildcardKey},
		Final:        messaging.Route{Exchange: finalExchange + ".parking", RoutingKey: messaging.WildcardKey},
		BusinessType: "dead-letter",
		Sink:         true,
	}
}

// Wrap оборачивает агрегатор в потребителя потока.
func (a *Aggregator) Wrap(finalExchange, queue string, opts ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	return messaging.Wrap(NewFlow(finalExchange, queue), a.Handle, opts...)
}
