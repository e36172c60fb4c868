package alert

import (
	"context"

	"github.com/srvo/dewey/pkg/mq"
)

// Publisher is the subset of mq.Publisher used for alerts.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// NewMQNotifier publishes alerts on the sync.alert routing key.
func NewMQNotifier(p Publisher) Notifier {
	return NotifierFunc(func(ctx context.Context, a Alert) error {
		return p.PublishWithContext(ctx, mq.RoutingKeySyncAlert, a)
	})
}
