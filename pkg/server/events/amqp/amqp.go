package amqp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lamassuiot/rfid-sync/pkg/server/events"
)

// Publisher sends events to a topic exchange. The routing key is the queue
// prefix followed by the event type with slashes turned into dots, e.g.
// "rfid_.rfid-sync.readings.ingested".
type Publisher struct {
	mtx      sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	prefix   string
	logger   log.Logger
}

func NewPublisher(url string, exchange string, prefix string, logger log.Logger) (events.Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	level.Info(logger).Log("msg", "Connected to event bus", "exchange", exchange)
	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		prefix:   prefix,
		logger:   logger,
	}, nil
}

func RoutingKey(prefix string, t events.EventType) string {
	key := strings.ReplaceAll(string(t), "/", ".")
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	p.mtx.Lock()
	defer p.mtx.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(p.prefix, event.Type), false, false, msg)
	if err != nil {
		level.Warn(p.logger).Log("err", err, "msg", "Could not publish event", "type", event.Type)
	}
	return err
}

func (p *Publisher) Close() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.channel.Close()
	return p.conn.Close()
}
