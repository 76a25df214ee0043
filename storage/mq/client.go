package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/pkg/logger"
)

const (
	// EventsExchange 业务事件（发送、退订、对账结果）
	EventsExchange = "outreach.events"
	// ExtractionExchange 抓取回调入队
	ExtractionExchange = "outreach.extraction"

	ExtractionQueue      = "outreach.extraction.reconcile"
	ExtractionRoutingKey = "extraction.completed"
	EventsAuditQueue     = "outreach.events.audit"
)

var (
	conn     *amqp.Connection
	connOnce sync.Once
	connErr  error
	connMu   sync.RWMutex
)

// Init 建立连接并声明拓扑
func Init() error {
	connOnce.Do(func() {
		c, err := amqp.Dial(config.Cfg.GetRabbitMQURL())
		if err != nil {
			connErr = fmt.Errorf("failed to dial rabbitmq: %w", err)
			return
		}

		if err := declareTopology(c); err != nil {
			_ = c.Close()
			connErr = err
			return
		}

		connMu.Lock()
		conn = c
		connMu.Unlock()

		logger.Logger.Info("RabbitMQ connected",
			zap.String("component", "rabbitmq"),
			zap.String("vhost", config.Cfg.RabbitMQVhost),
		)
	})

	return connErr
}

func declareTopology(c *amqp.Connection) error {
	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	for _, exchange := range []string{EventsExchange, ExtractionExchange} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	bindings := []struct {
		queue    string
		exchange string
		key      string
	}{
		{queue: ExtractionQueue, exchange: ExtractionExchange, key: ExtractionRoutingKey},
		{queue: EventsAuditQueue, exchange: EventsExchange, key: "#"},
	}

	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", b.queue, err)
		}
	}

	return nil
}

func Connection() *amqp.Connection {
	connMu.RLock()
	defer connMu.RUnlock()
	return conn
}

func Close(ctx context.Context) error {
	connMu.Lock()
	defer connMu.Unlock()

	pubMutex.Lock()
	if publisherCh != nil {
		_ = publisherCh.Close()
		publisherCh = nil
	}
	pubMutex.Unlock()

	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		conn = nil
		return err
	}
}
