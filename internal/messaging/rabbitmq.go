package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dobbe-backend/pkg/api"

	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

func declareEventsExchange(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(EventsChannel, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare rabbitmq exchange %s: %w", EventsChannel, err)
	}
	return nil
}

// RabbitMQPublisher publishes stage tasks to durable work queues and stage
// updates to the fanout exchange read by the api processes.
type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
}

var _ Publisher = (*RabbitMQPublisher)(nil)
var _ EventPublisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	var err error
	p.conn, err = connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	for _, queue := range TaskQueues {
		_, err := p.channel.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			p.conn.Close()
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}
	}

	if err := declareEventsExchange(p.channel); err != nil {
		p.conn.Close()
		return err
	}

	slog.Info("rabbitmq channel opened and queues declared")

	go p.handleReconnect(p.channel)

	return nil
}

func (p *RabbitMQPublisher) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // graceful close
		slog.Info("rabbitmq connection closed")
		return
	}

	slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock() // publishing waits until the connection is restored
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publish(ctx context.Context, exchange, routingKey string, payload interface{}, mode uint8) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal payload", "exchange", exchange, "routing_key", routingKey, "error", err)
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: mode,
			Body:         body,
		})
	if err != nil {
		slog.Error("failed to publish message, potential connection issue", "exchange", exchange, "routing_key", routingKey, "error", err)
		return fmt.Errorf("failed to publish to %s%s: %w", exchange, routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) publishTaskInternal(ctx context.Context, queueName string, payload interface{}) error {
	return p.publish(ctx, "", queueName, payload, amqp.Persistent)
}

func (p *RabbitMQPublisher) PublishParseTask(ctx context.Context, payload ParseTaskPayload) error {
	return p.publishTaskInternal(ctx, ParseQueue, payload)
}

func (p *RabbitMQPublisher) PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload) error {
	return p.publishTaskInternal(ctx, InferenceQueue, payload)
}

func (p *RabbitMQPublisher) PublishReportTask(ctx context.Context, payload ReportTaskPayload) error {
	return p.publishTaskInternal(ctx, ReportQueue, payload)
}

func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, update api.StageUpdate) error {
	return p.publish(ctx, EventsChannel, "", update, amqp.Transient)
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		p.connLock.RLock()
		defer p.connLock.RUnlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack drops the message. Stage failures are terminal for a chain, so there is
// nothing to gain from a requeue.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	tasks     chan Task
	url       string
	stop      chan struct{}
	stopOnce  sync.Once
	consumers sync.WaitGroup
}

var _ Receiver = (*RabbitMQReceiver)(nil)

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		tasks: make(chan Task),
		url:   rabbitMQURL,
		stop:  make(chan struct{}),
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	defer c.consumers.Done()
	for d := range msgs {
		select {
		case c.tasks <- &RabbitMQTask{d: d}:
		case <-c.stop:
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	// one unacknowledged message at a time per worker process
	if err := channel.Qos(1, 0, false); err != nil {
		slog.Error("failed to set channel qos", "error", err)
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	for _, queue := range TaskQueues {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}

		msgs, err := channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			slog.Error("failed to consume from rabbitmq queue", "queue", queue, "error", err)
			conn.Close()
			return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue, err)
		}

		c.consumers.Add(1)
		go c.consume(msgs)
	}

	go c.handleReconnect(conn, channel)

	return nil
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok {
			slog.Info("rabbitmq connection closed")
			return
		}

		slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
		return
	}
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

// Close stops consuming. Tasks() is closed once every consumer has exited so
// that range loops over it terminate.
func (c *RabbitMQReceiver) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		go func() {
			c.consumers.Wait()
			close(c.tasks)
		}()
	})
}

// RabbitMQEventReceiver binds an exclusive, auto-deleted queue to the stage
// events exchange so that every api process sees every update.
type RabbitMQEventReceiver struct {
	events   chan api.StageUpdate
	url      string
	stop     chan struct{}
	stopOnce sync.Once
}

var _ EventReceiver = (*RabbitMQEventReceiver)(nil)

func NewRabbitMQEventReceiver(rabbitMQURL string) (*RabbitMQEventReceiver, error) {
	r := &RabbitMQEventReceiver{
		events: make(chan api.StageUpdate, 256),
		url:    rabbitMQURL,
		stop:   make(chan struct{}),
	}

	if err := r.receiveEvents(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQEventReceiver) receiveEvents() error {
	conn, err := connectToRabbitMQ(r.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareEventsExchange(channel); err != nil {
		conn.Close()
		return err
	}

	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare events queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, "", EventsChannel, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind events queue: %w", err)
	}

	msgs, err := channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume events queue: %w", err)
	}

	go r.consume(msgs)
	go r.handleReconnect(conn, channel)

	return nil
}

func (r *RabbitMQEventReceiver) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var update api.StageUpdate
		if err := json.Unmarshal(d.Body, &update); err != nil {
			slog.Error("error unmarshalling stage update", "error", err)
			continue
		}
		select {
		case r.events <- update:
		case <-r.stop:
			return
		}
	}
}

func (r *RabbitMQEventReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok {
			return
		}

		slog.Warn("rabbitmq events connection closed, attempting to reconnect", "error", err)

		for {
			select {
			case <-r.stop:
				return
			default:
			}
			if r.receiveEvents() == nil {
				slog.Info("successfully restarted rabbitmq events consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-r.stop:
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
	}
}

func (r *RabbitMQEventReceiver) Events() <-chan api.StageUpdate {
	return r.events
}

func (r *RabbitMQEventReceiver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
