package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"catalog_syncer/internal/domain"
)

type RabbitMQ struct {
	conn              *amqp.Connection
	channel           *amqp.Channel
	exchange          string
	productRoutingKey string
	runRoutingKey     string
	logger            *slog.Logger
}

type Config struct {
	URL               string
	Exchange          string
	ProductRoutingKey string
	RunRoutingKey     string
	QueueName         string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{cfg.ProductRoutingKey, cfg.RunRoutingKey} {
		if err := ch.QueueBind(q.Name, key, cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue to %s: %w", key, err)
		}
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"product_routing_key", cfg.ProductRoutingKey,
		"run_routing_key", cfg.RunRoutingKey,
	)

	return &RabbitMQ{
		conn:              conn,
		channel:           ch,
		exchange:          cfg.Exchange,
		productRoutingKey: cfg.ProductRoutingKey,
		runRoutingKey:     cfg.RunRoutingKey,
		logger:            logger,
	}, nil
}

type Product struct {
	ID           uuid.UUID       `json:"id"`
	StoreID      uuid.UUID       `json:"storeId"`
	CityID       uuid.UUID       `json:"cityId"`
	ExternalID   string          `json:"externalId"`
	Title        string          `json:"title"`
	Description  *string         `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	Images       []string        `json:"images"`
	Category     *string         `json:"category,omitempty"`
	Availability bool            `json:"availability"`
	SKU          *string         `json:"sku,omitempty"`
	URL          *string         `json:"url,omitempty"`
}

type ProductMessage struct {
	Action    string    `json:"action"` // "create" or "update"
	Product   Product   `json:"product"`
	Timestamp time.Time `json:"timestamp"`
}

type RunMessage struct {
	Run       domain.SyncRun `json:"run"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r *RabbitMQ) PublishProduct(ctx context.Context, product *domain.CatalogProduct, outcome domain.UpsertOutcome) error {
	images := product.Images
	if images == nil {
		images = []string{}
	}

	msg := ProductMessage{
		Action: outcome.String(),
		Product: Product{
			ID:           product.ID,
			StoreID:      product.StoreID,
			CityID:       product.CityID,
			ExternalID:   product.ExternalID,
			Title:        product.Title,
			Description:  product.Description,
			Price:        product.Price,
			Currency:     product.Currency,
			Images:       images,
			Category:     product.Category,
			Availability: product.Availability,
			SKU:          product.SKU,
			URL:          product.URL,
		},
		Timestamp: time.Now().UTC(),
	}

	if err := r.publish(ctx, r.productRoutingKey, msg); err != nil {
		return err
	}

	r.logger.Debug("published product",
		"store_id", product.StoreID,
		"external_id", product.ExternalID,
		"action", msg.Action,
	)
	return nil
}

func (r *RabbitMQ) PublishRun(ctx context.Context, run *domain.SyncRun) error {
	msg := RunMessage{
		Run:       *run,
		Timestamp: time.Now().UTC(),
	}

	if err := r.publish(ctx, r.runRoutingKey, msg); err != nil {
		return err
	}

	r.logger.Debug("published sync run",
		"store_id", run.StoreID,
		"run_id", run.ID,
		"status", run.Status,
	)
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, routingKey string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
