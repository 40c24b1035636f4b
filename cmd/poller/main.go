package main

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/opsfin/tenant-router/internal/config"
	"github.com/opsfin/tenant-router/internal/logger"
	"github.com/opsfin/tenant-router/internal/model"
)

// The poller drains migration lifecycle notifications from the system
// store's outbox and publishes them to Kafka.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("migration outbox poller started")
	for range ticker.C {
		ctx := context.Background()
		var events []model.OutboxEvent
		if err := gdb.WithContext(ctx).
			Where("processed = false").
			Order("created_at").
			Limit(100).
			Find(&events).Error; err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			msg := kafka.Message{
				Key:   []byte(evt.AggregateID),
				Value: []byte(evt.Payload),
				Time:  time.Now(),
			}
			if err := kw.WriteMessages(ctx, msg); err != nil {
				log.Errorf("publish id=%d: %v", evt.ID, err)
				continue
			}
			now := time.Now()
			if err := gdb.WithContext(ctx).Model(&model.OutboxEvent{}).
				Where("id = ?", evt.ID).
				Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error; err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
			} else {
				log.Infof("notification %d sent for tenant %s", evt.ID, evt.AggregateID)
			}
		}
	}
}
