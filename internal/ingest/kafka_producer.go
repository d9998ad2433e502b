// Package ingest moves family profile updates onto Kafka for the consumer
// that maintains the Redis profile store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/models"
)

var ErrInvalidProfile = errors.New("invalid family profile")

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// PublishProfile keys the message by the home geohash cell so that updates
// for one neighbourhood land on one partition in order.
func (k *KafkaProducer) PublishProfile(ctx context.Context, f models.Family) error {
	if err := ValidateProfile(f); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(geo.Cell(f.Home)), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeProfile parses and validates one profile message.
func DecodeProfile(b []byte) (models.Family, error) {
	var f models.Family
	if err := json.Unmarshal(b, &f); err != nil {
		return models.Family{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := ValidateProfile(f); err != nil {
		return models.Family{}, err
	}
	return f, nil
}

func ValidateProfile(f models.Family) error {
	switch {
	case f.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidProfile)
	case !f.Home.Valid():
		return fmt.Errorf("%w: home location", ErrInvalidProfile)
	case f.SeatsOffered < 0 || f.SeatsNeeded < 0:
		return fmt.Errorf("%w: negative seats", ErrInvalidProfile)
	case f.DepartureMinute < 0 || f.DepartureMinute >= 24*60:
		return fmt.Errorf("%w: departure minute", ErrInvalidProfile)
	case f.Rating < 0 || f.Rating > 5:
		return fmt.Errorf("%w: rating", ErrInvalidProfile)
	}
	return nil
}
