package main

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/getsentry/traceprof/internal/metrics"
	"github.com/getsentry/traceprof/internal/profile"
)

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FunctionsKafkaMessage carries the heaviest functions of a processed trace.
type FunctionsKafkaMessage struct {
	ComputerName string                    `json:"computer_name,omitempty"`
	Environment  string                    `json:"environment,omitempty"`
	Functions    []metrics.FunctionMetrics `json:"functions"`
	ProfileID    string                    `json:"profile_id"`
	Received     int64                     `json:"received"`
	Release      string                    `json:"release,omitempty"`
	TotalWeight  uint64                    `json:"total_weight_ns"`
}

func buildFunctionsKafkaMessage(p *profile.Profile, environment string, received time.Time) FunctionsKafkaMessage {
	return FunctionsKafkaMessage{
		ComputerName: p.Raw.TraceInfo.ComputerName,
		Environment:  environment,
		Functions:    p.TopFunctions,
		ProfileID:    p.ID,
		Received:     received.Unix(),
		Release:      release,
		TotalWeight:  uint64(p.TotalWeight.Nanoseconds()),
	}
}

func newKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Async:        true,
		Balancer:     kafka.CRC32Balancer{},
		BatchSize:    10,
		Compression:  kafka.Lz4,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

type noopKafkaWriter struct{}

func (noopKafkaWriter) WriteMessages(context.Context, ...kafka.Message) error {
	return nil
}

func (noopKafkaWriter) Close() error {
	return nil
}
