// Package export publishes chosen-route change events to Kafka. Every
// winner the decision process installs or withdraws becomes one JSON record
// keyed by prefix, so downstream consumers can maintain a live mirror of
// the Loc-RIB.
package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// RouteEvent is the published record shape.
type RouteEvent struct {
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"` // "A" or "D"
	Prefix    string    `json:"prefix"`
	Nexthop   string    `json:"nexthop,omitempty"`
	ASPath    string    `json:"as_path,omitempty"`
	LocalPref *uint32   `json:"localpref,omitempty"`
	MED       *uint32   `json:"med,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	PeerName  string    `json:"peer,omitempty"`
}

// Producer wraps the franz-go client.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewProducer(brokers []string, topic, clientID string, tlsCfg *tls.Config,
	saslMech sasl.Mechanism, logger *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("export: creating kafka client: %w", err)
	}
	return &Producer{client: client, topic: topic, logger: logger}, nil
}

// Publish sends one route event, fire-and-forget with logged failures.
func (p *Producer) Publish(ctx context.Context, ev RouteEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("export: marshal event: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(ev.Prefix),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("produce failed", zap.Error(err), zap.String("prefix", ev.Prefix))
			return
		}
		metrics.ExportEvents.WithLabelValues(p.topic, ev.Action).Inc()
	})
	return nil
}

// Flush drains outstanding produces.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
