package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"dialcore/internal/calls"
	"dialcore/internal/config"
)

// Lifecycle topics consumed downstream (reporting, recording, CRM sync).
const (
	TopicCallsStarted  = "calls.started"
	TopicCallsAnswered = "calls.answered"
	TopicCallsEnded    = "calls.ended"
)

// Envelope wraps every published event. Consumers dedupe on EventID; delivery
// is at-least-once.
type Envelope struct {
	EventID   string    `json:"eventId"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Version   int       `json:"version"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
}

// CallPayload is the minimal call view downstream consumers need.
type CallPayload struct {
	CallID          string     `json:"callId"`
	Direction       string     `json:"direction"`
	Phone           string     `json:"phone"`
	CampaignID      string     `json:"campaignId,omitempty"`
	LeadID          string     `json:"leadId,omitempty"`
	AgentID         string     `json:"agentId,omitempty"`
	Status          string     `json:"status"`
	AnswerTime      *time.Time `json:"answerTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	RingDurationMs  int64      `json:"ringDurationMs,omitempty"`
	TalkDurationMs  int64      `json:"talkDurationMs,omitempty"`
	TotalDurationMs int64      `json:"totalDurationMs,omitempty"`
}

// Publisher produces lifecycle events to the bus, keyed by call id so one
// call's events land on one partition in order.
type Publisher struct {
	client  *kgo.Client
	timeout time.Duration
}

// NewPublisher connects the Kafka producer.
func NewPublisher(cfg config.KafkaConfig) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}, nil
}

// PublishCall emits a call lifecycle event on topic. Failures are logged and
// swallowed: publication must never stall call processing, and consumers
// tolerate replay.
func (p *Publisher) PublishCall(ctx context.Context, topic string, call *calls.Call) {
	payload := CallPayload{
		CallID:          call.ID,
		Direction:       call.Direction,
		Phone:           call.Phone,
		CampaignID:      call.CampaignID,
		LeadID:          call.LeadID,
		AgentID:         call.AgentID,
		Status:          string(call.Status),
		AnswerTime:      call.AnswerTime,
		EndTime:         call.EndTime,
		RingDurationMs:  call.RingDurationMs,
		TalkDurationMs:  call.TalkDurationMs,
		TotalDurationMs: call.TotalDurationMs(),
	}
	p.publish(ctx, topic, call.TenantID, call.ID, payload)
}

func (p *Publisher) publish(ctx context.Context, topic, tenantID, key string, payload any) {
	env := Envelope{
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Version:   1,
		Type:      topic,
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Events] Marshal failed for %s: %v", topic, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: data}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		log.Printf("[Events] Publish to %s failed (key=%s): %v", topic, key, err)
	}
}

// Close flushes and shuts down the producer.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Printf("[Events] Flush on close failed: %v", err)
	}
	p.client.Close()
}
