package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/logger"
)

// EventType 安全审计事件类型
type EventType string

const (
	EventMFAChallengeIssued   EventType = "mfa.challenge.issued"
	EventMFAChallengeVerified EventType = "mfa.challenge.verified"
	EventMFAChallengeFailed   EventType = "mfa.challenge.failed"
	EventMFADeviceEnrolled    EventType = "mfa.device.enrolled"
	EventMFADeviceRemoved     EventType = "mfa.device.removed"
	EventTrustedDeviceRevoked EventType = "mfa.trusted_device.revoked"
	EventBackupCodesRotated   EventType = "mfa.backup_codes.rotated"
	EventAuthzDecision        EventType = "authz.decision"
	EventAPIKeyRotated        EventType = "authz.api_key.rotated"
)

// Event 安全审计事件
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	UserID    uuid.UUID              `json:"user_id,omitempty"`
	TenantID  uuid.UUID              `json:"tenant_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher 审计事件发布器
//
// 发布失败只记日志，不影响主流程。
type Publisher interface {
	Publish(ctx context.Context, event *Event)
	Close() error
}

// KafkaPublisher 基于Kafka的审计事件发布器
type KafkaPublisher struct {
	writer *kafka.Writer
	logger logger.Logger
}

// NewKafkaPublisher 创建Kafka审计发布器
func NewKafkaPublisher(cfg config.KafkaConfig, log logger.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaPublisher{writer: writer, logger: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithField("event_type", event.Type).Errorf("序列化审计事件失败: %v", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID.String()),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithField("event_type", event.Type).Errorf("发布审计事件失败: %v", err)
	}
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("关闭审计发布器失败: %w", err)
	}
	return nil
}

// NopPublisher 空发布器（审计链路未启用或测试时使用）
type NopPublisher struct{}

// NewNopPublisher 创建空发布器
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (*NopPublisher) Publish(context.Context, *Event) {}
func (*NopPublisher) Close() error                    { return nil }
