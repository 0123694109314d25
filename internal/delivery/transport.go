package delivery

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportFailure 下游通道发送失败
var ErrTransportFailure = errors.New("验证码发送失败")

// SMSTransport 短信发送通道
type SMSTransport interface {
	Send(ctx context.Context, phone, message string) error
}

// EmailTransport 邮件发送通道
type EmailTransport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SentMessage 模拟通道记录的消息
type SentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// MockSMSTransport 记录消息的模拟短信通道
type MockSMSTransport struct {
	mu       sync.Mutex
	messages []SentMessage
	failNext error
}

// NewMockSMSTransport 创建模拟短信通道
func NewMockSMSTransport() *MockSMSTransport {
	return &MockSMSTransport{}
}

// FailWith 使下一次发送返回指定错误
func (t *MockSMSTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = err
}

func (t *MockSMSTransport) Send(_ context.Context, phone, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return err
	}
	t.messages = append(t.messages, SentMessage{Recipient: phone, Body: message})
	return nil
}

// Messages 返回已记录消息的副本
func (t *MockSMSTransport) Messages() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// MockEmailTransport 记录消息的模拟邮件通道
type MockEmailTransport struct {
	mu       sync.Mutex
	messages []SentMessage
	failNext error
}

// NewMockEmailTransport 创建模拟邮件通道
func NewMockEmailTransport() *MockEmailTransport {
	return &MockEmailTransport{}
}

// FailWith 使下一次发送返回指定错误
func (t *MockEmailTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = err
}

func (t *MockEmailTransport) Send(_ context.Context, to, subject, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return err
	}
	t.messages = append(t.messages, SentMessage{Recipient: to, Subject: subject, Body: body})
	return nil
}

// Messages 返回已记录消息的副本
func (t *MockEmailTransport) Messages() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.messages))
	copy(out, t.messages)
	return out
}
