package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MockTransport 可配置的 mock，实现 Transport 接口
type MockTransport struct {
	// Errors 按顺序消费，为空时发送成功
	Errors []error
	Sent   []Envelope
	mu     sync.Mutex
	seq    int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Provider() string {
	return "mock"
}

// FailNext 下一次调用返回 err
func (m *MockTransport) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("mock transport failure")
	}
	m.Errors = append(m.Errors, err)
}

func (m *MockTransport) Send(ctx context.Context, env Envelope) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return nil, err
	}

	m.seq++
	m.Sent = append(m.Sent, env)
	return &SendResult{ProviderMessageID: fmt.Sprintf("mock-%d", m.seq), Provider: m.Provider()}, nil
}

// Calls 已成功发送的消息数
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
