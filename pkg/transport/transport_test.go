package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/resilience"
)

func TestSendGridTransport(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("X-Message-Id", "sg-abc")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewSendGridTransport("sg-key", srv.URL, "outreach@leadflow.local", "LeadFlow")
	res, err := tr.Send(context.Background(), Envelope{
		Channel:   "email",
		Recipient: "owner@padaria.com.br",
		Subject:   "Olá",
		Body:      "Oi, tudo bem?",
		MessageID: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, "sg-abc", res.ProviderMessageID)
	assert.Equal(t, "sendgrid", res.Provider)
	assert.Equal(t, "Olá", captured["subject"])
}

func TestSendGridTransportClassifiesStatus(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad"}]}`))
	}))
	defer srv.Close()

	tr := NewSendGridTransport("sg-key", srv.URL, "outreach@leadflow.local", "LeadFlow")
	env := Envelope{Recipient: "a@b.com", Subject: "s", Body: "b"}

	_, err := tr.Send(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsNonRetryable(err))

	status = http.StatusServiceUnavailable
	_, err = tr.Send(context.Background(), env)
	require.Error(t, err)
	assert.False(t, errors.IsNonRetryable(err))
	assert.True(t, resilience.IsTransient(err))
}

type fakeTwilio struct {
	err    error
	params *twilioapi.CreateMessageParams
}

func (f *fakeTwilio) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioapi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioWhatsAppTransport(t *testing.T) {
	fake := &fakeTwilio{}
	tr := &TwilioWhatsAppTransport{api: fake, from: whatsappAddress("+14155238886")}

	res, err := tr.Send(context.Background(), Envelope{Recipient: "+5511987654321", Body: "Oi"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", res.ProviderMessageID)
	require.NotNil(t, fake.params.To)
	assert.Equal(t, "whatsapp:+5511987654321", *fake.params.To)
	assert.Equal(t, "whatsapp:+14155238886", *fake.params.From)

	fake.err = &twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "invalid To"}
	_, err = tr.Send(context.Background(), Envelope{Recipient: "+5511987654321", Body: "Oi"})
	assert.True(t, errors.IsNonRetryable(err))

	fake.err = &twilioclient.TwilioRestError{Status: 503, Code: 20503, Message: "unavailable"}
	_, err = tr.Send(context.Background(), Envelope{Recipient: "+5511987654321", Body: "Oi"})
	assert.True(t, resilience.IsTransient(err))
}

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestResilientTransportRetriesTransientErrors(t *testing.T) {
	mock := NewMockTransport()
	mock.FailNext(&resilience.HTTPStatusError{StatusCode: 502})
	mock.FailNext(&resilience.HTTPStatusError{StatusCode: 503})

	tr := NewResilientTransport("email", mock, ResilientOptions{Policy: fastPolicy(3)})
	res, err := tr.Send(context.Background(), Envelope{Recipient: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "mock-1", res.ProviderMessageID)
	assert.Equal(t, 1, mock.Calls())
}

func TestResilientTransportDoesNotRetryRejections(t *testing.T) {
	mock := NewMockTransport()
	mock.FailNext(errors.NewNonRetryableError("SENDGRID_400", "rejected", "bad address"))

	tr := NewResilientTransport("email", mock, ResilientOptions{Policy: fastPolicy(3), BreakerFailures: 1})
	_, err := tr.Send(context.Background(), Envelope{Recipient: "a@b.com"})
	require.Error(t, err)
	assert.True(t, errors.IsNonRetryable(err))
	assert.Empty(t, mock.Errors)
	// 4xx 不计入熔断
	assert.Equal(t, resilience.StateClosed, tr.Breaker().State())
}

func TestResilientTransportOpensBreaker(t *testing.T) {
	mock := NewMockTransport()
	for i := 0; i < 3; i++ {
		mock.FailNext(&resilience.HTTPStatusError{StatusCode: 500})
	}

	tr := NewResilientTransport("whatsapp", mock, ResilientOptions{Policy: fastPolicy(1), BreakerFailures: 2, BreakerReset: time.Hour})
	for i := 0; i < 2; i++ {
		_, err := tr.Send(context.Background(), Envelope{Recipient: "+5511987654321"})
		require.Error(t, err)
	}

	_, err := tr.Send(context.Background(), Envelope{Recipient: "+5511987654321"})
	require.Error(t, err)
	assert.True(t, IsDeferred(err))
	assert.Len(t, mock.Errors, 1, "open breaker must not reach the provider")
}

func TestResilientTransportTenantLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := resilience.NewRateLimiter(client, "lf", 1, time.Minute)
	mock := NewMockTransport()
	tr := NewResilientTransport("email", mock, ResilientOptions{TenantLimiter: limiter, Policy: fastPolicy(1)})

	_, err := tr.Send(context.Background(), Envelope{Recipient: "a@b.com", UserID: 7})
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), Envelope{Recipient: "a@b.com", UserID: 7})
	require.Error(t, err)
	assert.True(t, IsDeferred(err))

	_, err = tr.Send(context.Background(), Envelope{Recipient: "a@b.com", UserID: 8})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Calls())
}
