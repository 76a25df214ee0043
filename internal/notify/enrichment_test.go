package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/resilience"
)

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestNotifyEnrichmentSendsSecretAndPayload(t *testing.T) {
	var got EnrichmentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.Header.Get(SecretHeader))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewEnrichmentNotifier(srv.URL, "s3cret", time.Second)
	require.NoError(t, err)

	err = n.NotifyEnrichment(context.Background(), EnrichmentRequest{CampaignID: "42", UserID: "7", Tier: "FULL", LeadsCreated: 15})
	require.NoError(t, err)
	assert.Equal(t, EnrichmentRequest{CampaignID: "42", UserID: "7", Tier: "FULL", LeadsCreated: 15}, got)
}

func TestNotifyEnrichmentRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewEnrichmentNotifier(srv.URL, "s3cret", time.Second)
	require.NoError(t, err)
	n.WithRetryPolicy(fastPolicy())

	require.NoError(t, n.NotifyEnrichment(context.Background(), EnrichmentRequest{CampaignID: "1"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNotifyEnrichmentDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n, err := NewEnrichmentNotifier(srv.URL, "wrong", time.Second)
	require.NoError(t, err)
	n.WithRetryPolicy(fastPolicy())

	err = n.NotifyEnrichment(context.Background(), EnrichmentRequest{CampaignID: "1"})
	require.Error(t, err)
	assert.True(t, errors.IsNonRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotifyEnrichmentNotConfigured(t *testing.T) {
	n, err := NewEnrichmentNotifier("", "", 0)
	require.NoError(t, err)

	err = n.NotifyEnrichment(context.Background(), EnrichmentRequest{CampaignID: "1"})
	assert.ErrorIs(t, err, errors.NotConfigured)
}
