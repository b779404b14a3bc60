package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueName(t *testing.T) {
	cfg := PartnerConfig{PartnerID: "acme"}
	assert.Equal(t, "partner.acme.queue", cfg.QueueName())
}

func TestRouteID(t *testing.T) {
	assert.Equal(t, "Partner:acme:Main", RouteID("acme"))
}

func TestDefaultPartnerConfig(t *testing.T) {
	cfg := DefaultPartnerConfig()

	assert.Equal(t, DefaultPartnerID, cfg.PartnerID)
	assert.Equal(t, 5, cfg.CoreWorkers)
	assert.Equal(t, 20, cfg.MaxWorkers)
	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 60*time.Second, cfg.IdleKeepAlive)
	assert.Equal(t, 50.0, cfg.FailureRateThresholdPct)
	assert.Equal(t, 10, cfg.MinCallsBeforeEval)
	assert.Equal(t, 30*time.Second, cfg.OpenStateDuration)
	assert.Equal(t, 20, cfg.SlidingWindowSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 1.5, cfg.BackoffMultiplier)
	assert.Equal(t, 15*time.Minute, cfg.TokenLifetime)
	assert.Equal(t, 15*time.Second, cfg.APITimeout)
	assert.Equal(t, PriorityLow, cfg.Priority)
}

func TestWithPartnerID(t *testing.T) {
	cfg := DefaultPartnerConfig().WithPartnerID("acme")

	assert.Equal(t, "acme", cfg.PartnerID)
	assert.Equal(t, 5, cfg.CoreWorkers)
	// Original stays keyed to DEFAULT.
	assert.Equal(t, DefaultPartnerID, DefaultPartnerConfig().PartnerID)
}

func TestPartnerConfigJSONCasing(t *testing.T) {
	data, err := json.Marshal(DefaultPartnerConfig().WithPartnerID("acme"))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	for _, key := range []string{
		"partnerId", "coreWorkers", "maxWorkers", "queueCapacity",
		"failureRateThresholdPct", "openStateDuration", "maxAttempts",
		"apiEndpoint", "apiTimeout", "priority",
	} {
		assert.Contains(t, m, key)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid request", ErrInvalidRequest, "INVALID_REQUEST"},
		{"not found", ErrNotFound, "NOT_FOUND"},
		{"breaker open", ErrBreakerOpen, "BREAKER_OPEN"},
		{"shutting down", ErrShuttingDown, "SHUTTING_DOWN"},
		{"auth", ErrAuth, "AUTH"},
		{"transient", ErrTransient, "TRANSIENT"},
		{"wrapped transient", fmt.Errorf("forward: %w", ErrTransient), "TRANSIENT"},
		{"unknown", errors.New("boom"), "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{200, nil},
		{201, nil},
		{204, nil},
		{401, ErrAuth},
		{403, ErrAuth},
		{408, ErrTransient},
		{429, ErrTransient},
		{500, ErrTransient},
		{502, ErrTransient},
		{503, ErrTransient},
		{400, ErrInternal},
		{404, ErrInternal},
		{422, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			got := ClassifyStatus(tt.status)
			if tt.want == nil {
				assert.NoError(t, got)
			} else {
				assert.ErrorIs(t, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransient))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", ErrTransient)))
	assert.False(t, IsRetryable(ErrAuth))
	assert.False(t, IsRetryable(ErrInternal))
	assert.False(t, IsRetryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrInvalidRequest))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("lookup: %w", ErrNotFound)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrInternal))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
