package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couriermq/courier/pkg/breaker"
	"github.com/couriermq/courier/pkg/credentials"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/processor"
	"github.com/couriermq/courier/pkg/sink"
	"github.com/couriermq/courier/pkg/types"
)

func pipelineConfig(partnerID, apiURL string) types.PartnerConfig {
	cfg := types.DefaultPartnerConfig().WithPartnerID(partnerID)
	cfg.APIEndpoint = apiURL
	cfg.CoreWorkers = 2
	cfg.MaxWorkers = 2
	cfg.QueueCapacity = 10
	cfg.MaxAttempts = 1
	cfg.MinCallsBeforeEval = 4
	cfg.SlidingWindowSize = 10
	return cfg
}

func newTestPipeline() (*Pipeline, *pool.Registry, *breaker.Registry) {
	pools := pool.NewRegistry()
	breakers := breaker.NewRegistry()
	proc := processor.New(credentials.NewCache(nil), sink.NewMemoryRecorder(64), nil, nil)
	return NewPipeline(pools, breakers, proc), pools, breakers
}

func TestDispatchForwardsMessage(t *testing.T) {
	var calls atomic.Int64
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	pl, pools, _ := newTestPipeline()
	defer pools.ShutdownAll(context.Background(), false)
	cfg := pipelineConfig("acme", api.URL)

	fut, err := pl.Dispatch(context.Background(), cfg, processor.Message{
		ID: "m-1", PartnerID: "acme", Body: []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, fut.Wait(context.Background()))
	assert.Equal(t, int64(1), calls.Load())
}

func TestDispatchIsolatesFailingPartner(t *testing.T) {
	var healthyCalls atomic.Int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	pl, pools, breakers := newTestPipeline()
	defer pools.ShutdownAll(context.Background(), false)

	good := pipelineConfig("good", healthy.URL)
	bad := pipelineConfig("bad", broken.URL)

	// Enough failures to trip the bad partner's breaker.
	for i := 0; i < 6; i++ {
		fut, err := pl.Dispatch(context.Background(), bad, processor.Message{
			PartnerID: "bad", Body: []byte(`{}`),
		})
		require.NoError(t, err)
		fut.Wait(context.Background())
	}
	assert.False(t, breakers.IsHealthy("bad"))

	// The healthy partner's traffic flows untouched.
	for i := 0; i < 5; i++ {
		fut, err := pl.Dispatch(context.Background(), good, processor.Message{
			PartnerID: "good", Body: []byte(`{}`),
		})
		require.NoError(t, err)
		require.NoError(t, fut.Wait(context.Background()))
	}
	assert.Equal(t, int64(5), healthyCalls.Load())
	assert.True(t, breakers.IsHealthy("good"))
}

func TestDispatchOpenBreakerSkipsProcessing(t *testing.T) {
	var calls atomic.Int64
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	pl, pools, breakers := newTestPipeline()
	defer pools.ShutdownAll(context.Background(), false)
	cfg := pipelineConfig("acme", api.URL)

	breakers.GetOrCreate(cfg).ForceOpen()

	fut, err := pl.Dispatch(context.Background(), cfg, processor.Message{
		PartnerID: "acme", Body: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, fut.Wait(context.Background()), types.ErrBreakerOpen)
	assert.Equal(t, int64(0), calls.Load())

	// The refusal resolved before the pool ever saw the message; no pool was
	// created and nothing was counted as completed work.
	_, err = pools.Stats("acme")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDispatchAfterPoolShutdown(t *testing.T) {
	_, pools, _ := newTestPipeline()
	cfg := pipelineConfig("acme", "http://api.test")

	pools.GetOrCreate(cfg)
	require.NoError(t, pools.Shutdown(context.Background(), "acme", true))

	// The registry recreates a pool on the next dispatch; shut the old one
	// down directly to exercise the rejection path.
	p := pool.New(cfg)
	require.NoError(t, p.Shutdown(context.Background(), true))
	_, err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, types.ErrShuttingDown)
}

func TestMessageFromDelivery(t *testing.T) {
	d := amqp.Delivery{
		MessageId:   "m-7",
		ContentType: "application/json",
		Body:        []byte(`{"k":"v"}`),
		Headers: amqp.Table{
			"X-Trace":       "t-9",
			"ignored-int":   int32(5),
			"CBUSINESSUNIT": "other",
		},
	}

	msg := messageFromDelivery("acme", d)
	assert.Equal(t, "m-7", msg.ID)
	assert.Equal(t, "acme", msg.PartnerID)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, []byte(`{"k":"v"}`), msg.Body)
	assert.Equal(t, "t-9", msg.Headers["X-Trace"])
	// Non-string headers are dropped, the partner header passes through.
	assert.NotContains(t, msg.Headers, "ignored-int")
	assert.Equal(t, "other", msg.Headers["CBUSINESSUNIT"])
	assert.WithinDuration(t, time.Now(), msg.Received, time.Second)
}
