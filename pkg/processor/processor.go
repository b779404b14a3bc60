package processor

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/credentials"
	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/sink"
	"github.com/couriermq/courier/pkg/types"
)

// PartnerHeader carries the partner id on every forwarded request. Partner
// APIs route on it; the name must not change.
const PartnerHeader = "CBUSINESSUNIT"

// Message is one unit of work pulled from a partner queue.
type Message struct {
	ID          string
	PartnerID   string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Received    time.Time
}

// execution carries per-message state across stages.
type execution struct {
	cfg      types.PartnerConfig
	msg      Message
	token    string
	request  func(ctx context.Context) (*http.Request, error)
	attempts int
}

// Stage is one named step of the pipeline. Stages run in order; the first
// error stops the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, ex *execution) error
}

// HeaderDecryptor transforms message headers before authentication, for
// deployments where producers encrypt sensitive header values. The returned
// map replaces the message's headers.
type HeaderDecryptor func(ctx context.Context, headers map[string]string) (map[string]string, error)

// Processor runs messages through validation, header decryption,
// authentication, request preparation, and the forward call with the
// partner's retry policy, then records the terminal outcome.
type Processor struct {
	creds     *credentials.Cache
	recorder  sink.Recorder
	client    *http.Client
	decryptor HeaderDecryptor
	logger    zerolog.Logger
	stages    []Stage
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a processor. A nil client falls back to http.DefaultClient, a
// nil recorder to the nop recorder, and a nil decryptor passes headers
// through unchanged.
func New(creds *credentials.Cache, recorder sink.Recorder, client *http.Client, decryptor HeaderDecryptor) *Processor {
	if client == nil {
		client = http.DefaultClient
	}
	if recorder == nil {
		recorder = sink.NopRecorder{}
	}
	if decryptor == nil {
		decryptor = func(ctx context.Context, headers map[string]string) (map[string]string, error) {
			return headers, nil
		}
	}
	p := &Processor{
		creds:     creds,
		recorder:  recorder,
		client:    client,
		decryptor: decryptor,
		logger:    log.WithComponent("processor"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	p.stages = []Stage{
		{Name: "validate", Run: p.validate},
		{Name: "decrypt", Run: p.decrypt},
		{Name: "authenticate", Run: p.authenticate},
		{Name: "prepare", Run: p.prepare},
		{Name: "forward", Run: p.forward},
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs msg through the pipeline under cfg and records the outcome.
// The returned error is terminal; retrying it is the broker's requeue
// decision, not the processor's.
func (p *Processor) Process(ctx context.Context, cfg types.PartnerConfig, msg Message) error {
	start := p.now()
	ex := &execution{cfg: cfg, msg: msg}

	var err error
	for _, stage := range p.stages {
		if err = stage.Run(ctx, ex); err != nil {
			err = fmt.Errorf("%s: %w", stage.Name, err)
			break
		}
	}

	p.record(ctx, ex, err)
	metrics.ForwardDuration.WithLabelValues(cfg.PartnerID).Observe(p.now().Sub(start).Seconds())
	return err
}

func (p *Processor) validate(ctx context.Context, ex *execution) error {
	if ex.msg.PartnerID == "" {
		return fmt.Errorf("message has no partner id: %w", types.ErrInvalidRequest)
	}
	if len(ex.msg.Body) == 0 {
		return fmt.Errorf("message body is empty: %w", types.ErrInvalidRequest)
	}
	if ex.cfg.APIEndpoint == "" {
		return fmt.Errorf("partner %s has no api endpoint: %w", ex.msg.PartnerID, types.ErrInvalidRequest)
	}
	if ex.msg.ID == "" {
		ex.msg.ID = uuid.NewString()
	}
	return nil
}

func (p *Processor) decrypt(ctx context.Context, ex *execution) error {
	headers, err := p.decryptor(ctx, ex.msg.Headers)
	if err != nil {
		return fmt.Errorf("decrypt headers: %w", err)
	}
	ex.msg.Headers = headers
	return nil
}

func (p *Processor) authenticate(ctx context.Context, ex *execution) error {
	if ex.cfg.AuthEndpoint == "" {
		return nil
	}
	token, err := p.creds.EnsureValid(ctx, ex.cfg)
	if err != nil {
		return err
	}
	ex.token = token
	return nil
}

func (p *Processor) prepare(ctx context.Context, ex *execution) error {
	// Captured as a builder: retries need a fresh request body reader and
	// possibly a refreshed token.
	ex.request = func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ex.cfg.APIEndpoint, bytes.NewReader(ex.msg.Body))
		if err != nil {
			return nil, fmt.Errorf("build forward request: %w", err)
		}
		contentType := ex.msg.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(PartnerHeader, ex.msg.PartnerID)
		for k, v := range ex.msg.Headers {
			req.Header.Set(k, v)
		}
		if ex.token != "" {
			name, value := p.creds.Header(ex.cfg, ex.token)
			req.Header.Set(name, value)
		}
		return req, nil
	}
	return nil
}

// forward delivers the message, retrying transient failures per the
// partner's policy. An auth failure invalidates the cached token and earns
// one extra attempt that does not count against the budget; a second auth
// failure is terminal.
func (p *Processor) forward(ctx context.Context, ex *execution) error {
	logger := log.WithPartnerID(p.logger, ex.msg.PartnerID).With().
		Str("message_id", ex.msg.ID).
		Logger()

	delay := ex.cfg.InitialDelay
	authRetried := false

	for attempt := 1; attempt <= ex.cfg.MaxAttempts; attempt++ {
		ex.attempts++
		err := p.attempt(ctx, ex)
		if err == nil {
			return nil
		}

		if types.IsRetryable(err) && attempt < ex.cfg.MaxAttempts {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("forward attempt failed, retrying")
			metrics.ForwardRetries.WithLabelValues(ex.msg.PartnerID).Inc()
			if serr := p.sleep(ctx, jitter(delay, ex.cfg.JitterFraction)); serr != nil {
				return fmt.Errorf("forward interrupted: %w", serr)
			}
			delay = time.Duration(float64(delay) * ex.cfg.BackoffMultiplier)
			continue
		}

		if isAuth(err) && !authRetried {
			authRetried = true
			p.creds.Invalidate(ex.msg.PartnerID)
			logger.Warn().Msg("credentials rejected, refreshing and retrying once")
			if aerr := p.authenticate(ctx, ex); aerr != nil {
				return aerr
			}
			attempt--
			continue
		}

		return err
	}
	return fmt.Errorf("exhausted %d attempts: %w", ex.cfg.MaxAttempts, types.ErrTransient)
}

func (p *Processor) attempt(ctx context.Context, ex *execution) error {
	callCtx, cancel := context.WithTimeout(ctx, ex.cfg.APITimeout)
	defer cancel()

	req, err := ex.request(callCtx)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call partner api: %w: %w", err, types.ErrTransient)
	}
	resp.Body.Close()

	if err := types.ClassifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("partner api returned %d: %w", resp.StatusCode, err)
	}
	return nil
}

// isAuth reports an auth failure from the forward call itself, not one
// already classified as transient.
func isAuth(err error) bool {
	return err != nil && types.ErrorKind(err) == "AUTH"
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func (p *Processor) record(ctx context.Context, ex *execution, err error) {
	outcome := types.Outcome{
		ID:         ex.msg.ID,
		TenantID:   ex.msg.PartnerID,
		RouteID:    types.RouteID(ex.msg.PartnerID),
		Result:     types.ResultSuccess,
		Attempts:   ex.attempts,
		Timestamp:  p.now(),
		WorkerName: pool.WorkerName(ctx),
	}
	result := "success"
	if err != nil {
		outcome.Result = types.ResultFailed
		outcome.ErrorKind = types.ErrorKind(err)
		outcome.ErrorMessage = err.Error()
		result = "failure"
	}

	p.recorder.Record(ctx, outcome)
	metrics.MessagesForwarded.WithLabelValues(ex.msg.PartnerID, result).Inc()
}
