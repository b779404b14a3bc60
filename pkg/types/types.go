package types

import (
	"time"
)

// Priority indicates a partner's relative importance. It is informational
// only and never affects scheduling.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// DefaultPartnerID is the fallback configuration profile used for partners
// with no document in the config store.
const DefaultPartnerID = "DEFAULT"

// ContentType selects the token request body encoding.
type ContentType string

const (
	ContentTypeJSON ContentType = "json"
	ContentTypeForm ContentType = "form"
)

// ReturnType selects the token response parsing.
type ReturnType string

const (
	ReturnTypeJSON ReturnType = "json"
	ReturnTypeXML  ReturnType = "xml"
)

// AuthBody describes the OAuth-style token exchange for a partner.
type AuthBody struct {
	GrantType    string      `json:"grantType" bson:"grantType"`
	ClientID     string      `json:"clientId" bson:"clientId"`
	ClientSecret string      `json:"clientSecret" bson:"clientSecret"`
	Scope        string      `json:"scope,omitempty" bson:"scope,omitempty"`
	ContentType  ContentType `json:"contentType" bson:"contentType" validate:"omitempty,oneof=json form"`
	ReturnType   ReturnType  `json:"returnType" bson:"returnType" validate:"omitempty,oneof=json xml"`
	TokenKeyPath string      `json:"tokenKeyPath" bson:"tokenKeyPath"`
	HeaderName   string      `json:"headerName" bson:"headerName"`
	HeaderPrefix string      `json:"headerPrefix" bson:"headerPrefix"`
}

// PartnerConfig is the full per-partner configuration. Values are immutable
// once installed; updates replace the whole document and bump Version.
type PartnerConfig struct {
	PartnerID string `json:"partnerId" bson:"partnerId" validate:"required"`
	Version   int64  `json:"version" bson:"version"`

	// Pool settings
	CoreWorkers   int           `json:"coreWorkers" bson:"coreWorkers" validate:"gt=0"`
	MaxWorkers    int           `json:"maxWorkers" bson:"maxWorkers" validate:"gtefield=CoreWorkers"`
	QueueCapacity int           `json:"queueCapacity" bson:"queueCapacity" validate:"gt=0"`
	IdleKeepAlive time.Duration `json:"idleKeepAlive" bson:"idleKeepAlive"`

	// Circuit breaker settings
	FailureRateThresholdPct float64       `json:"failureRateThresholdPct" bson:"failureRateThresholdPct" validate:"gt=0,lte=100"`
	MinCallsBeforeEval      int           `json:"minCallsBeforeEval" bson:"minCallsBeforeEval" validate:"gt=0"`
	OpenStateDuration       time.Duration `json:"openStateDuration" bson:"openStateDuration" validate:"gt=0"`
	SlidingWindowSize       int           `json:"slidingWindowSize" bson:"slidingWindowSize" validate:"gt=0"`
	HalfOpenProbeCount      int           `json:"halfOpenProbeCount" bson:"halfOpenProbeCount" validate:"gt=0"`

	// Retry settings
	MaxAttempts       int           `json:"maxAttempts" bson:"maxAttempts" validate:"gte=1"`
	InitialDelay      time.Duration `json:"initialDelay" bson:"initialDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" bson:"backoffMultiplier" validate:"gte=1"`
	JitterFraction    float64       `json:"jitterFraction" bson:"jitterFraction" validate:"gte=0,lte=1"`

	// Authentication settings
	TokenLifetime time.Duration `json:"tokenLifetime" bson:"tokenLifetime"`
	AuthEndpoint  string        `json:"authEndpoint" bson:"authEndpoint"`
	AuthMethod    string        `json:"authMethod" bson:"authMethod"`
	AuthBody      AuthBody      `json:"authBody" bson:"authBody"`

	// Forwarding settings
	APIEndpoint        string        `json:"apiEndpoint" bson:"apiEndpoint"`
	APITimeout         time.Duration `json:"apiTimeout" bson:"apiTimeout" validate:"gt=0"`
	MaxConcurrentCalls int           `json:"maxConcurrentCalls" bson:"maxConcurrentCalls"`

	Priority Priority `json:"priority" bson:"priority"`

	// Operational passthrough settings
	HealthCheckEnabled         bool `json:"healthCheckEnabled" bson:"healthCheckEnabled"`
	HealthCheckIntervalSeconds int  `json:"healthCheckIntervalSeconds" bson:"healthCheckIntervalSeconds"`
	MetricsEnabled             bool `json:"metricsEnabled" bson:"metricsEnabled"`
	AlertingEnabled            bool `json:"alertingEnabled" bson:"alertingEnabled"`
}

// QueueName returns the partner's dedicated broker queue name. The format is
// relied upon by external broker provisioning and must not change.
func (c PartnerConfig) QueueName() string {
	return "partner." + c.PartnerID + ".queue"
}

// RouteID returns the ingest route identifier for a partner. Externalized for
// operator visibility; the format must not change.
func RouteID(partnerID string) string {
	return "Partner:" + partnerID + ":Main"
}

// DefaultPartnerConfig returns the fallback profile applied to partners with
// no configuration document of their own.
func DefaultPartnerConfig() PartnerConfig {
	return PartnerConfig{
		PartnerID:               DefaultPartnerID,
		CoreWorkers:             5,
		MaxWorkers:              20,
		QueueCapacity:           1000,
		IdleKeepAlive:           60 * time.Second,
		FailureRateThresholdPct: 50.0,
		MinCallsBeforeEval:      10,
		OpenStateDuration:       30 * time.Second,
		SlidingWindowSize:       20,
		HalfOpenProbeCount:      3,
		MaxAttempts:             3,
		InitialDelay:            time.Second,
		BackoffMultiplier:       1.5,
		JitterFraction:          0.1,
		TokenLifetime:           15 * time.Minute,
		AuthMethod:              "POST",
		APITimeout:              15 * time.Second,
		MaxConcurrentCalls:      25,
		Priority:                PriorityLow,
		HealthCheckEnabled:      true,
		MetricsEnabled:          true,
		AlertingEnabled:         true,
	}
}

// WithPartnerID returns a copy of the config re-keyed to partnerID. Used when
// the DEFAULT profile is instantiated for an unknown partner.
func (c PartnerConfig) WithPartnerID(partnerID string) PartnerConfig {
	c.PartnerID = partnerID
	return c
}

// PoolStats is a point-in-time snapshot of one partner's worker pool.
type PoolStats struct {
	PartnerID       string `json:"partnerId"`
	ActiveCount     int    `json:"activeCount"`
	PoolSize        int    `json:"poolSize"`
	CorePoolSize    int    `json:"corePoolSize"`
	MaximumPoolSize int    `json:"maximumPoolSize"`
	QueueDepth      int    `json:"queueDepth"`
	CompletedCount  int64  `json:"completedCount"`
	ShuttingDown    bool   `json:"shuttingDown"`
}

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStats is a point-in-time snapshot of one partner's circuit breaker.
type BreakerStats struct {
	PartnerID                 string       `json:"partnerId"`
	State                     BreakerState `json:"state"`
	FailureRate               float64      `json:"failureRate"`
	NumberOfCalls             int          `json:"numberOfCalls"`
	NumberOfSuccessfulCalls   int          `json:"numberOfSuccessfulCalls"`
	NumberOfFailedCalls       int          `json:"numberOfFailedCalls"`
	NumberOfNotPermittedCalls int64        `json:"numberOfNotPermittedCalls"`
}

// CacheStats summarizes the credential cache for monitoring.
type CacheStats struct {
	CachedTokens    int   `json:"cachedTokens"`
	RefreshCount    int64 `json:"refreshCount"`
	RefreshFailures int64 `json:"refreshFailures"`
}

// Result is the terminal outcome of one message's pipeline run.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailed  Result = "FAILED"
)

// Outcome is the record appended to the outcome sink after each message.
// Field casing matches the documents existing dashboards index.
type Outcome struct {
	ID           string    `json:"id" bson:"id"`
	TenantID     string    `json:"tenantId" bson:"tenantId"`
	RouteID      string    `json:"routeId" bson:"routeId"`
	Result       Result    `json:"result" bson:"result"`
	Attempts     int       `json:"attempts" bson:"attempts"`
	ErrorKind    string    `json:"errorKind,omitempty" bson:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
	WorkerName   string    `json:"workerName" bson:"workerName"`
}

// ChangeType enumerates configuration change notifications.
type ChangeType string

const (
	ChangeCreated ChangeType = "CREATED"
	ChangeUpdated ChangeType = "UPDATED"
	ChangeDeleted ChangeType = "DELETED"
)

// Notification is the webhook payload announcing a config store change.
type Notification struct {
	PartnerID  string            `json:"partnerId" validate:"required"`
	ChangeType ChangeType        `json:"changeType" validate:"required,oneof=CREATED UPDATED DELETED"`
	Version    int64             `json:"version,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Source     string            `json:"source,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
