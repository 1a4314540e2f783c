// Package salesforce provides JWT-authenticated REST API access to Salesforce.
package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/resilience"
)

// Client defines the Salesforce operations used by the sync job.
type Client interface {
	Query(ctx context.Context, soql string, out any) error

	// UpsertByExternalID creates or updates a record keyed by the given
	// external ID field. Salesforce guarantees idempotence per key, which is
	// what lets the sync job retry without duplicating records.
	UpsertByExternalID(ctx context.Context, sObjectName, externalIDField, externalID string, fields map[string]any) error
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit sets a per-second rate limit for SF API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// sfClient wraps the go-salesforce/v3 Salesforce struct.
//
// NOTE: The underlying go-salesforce/v3 library does not accept
// context.Context, so the ctx parameter only governs the rate limiter wait;
// callers can still cancel that.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient creates a new Salesforce Client wrapping the given go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sfClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}

func (c *sfClient) UpsertByExternalID(ctx context.Context, sObjectName, externalIDField, externalID string, fields map[string]any) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: marshal upsert %s", sObjectName))
	}

	path := fmt.Sprintf("/sobjects/%s/%s/%s",
		sObjectName, externalIDField, url.PathEscape(externalID))
	resp, err := c.sf.DoRequest(http.MethodPatch, path, body)
	if err != nil {
		// go-salesforce loses the typed error here; treat transport-level
		// failures as retryable so the sync job can try again next run.
		return resilience.NewTransientError(
			eris.Wrap(err, fmt.Sprintf("sf: upsert %s %s", sObjectName, externalID)), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	upsertErr := eris.Errorf("sf: upsert %s %s: http %d: %s",
		sObjectName, externalID, resp.StatusCode, string(msg))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(upsertErr, resp.StatusCode)
	}
	return resilience.NewPermanentError(upsertErr, resp.StatusCode)
}
