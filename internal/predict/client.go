// Package predict resolves a country of origin and confidence for a name by
// calling an external nationality prediction service.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/resilience"
)

// Prediction is a validated enrichment result.
type Prediction struct {
	Country     string  `json:"country"`
	Probability float64 `json:"probability"`
}

// Options configures the prediction client.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	RatePerSec     float64
}

// Client calls the prediction service with rate limiting and retry on
// transient failures. Safe for concurrent use by the ingestion worker pool.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCfg   resilience.RetryConfig
}

// NewClient creates a prediction client with the given options.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.nationalize.io"
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	retryCfg := resilience.DefaultRetryConfig()
	if opts.MaxAttempts > 0 {
		retryCfg.MaxAttempts = opts.MaxAttempts
	}
	if opts.InitialBackoff > 0 {
		retryCfg.InitialBackoff = opts.InitialBackoff
	}
	retryCfg.OnRetry = resilience.RetryLogger("predict", "predict")

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(int(opts.RatePerSec), 1))
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    opts.BaseURL,
		limiter:    limiter,
		retryCfg:   retryCfg,
	}
}

// apiResponse is the wire shape of the prediction service: a list of country
// candidates ordered by the service, each with a country code and probability.
type apiResponse struct {
	Name    string `json:"name"`
	Country []struct {
		CountryID   string  `json:"country_id"`
		Probability float64 `json:"probability"`
	} `json:"country"`
}

// Predict resolves the most likely country for the given display name.
// Transient upstream failures (429, 5xx, timeouts) are retried with backoff;
// other 4xx and malformed responses fail immediately as permanent.
func (c *Client) Predict(ctx context.Context, name string) (*Prediction, error) {
	return resilience.DoVal(ctx, c.retryCfg, func(ctx context.Context) (*Prediction, error) {
		return c.predictOnce(ctx, name)
	})
}

func (c *Client) predictOnce(ctx context.Context, name string) (*Prediction, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "predict: rate limit")
		}
	}

	reqURL := fmt.Sprintf("%s/?name=%s", c.baseURL, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "predict: create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "predict: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("predict: http %d for %q", resp.StatusCode, name)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(err, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "predict: read body"), 0)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "predict: decode response"), resp.StatusCode)
	}

	return validate(parsed, name)
}

// validate picks the highest-probability candidate and rejects responses the
// pipeline cannot trust: empty candidate lists, empty country codes, and
// probabilities outside [0,1].
func validate(parsed apiResponse, name string) (*Prediction, error) {
	if len(parsed.Country) == 0 {
		return nil, resilience.NewPermanentError(eris.Errorf("predict: no candidates for %q", name), 0)
	}

	best := parsed.Country[0]
	for _, cand := range parsed.Country[1:] {
		if cand.Probability > best.Probability {
			best = cand
		}
	}

	if best.CountryID == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("predict: empty country for %q", name), 0)
	}
	if best.Probability < 0 || best.Probability > 1 {
		return nil, resilience.NewPermanentError(
			eris.Errorf("predict: probability %f out of range for %q", best.Probability, name), 0)
	}

	return &Prediction{Country: best.CountryID, Probability: best.Probability}, nil
}
