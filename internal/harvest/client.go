package harvest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"snapr-harvest/internal/components/telemetry"
	"snapr-harvest/internal/sink"
	"snapr-harvest/lib/acn"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://snapr-service.bis.gov/api/workItems/stela"
	DefaultUserID  = "199785"
)

const (
	report_client_fetch = "client.fetch"
)

var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
}

var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type OutcomeKind int

const (
	// OutcomeRecord is a successfully decoded work item.
	OutcomeRecord OutcomeKind = iota
	// OutcomeNotFound means the identifier space is exhausted.
	OutcomeNotFound
	// OutcomeUnauthorized means the credential has expired.
	OutcomeUnauthorized
	// OutcomeStub is a non-fatal failure, the record only carries the identifier and
	// what went wrong.
	OutcomeStub
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecord:
		return "record"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeStub:
		return "stub"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

type Outcome struct {
	Kind   OutcomeKind
	Status int
	Record sink.Record
}

func stubOutcome(id acn.ID, status int, msg string) Outcome {
	return Outcome{
		Kind:   OutcomeStub,
		Status: status,
		Record: sink.Record{
			"acn":   id.String(),
			"error": msg,
		},
	}
}

type ClientOptions struct {
	BaseURL string
	UserID  string
	Timeout time.Duration

	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	RetryStatuses []int

	// RateLimit is the maximum amount of requests per second, 0 disables it.
	RateLimit        float64
	CloudflareBypass bool
	UserAgents       []string
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.UserID == "" {
		o.UserID = DefaultUserID
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second * 10
	}
	if o.RetryWait <= 0 {
		o.RetryWait = time.Second
	}
	if o.RetryMaxWait <= 0 {
		o.RetryMaxWait = time.Second * 8
	}
	if o.RetryStatuses == nil {
		o.RetryStatuses = DefaultRetryStatuses
	}
	if len(o.UserAgents) == 0 {
		o.UserAgents = DefaultUserAgents
	}
	return o
}

// Client fetches single work items from the SNAP-R API.
type Client struct {
	http       *resty.Client
	userAgents []string
	tel        telemetry.API
}

func NewClient(opts ClientOptions, tel telemetry.API) *Client {
	opts = opts.withDefaults()
	tel = telemetry.NewScopedAPI("snapr_client", tel)

	httpClient := resty.New()
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetBaseURL(opts.BaseURL)
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	httpClient.SetHeaders(map[string]string{
		"accept":             "*/*",
		"accept-language":    "en-US,en;q=0.9",
		"origin":             "https://snapr.bis.gov",
		"referer":            "https://snapr.bis.gov/",
		"sec-ch-ua":          `"Chromium";v="134", "Not:A-Brand";v="24", "Google Chrome";v="134"`,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": `"macOS"`,
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "same-site",
		"x-user":             opts.UserID,
	})

	retryStatuses := make(map[int]bool, len(opts.RetryStatuses))
	for _, s := range opts.RetryStatuses {
		retryStatuses[s] = true
	}
	httpClient.
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(func(res *resty.Response, err error) bool {
			if err != nil {
				// cancellation is not transient
				return res != nil && res.Request.Context().Err() == nil
			}
			return retryStatuses[res.StatusCode()]
		})

	if opts.RateLimit > 0 {
		// burst of 1, requests are sequential anyways
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{
		http:       httpClient,
		userAgents: opts.UserAgents,
		tel:        tel,
	}
}

func (c *Client) userAgent() string {
	return c.userAgents[rand.Intn(len(c.userAgents))]
}

// Fetch requests a single identifier. The only error it returns is the context's, every
// other failure is folded into the Outcome.
func (c *Client) Fetch(ctx context.Context, id acn.ID, token string) (Outcome, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("acn", id.String()).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("user-agent", c.userAgent()).
		Get("/{acn}")
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if err != nil {
		c.tel.ReportWarning(report_client_fetch, fmt.Errorf("request %s: %w", id, err))
		return stubOutcome(id, 0, fmt.Sprintf("request error: %v", err)), nil
	}

	status := res.StatusCode()
	switch {
	case status == http.StatusNotFound:
		c.tel.ReportInfo("work item not found", "acn", id.String())
		return Outcome{Kind: OutcomeNotFound, Status: status}, nil
	case status == http.StatusUnauthorized:
		c.tel.ReportWarning(report_client_fetch, fmt.Sprintf("unauthorized (401) for %s, token may have expired", id))
		return Outcome{Kind: OutcomeUnauthorized, Status: status}, nil
	case status < 200 || status >= 300:
		body := telemetry.Truncate(string(res.Body()), 200)
		c.tel.ReportWarning(report_client_fetch, fmt.Errorf("http error for %s: status %d", id, status), body)
		return stubOutcome(id, status, fmt.Sprintf("status %d: %s", status, body)), nil
	}

	record, err := sink.DecodeRecord(res.Body())
	if err != nil {
		if errors.Is(err, sink.ErrNotObject) {
			err = fmt.Errorf("%w: %s", err, telemetry.Truncate(string(res.Body()), 200))
		}
		c.tel.ReportWarning(report_client_fetch, fmt.Errorf("decode %s: %w", id, err))
		return stubOutcome(id, status, fmt.Sprintf("decode json: %v", err)), nil
	}
	c.tel.ReportDebug("fetched work item", id.String(), len(record))
	return Outcome{Kind: OutcomeRecord, Status: status, Record: record}, nil
}
