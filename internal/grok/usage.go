package grok

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"grok2api-go/internal/monitoring/tracing"
)

const (
	// DefaultBaseURL is the upstream origin.
	DefaultBaseURL = "https://grok.com"
	// DefaultUsageModel is the model the rate-limit endpoint is queried for.
	DefaultUsageModel = "grok-4-1-thinking-1129"
	// DefaultTimeout bounds a single usage request.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxConcurrent caps in-flight usage queries per process.
	DefaultMaxConcurrent = 25

	limitsPath = "/rest/rate-limits"
	userAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"
)

// UpstreamError is a non-2xx answer from the upstream API.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// StatusCode reports the upstream HTTP status.
func (e *UpstreamError) StatusCode() int { return e.Status }

// UsageOptions parameterizes the usage client.
type UsageOptions struct {
	BaseURL        string
	ProxyURL       string
	CFClearance    string
	DynamicStatsig bool
	Timeout        time.Duration
	MaxConcurrent  int64
}

// UsageClient queries the upstream rate-limit endpoint for the remaining
// quota of a credential. It satisfies token.UsageQuerier.
type UsageClient struct {
	cli            *http.Client
	sem            *semaphore.Weighted
	baseURL        string
	cfClearance    string
	dynamicStatsig bool
}

// NewUsageClient builds a usage client with pooled transport and an in-process
// concurrency cap.
func NewUsageClient(opts UsageOptions) *UsageClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	tr := &http.Transport{
		Proxy: getProxyFunc(opts.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 25,
		IdleConnTimeout:     90 * time.Second,
	}

	return &UsageClient{
		cli:            &http.Client{Transport: tr, Timeout: opts.Timeout},
		sem:            semaphore.NewWeighted(opts.MaxConcurrent),
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		cfClearance:    opts.CFClearance,
		dynamicStatsig: opts.DynamicStatsig,
	}
}

// getProxyFunc returns appropriate proxy function based on configuration
func getProxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsedURL, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsedURL)
		}
	}
	return http.ProxyFromEnvironment
}

// QueryRemaining asks the upstream how many quota points the credential has
// left for the given model. An empty model falls back to DefaultUsageModel.
func (u *UsageClient) QueryRemaining(ctx context.Context, secret, model string) (int, error) {
	if model == "" {
		model = DefaultUsageModel
	}

	if err := u.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer u.sem.Release(1)

	spanCtx, span := tracing.StartSpan(ctx, "grok", "Usage.QueryRemaining",
		trace.WithAttributes(tracing.ModelAttr(model)))
	defer span.End()
	ctx = spanCtx

	payload, _ := sjson.SetBytes([]byte(`{"requestKind":"DEFAULT"}`), "modelName", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+limitsPath,
		strings.NewReader(string(payload)))
	if err != nil {
		return 0, err
	}
	u.setHeaders(req, secret)

	resp, err := u.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		uerr := &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		span.SetStatus(codes.Error, fmt.Sprintf("http_status=%d", resp.StatusCode))
		log.Warnf("grok usage: query failed with status %d", resp.StatusCode)
		return 0, uerr
	}

	remaining := int(gjson.GetBytes(body, "remainingTokens").Int())
	log.Debugf("grok usage: %d quota remaining for model %s", remaining, model)
	span.SetStatus(codes.Ok, "")
	return remaining, nil
}

func (u *UsageClient) setHeaders(req *http.Request, secret string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://grok.com")
	req.Header.Set("Referer", "https://grok.com/")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-statsig-id", GenStatsigID(u.dynamicStatsig))
	req.Header.Set("x-xai-request-id", uuid.NewString())

	secret = strings.TrimPrefix(secret, "sso=")
	cookie := "sso=" + secret
	if u.cfClearance != "" {
		cookie += ";cf_clearance=" + u.cfClearance
	}
	req.Header.Set("Cookie", cookie)
}
