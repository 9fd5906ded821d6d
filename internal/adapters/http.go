package adapters

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"catalog-ingest/internal/budget"
	"catalog-ingest/internal/metrics"
)

// HTTPJSONAdapter expects a JSON API under MARKETPLACE_BASE_URL.
//
// Endpoints:
//
//	GET {base}/api/products?marketplace=..&ids=A,B   -> {"products":[...]} or [...]
//	GET {base}/api/sellers/{id}/catalog?marketplace=.. -> {"items":[...]} or [...]
//	GET {base}/api/tokens?requester=..                -> {"tokens_left":..,"tokens_max":..}
type HTTPJSONAdapter struct {
	baseURL   string
	apiKey    string
	userAgent string
	timeout   time.Duration
	retryMax  int
	throttle  time.Duration
	client    *fasthttp.Client
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

type HTTPJSONAdapterOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	// RPS caps outgoing requests per second; 0 means unlimited.
	RPS float64
	// RetryMax is the number of extra attempts after a throttled or 5xx answer.
	RetryMax int
	// FallbackThrottle is the pause used when a throttled answer has no Retry-After.
	FallbackThrottle time.Duration
	Metrics          *metrics.Metrics
}

func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "catalog-ingest/1.0"
	}
	throttle := opts.FallbackThrottle
	if throttle <= 0 {
		throttle = time.Second
	}
	a := &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    strings.TrimSpace(opts.APIKey),
		userAgent: ua,
		timeout:   to,
		retryMax:  max(0, opts.RetryMax),
		throttle:  throttle,
		client: &fasthttp.Client{
			Name:                ua,
			ReadTimeout:         to,
			WriteTimeout:        to,
			MaxIdleConnDuration: 90 * time.Second,
		},
		metrics: opts.Metrics,
	}
	if opts.RPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(1, int(opts.RPS)))
	}
	return a, nil
}

func (a *HTTPJSONAdapter) FetchProducts(ctx context.Context, marketplace string, ids []string) ([]Product, FetchMeta, error) {
	start := time.Now()
	if len(ids) == 0 {
		return nil, FetchMeta{Latency: time.Since(start)}, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{
			Kind: KindRequest,
			Err:  fmt.Errorf("%d ids in one request, max %d", len(ids), MaxIDsPerRequest),
		}
	}

	q := url.Values{}
	q.Set("marketplace", marketplace)
	q.Set("ids", strings.Join(ids, ","))
	body, status, err := a.doGET(ctx, a.baseURL+"/api/products?"+q.Encode())
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return nil, meta, err
	}
	products, err := a.ParsePayload(body)
	if err != nil {
		return nil, meta, err
	}
	return withMarketplace(products, marketplace), meta, nil
}

func (a *HTTPJSONAdapter) SellerCatalog(ctx context.Context, marketplace, sellerExternalID string) ([]string, FetchMeta, error) {
	start := time.Now()
	id := strings.TrimSpace(sellerExternalID)
	if id == "" {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{Kind: KindRequest, Err: errors.New("seller id is required")}
	}

	q := url.Values{}
	q.Set("marketplace", marketplace)
	u := a.baseURL + "/api/sellers/" + url.PathEscape(id) + "/catalog?" + q.Encode()
	body, status, err := a.doGET(ctx, u)
	meta := FetchMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return nil, meta, err
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, meta, nil
	}
	var arr []string
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, meta, malformed("catalog payload parse: %v", err)
	}
	return arr, meta, nil
}

// Snapshot reads the shared token bucket as seen by requester.
func (a *HTTPJSONAdapter) Snapshot(ctx context.Context, requester string) (budget.Snapshot, error) {
	q := url.Values{}
	if requester != "" {
		q.Set("requester", requester)
	}
	body, _, err := a.doGET(ctx, a.baseURL+"/api/tokens?"+q.Encode())
	if err != nil {
		return budget.Snapshot{}, err
	}
	return parseTokenStatus(body)
}

func (a *HTTPJSONAdapter) ParsePayload(raw []byte) ([]Product, error) {
	var wrapped struct {
		Products []Product `json:"products"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Products != nil {
		return normalizeProducts(wrapped.Products)
	}
	var arr []Product
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, malformed("product payload parse: %v", err)
	}
	return normalizeProducts(arr)
}

func parseTokenStatus(raw []byte) (budget.Snapshot, error) {
	left, err := jsonparser.GetInt(raw, "tokens_left")
	if err != nil {
		return budget.Snapshot{}, malformed("token status: tokens_left: %v", err)
	}
	total, err := jsonparser.GetInt(raw, "tokens_max")
	if err != nil {
		return budget.Snapshot{}, malformed("token status: tokens_max: %v", err)
	}
	s := budget.Snapshot{Available: int(left), Max: int(total)}
	if v, err := jsonparser.GetInt(raw, "refill_per_minute"); err == nil {
		s.RegenPerMinute = int(v)
	}
	if v, err := jsonparser.GetInt(raw, "recent_consumption"); err == nil {
		s.RecentConsumption = int(v)
	}
	return s, nil
}

// doGET issues one GET with pacing and bounded retries on throttled or 5xx
// answers. Non-2xx results come back as *FetchError.
func (a *HTTPJSONAdapter) doGET(ctx context.Context, u string) ([]byte, int, error) {
	var lastErr error
	var lastCode int

	for attempt := 0; attempt <= a.retryMax; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, 0, &FetchError{Kind: KindTimeout, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, &FetchError{Kind: KindTimeout, Err: err}
		}

		body, code, retryAfter, err := a.once(ctx, u)
		if err == nil {
			return body, code, nil
		}
		lastErr, lastCode = err, code

		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Transient() || attempt == a.retryMax {
			break
		}
		wait := retryAfter
		if wait <= 0 {
			wait = a.throttle
		}
		// Quadratic-ish backoff with small jitter.
		wait += time.Duration(attempt*attempt)*250*time.Millisecond + time.Duration(rand.Intn(151))*time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, lastCode, &FetchError{Kind: KindTimeout, StatusCode: lastCode, Err: ctx.Err()}
		}
	}
	return nil, lastCode, lastErr
}

func (a *HTTPJSONAdapter) once(ctx context.Context, u string) ([]byte, int, time.Duration, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	req.Header.SetUserAgent(a.userAgent)
	if a.apiKey != "" {
		req.Header.Set("X-Api-Key", a.apiKey)
	}

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := a.client.DoDeadline(req, resp, deadline)
	if err != nil {
		a.metrics.RecordRequest(0, time.Since(start))
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, 0, 0, &FetchError{Kind: KindTimeout, Err: err}
		}
		return nil, 0, 0, &FetchError{Kind: KindNetwork, Err: err}
	}

	code := resp.StatusCode()
	a.metrics.RecordRequest(code, time.Since(start))
	if code < 200 || code >= 300 {
		return nil, code, parseRetryAfter(resp.Header.Peek("Retry-After")), &FetchError{Kind: KindForStatus(code), StatusCode: code}
	}
	return append([]byte(nil), resp.Body()...), code, 0, nil
}

func parseRetryAfter(v []byte) time.Duration {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, s); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
