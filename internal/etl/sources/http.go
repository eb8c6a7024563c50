package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usermetrics/internal/etl"
	"usermetrics/internal/metrics"
)

// Error is the class of transient fetch failures. They are logged and
// never returned from FetchAll.
var Error = errs.Class("fetch")

// DefaultUserAgent identifies the client to the persons API.
const DefaultUserAgent = "faker-api-client/1.0"

// ── HTTP Source ─────────────────────────────────────────────
// Fetches synthetic person records from a REST endpoint in fixed-size
// batches, one worker per category.

// HTTPConfig configures the persons HTTP source.
type HTTPConfig struct {
	BaseURL       string
	BirthdayStart string // date floor sent as _birthday_start
	UserAgent     string
	Timeout       time.Duration // per request
	MaxRetries    int           // total attempts per batch
	RetryDelay    time.Duration // base of the exponential backoff
}

// HTTPSource fetches batches over HTTP with bounded retries.
type HTTPSource struct {
	log    *zap.Logger
	config HTTPConfig
	client *retryablehttp.Client
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(log *zap.Logger, config HTTPConfig) *HTTPSource {
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = config.Timeout
	client.RetryMax = config.MaxRetries - 1
	client.RetryWaitMin = config.RetryDelay
	client.Backoff = ExponentialBackoff
	client.CheckRetry = checkRetry
	client.Logger = leveledLogger{log.Sugar()}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		category := req.URL.Query().Get("_gender")
		metrics.CounterFetchAttempts.WithLabelValues(category).Inc()
		if attempt > 0 {
			log.Warn("retrying batch",
				zap.String("category", category),
				zap.Int("attempt", attempt+1),
				zap.Int("maxAttempts", config.MaxRetries))
		}
	}
	client.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			err = Error.New("unexpected status %s", resp.Status)
		}
		return nil, Error.New("giving up after %d attempt(s): %v", attempts, err)
	}

	return &HTTPSource{log: log, config: config, client: client}
}

// ExponentialBackoff waits base * 2^attempt. There is no cap and no jitter;
// the retry count is the only bound.
func ExponentialBackoff(base, _ time.Duration, attempt int, _ *http.Response) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}

// checkRetry retries everything except a 200 whose body decodes. The body
// is buffered so the caller can read it again.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return true, nil
	}
	if _, decodeErr := decodeRecords(body); decodeErr != nil {
		return true, nil
	}
	return false, nil
}

// FetchAll runs one worker per category. Batches of one category are
// fetched in order.
func (s *HTTPSource) FetchAll(ctx context.Context, plan etl.FetchPlan) []etl.Record {
	s.log.Info("starting fetch",
		zap.Strings("categories", plan.Categories),
		zap.Int("batches", plan.BatchesPerCategory),
		zap.Int("recordsPerBatch", plan.RecordsPerBatch))

	all := FetchPerCategory(ctx, s.log, plan.Categories, func(ctx context.Context, category string) []etl.Record {
		return s.fetchCategory(ctx, category, plan)
	})
	s.log.Info("fetch complete", zap.Int("records", len(all)))
	return all
}

// CategoryFetcher fetches every record of one category.
type CategoryFetcher func(ctx context.Context, category string) []etl.Record

// FetchPerCategory runs fetch for each category in its own goroutine and
// concatenates the results in category order. A panicking worker loses
// its category only.
func FetchPerCategory(ctx context.Context, log *zap.Logger, categories []string, fetch CategoryFetcher) []etl.Record {
	results := make([][]etl.Record, len(categories))

	var g errgroup.Group
	g.SetLimit(max(len(categories), 1))
	for i, category := range categories {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = nil
					log.Error("fetch worker failed",
						zap.String("category", category),
						zap.Any("panic", r))
				}
			}()
			results[i] = fetch(ctx, category)
			return nil
		})
	}
	_ = g.Wait()

	var all []etl.Record
	for _, recs := range results {
		all = append(all, recs...)
	}
	return all
}

func (s *HTTPSource) fetchCategory(ctx context.Context, category string, plan etl.FetchPlan) []etl.Record {
	var out []etl.Record
	for batch := 0; batch < plan.BatchesPerCategory; batch++ {
		if ctx.Err() != nil {
			break
		}
		recs, err := s.FetchBatch(ctx, category, plan.RecordsPerBatch)
		if err != nil {
			metrics.CounterFetchFailures.WithLabelValues(category).Inc()
			s.log.Error("batch failed after retries",
				zap.String("category", category),
				zap.Int("batch", batch+1),
				zap.Error(err))
			continue
		}
		metrics.CounterRecordsFetched.WithLabelValues(category).Add(float64(len(recs)))
		s.log.Debug("batch fetched",
			zap.String("category", category),
			zap.Int("batch", batch+1),
			zap.Int("records", len(recs)))
		out = append(out, recs...)
	}
	return out
}

// FetchBatch requests count records of one category. The error is non-nil
// only once every attempt has failed.
func (s *HTTPSource) FetchBatch(ctx context.Context, category string, count int) ([]etl.Record, error) {
	u, err := url.Parse(s.config.BaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	q := u.Query()
	q.Set("_quantity", strconv.Itoa(count))
	q.Set("_gender", category)
	if s.config.BirthdayStart != "" {
		q.Set("_birthday_start", s.config.BirthdayStart)
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return decodeRecords(body)
}

// ── Decoding ────────────────────────────────────────────────

// decodeRecords accepts the {"data": [...]} envelope or a bare array.
// An envelope without data is an empty batch.
func decodeRecords(body []byte) ([]etl.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, Error.New("parse json: %v", err)
		}
		return toRecords(items), nil
	}

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, Error.New("parse json: %v", err)
	}
	return toRecords(envelope.Data), nil
}

func toRecords(items []map[string]any) []etl.Record {
	records := make([]etl.Record, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, etl.Record{Data: item})
	}
	return records
}

// leveledLogger routes retryablehttp's own logging through zap.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
