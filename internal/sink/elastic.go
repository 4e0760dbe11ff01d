package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

// retryMaxElapsed bounds how long a single Bulk call will keep retrying a
// transient failure before giving up and letting the caller dead-letter it.
const retryMaxElapsed = 30 * time.Second

// ElasticAdapter is a BulkIndexer backed by Elasticsearch's _bulk API.
type ElasticAdapter struct {
	client  *elasticsearch.Client
	metrics *observability.Metrics
}

// NewElasticAdapter builds an ElasticAdapter from addresses/credentials.
func NewElasticAdapter(addresses []string, username, password string, metrics *observability.Metrics) (*ElasticAdapter, error) {
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticAdapter{client: client, metrics: metrics}, nil
}

// Bulk encodes ops as newline-delimited _bulk actions and sends them with
// exponential backoff on transient transport/5xx failures.
func (a *ElasticAdapter) Bulk(ctx context.Context, index string, ops []Operation) error {
	if len(ops) == 0 {
		return nil
	}
	start := time.Now()
	ctx, span := observability.StartSinkSpan(ctx, index, len(ops))
	defer span.End()

	body, err := encodeBulkBody(index, ops)
	if err != nil {
		return fmt.Errorf("failed to encode bulk body for index %q: %w", index, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed

	var resp *bulkResponse
	retryErr := backoff.Retry(func() error {
		r, err := a.doBulk(ctx, body)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			if a.metrics != nil {
				a.metrics.RecordSinkRetry(index)
			}
			log.Warn().Err(err).Str("index", index).Msg("retrying bulk index request")
			return err
		}
		resp = r
		return nil
	}, bo)

	duration := time.Since(start)
	observability.SetBatchResult(ctx, duration, retryErr)
	if retryErr != nil {
		if a.metrics != nil {
			a.metrics.RecordSinkBulk(index, "error", duration)
		}
		return fmt.Errorf("bulk index request to %q failed: %w", index, retryErr)
	}

	if a.metrics != nil {
		status := "ok"
		if resp.Errors {
			status = "partial_error"
		}
		a.metrics.RecordSinkBulk(index, status, duration)
	}
	if resp.Errors {
		return fmt.Errorf("bulk index request to %q reported per-item errors", index)
	}
	return nil
}

// DeleteAll clears index via Elasticsearch's delete_by_query with a
// match_all filter, retrying transient failures the same way Bulk does.
func (a *ElasticAdapter) DeleteAll(ctx context.Context, index string) error {
	start := time.Now()
	ctx, span := observability.StartSinkSpan(ctx, index, 0)
	defer span.End()

	body := []byte(`{"query":{"match_all":{}}}`)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed

	retryErr := backoff.Retry(func() error {
		req := esapi.DeleteByQueryRequest{Index: []string{index}, Body: bytes.NewReader(body)}
		res, err := req.Do(ctx, a.client)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			if a.metrics != nil {
				a.metrics.RecordSinkRetry(index)
			}
			log.Warn().Err(err).Str("index", index).Msg("retrying delete_by_query request")
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			payload, _ := io.ReadAll(res.Body)
			err := fmt.Errorf("elasticsearch returned status %s: %s", res.Status(), string(payload))
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			if a.metrics != nil {
				a.metrics.RecordSinkRetry(index)
			}
			return err
		}
		return nil
	}, bo)

	duration := time.Since(start)
	observability.SetBatchResult(ctx, duration, retryErr)
	status := "ok"
	if retryErr != nil {
		status = "error"
	}
	if a.metrics != nil {
		a.metrics.RecordSinkBulk(index, status, duration)
	}
	if retryErr != nil {
		return fmt.Errorf("delete_by_query request to %q failed: %w", index, retryErr)
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
}

func (a *ElasticAdapter) doBulk(ctx context.Context, body []byte) (*bulkResponse, error) {
	req := esapi.BulkRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned status %s: %s", res.Status(), string(payload))
	}

	var parsed bulkResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}
	return &parsed, nil
}

// encodeBulkBody renders ops as the newline-delimited action/metadata and
// source pairs the _bulk endpoint expects.
func encodeBulkBody(index string, ops []Operation) ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range ops {
		var action map[string]interface{}
		switch op.Kind {
		case OpDelete:
			action = map[string]interface{}{"delete": map[string]interface{}{"_index": index, "_id": op.ID}}
		default:
			action = map[string]interface{}{"index": map[string]interface{}{"_index": index, "_id": op.ID}}
		}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return nil, err
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')

		if op.Kind != OpDelete {
			sourceLine, err := json.Marshal(op.Source)
			if err != nil {
				return nil, err
			}
			buf.Write(sourceLine)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// isRetryable reports whether err looks like a transient transport failure
// worth retrying, rather than a request the cluster will never accept.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return true
	case strings.Contains(msg, "timeout"):
		return true
	case strings.Contains(msg, "eof"):
		return true
	case strings.Contains(msg, "status 429"):
		return true
	case strings.Contains(msg, "status 502"), strings.Contains(msg, "status 503"), strings.Contains(msg, "status 504"):
		return true
	default:
		return false
	}
}
