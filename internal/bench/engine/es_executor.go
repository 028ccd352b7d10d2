package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const (
	defaultIndex     = "patient_vitals"
	defaultHitsSize  = 10
	defaultAggsSize  = 100
	runAsHeader      = "es-security-runas-user"
	aggregationsName = "groups"
)

// EsBuilder renders an Operation as a search request body.
type EsBuilder struct{}

func (EsBuilder) Build(op workload.Operation) (map[string]any, error) {
	filters := esFilters(op)
	query := map[string]any{"bool": map[string]any{"filter": filters}}

	switch op.Kind {
	case workload.KindSimpleFilter:
		size := op.Limit
		if size <= 0 {
			size = defaultHitsSize
		}
		return map[string]any{
			"size":             size,
			"track_total_hits": true,
			"query":            query,
			"sort":             []any{map[string]any{"time": "desc"}},
		}, nil

	case workload.KindAggregation:
		size := op.Limit
		if size <= 0 {
			size = defaultAggsSize
		}
		var cols []string
		for _, c := range strings.Split(op.GroupBy, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		if len(cols) == 0 {
			cols = []string{defaultGroupBy}
		}

		var bucket map[string]any
		if len(cols) == 1 {
			bucket = map[string]any{"terms": map[string]any{"field": cols[0], "size": size}}
		} else {
			terms := make([]any, len(cols))
			for i, c := range cols {
				terms[i] = map[string]any{"field": c}
			}
			bucket = map[string]any{"multi_terms": map[string]any{"terms": terms, "size": size}}
		}
		bucket["aggs"] = map[string]any{"avg_value": map[string]any{"avg": map[string]any{"field": vitalField}}}

		return map[string]any{
			"size":  0,
			"query": query,
			"aggs":  map[string]any{aggregationsName: bucket},
		}, nil

	case workload.KindWindow:
		size := op.WindowSize
		if size <= 0 {
			size = defaultWindowSize
		}
		return map[string]any{
			"size":  0,
			"query": query,
			"aggs": map[string]any{
				aggregationsName: map[string]any{
					"date_histogram": map[string]any{"field": "time", "fixed_interval": "1m"},
					"aggs": map[string]any{
						"avg_value": map[string]any{"avg": map[string]any{"field": vitalField}},
						"moving_avg": map[string]any{"moving_fn": map[string]any{
							"buckets_path": "avg_value",
							"window":       size,
							"script":       "MovingFunctions.unweightedAvg(values)",
						}},
					},
				},
			},
		}, nil

	case workload.KindJoin:
		return nil, apperr.NewValidation("elasticsearch: join workloads are not supported")
	}

	return nil, apperr.NewValidation(fmt.Sprintf("elasticsearch: unsupported workload kind %q", op.Kind))
}

func esFilters(op workload.Operation) []any {
	filters := []any{}
	if op.Lookback > 0 {
		filters = append(filters, map[string]any{
			"range": map[string]any{"time": map[string]any{"gte": fmt.Sprintf("now-%ds", int64(op.Lookback.Seconds()))}},
		})
	}
	for _, k := range slices.Sorted(maps.Keys(op.Filters)) {
		filters = append(filters, map[string]any{"term": map[string]any{k: op.Filters[k]}})
	}
	return filters
}

type EsConfig struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
	// Tokens maps a context name or security level to an API key.
	Tokens  map[string]string
	Timeout time.Duration
}

// EsExecutor relies on the cluster's document level security: the request
// runs with the context's API key, or as the context's role through run-as.
type EsExecutor struct {
	name    string
	client  *elasticsearch.Client
	config  EsConfig
	builder EsBuilder
}

func newEsClient(cfg EsConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}

	if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	return elasticsearch.NewClient(esCfg)
}

func NewEsExecutor(ctx context.Context, name string, cfg EsConfig) (*EsExecutor, error) {
	if cfg.Index == "" {
		cfg.Index = defaultIndex
	}
	client, err := newEsClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create es client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("es info %v: %w", cfg.Addresses, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("es info %v: %s", cfg.Addresses, res.Status())
	}

	return &EsExecutor{name: name, client: client, config: cfg}, nil
}

func (e *EsExecutor) headers(sc workload.SecurityContext) map[string]string {
	for _, k := range []string{sc.Name, string(sc.Level)} {
		if key, ok := e.config.Tokens[k]; ok && key != "" {
			return map[string]string{"Authorization": "ApiKey " + key}
		}
	}
	if sc.Role != "" && !sc.IsBaseline() {
		return map[string]string{runAsHeader: sc.Role}
	}
	return nil
}

type esSearchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []json.RawMessage `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []json.RawMessage `json:"buckets"`
	} `json:"aggregations"`
}

func (e *EsExecutor) Execute(ctx context.Context, spec workload.Spec) (*Execution, error) {
	op := spec.Operation()
	body, err := e.builder.Build(op)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("es encode query: %w", err)
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	search := e.client.Search
	opts := []func(*esapi.SearchRequest){
		search.WithContext(ctx),
		search.WithIndex(e.config.Index),
		search.WithBody(bytes.NewReader(payload)),
	}
	if h := e.headers(spec.Context()); h != nil {
		opts = append(opts, search.WithHeader(h))
	}

	start := time.Now()
	res, err := search(opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("es search %q: %w", spec.ID(), ctx.Err())
		}
		return nil, apperr.NewFatal(e.name, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("es read response: %w", err)
	}
	latency := time.Since(start)

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return nil, apperr.NewFatal(e.name, fmt.Errorf("es status %d: %s", res.StatusCode, snippet(raw)))
	case res.IsError():
		return nil, fmt.Errorf("es status %d: %s", res.StatusCode, snippet(raw))
	}

	var resp esSearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("es parse response: %w", err)
	}

	rows := int64(len(resp.Hits.Hits))
	if op.Kind != workload.KindSimpleFilter {
		rows = int64(len(resp.Aggregations[aggregationsName].Buckets))
	}

	return &Execution{
		Latency:      latency,
		RowsReturned: rows,
		AccessPath:   AccessUnknown,
		Diagnostics: map[string]any{
			"took_ms":    resp.Took,
			"total_hits": resp.Hits.Total.Value,
		},
	}, nil
}

func snippet(b []byte) string {
	const maxLen = 256
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}

func (e *EsExecutor) Name() string { return e.name }

func (e *EsExecutor) Capabilities() Capabilities {
	return Capabilities{
		Kinds: []workload.Kind{workload.KindSimpleFilter, workload.KindAggregation, workload.KindWindow},
	}
}

func (e *EsExecutor) Close() error { return nil }
