package testing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/elasticsearch"
	"github.com/testcontainers/testcontainers-go/wait"
)

const VitalsIndex = "patient_vitals"

const vitalsMapping = `{
  "mappings": {
    "properties": {
      "time":        {"type": "date"},
      "patient_id":  {"type": "keyword"},
      "device_id":   {"type": "keyword"},
      "department":  {"type": "keyword"},
      "vital_type":  {"type": "keyword"},
      "vital_value": {"type": "double"}
    }
  }
}`

// ESContainer represents a running Elasticsearch test container
type ESContainer struct {
	Container testcontainers.Container
	Address   string
}

// NewESContainer starts an Elasticsearch test container
func NewESContainer(ctx context.Context, tb testing.TB) *ESContainer {
	tb.Helper()

	esContainer, err := elasticsearch.Run(ctx,
		"docker.elastic.co/elasticsearch/elasticsearch:8.12.0",
		elasticsearch.WithPassword(""),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/").
				WithPort("9200").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("failed to start elasticsearch container: %v", err)
	}

	tb.Cleanup(func() {
		if err := testcontainers.TerminateContainer(esContainer); err != nil {
			tb.Logf("failed to terminate elasticsearch container: %v", err)
		}
	})

	host, err := esContainer.Host(ctx)
	if err != nil {
		tb.Fatalf("failed to get elasticsearch host: %v", err)
	}

	port, err := esContainer.MappedPort(ctx, "9200")
	if err != nil {
		tb.Fatalf("failed to get elasticsearch port: %v", err)
	}

	address := fmt.Sprintf("http://%s:%s", host, port.Port())

	return &ESContainer{
		Container: esContainer,
		Address:   address,
	}
}

// SeedVitals creates the vitals index and bulk loads n readings, one minute
// apart. Even readings belong to cardiology, patients cycle through p-0..p-3
// and vital types alternate between heart_rate and spo2.
func (c *ESContainer) SeedVitals(ctx context.Context, tb testing.TB, n int) {
	tb.Helper()

	client, err := es.NewClient(es.Config{Addresses: []string{c.Address}})
	if err != nil {
		tb.Fatalf("failed to create elasticsearch client: %v", err)
	}

	res, err := client.Indices.Create(VitalsIndex,
		client.Indices.Create.WithContext(ctx),
		client.Indices.Create.WithBody(strings.NewReader(vitalsMapping)),
	)
	if err != nil {
		tb.Fatalf("failed to create index: %v", err)
	}
	res.Body.Close()
	if res.IsError() {
		tb.Fatalf("failed to create index: %s", res.Status())
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		department, vital, value := "neurology", "spo2", 97.0
		if i%2 == 0 {
			department, vital, value = "cardiology", "heart_rate", 60+float64(i%40)
		}
		_ = enc.Encode(map[string]any{"index": map[string]any{"_index": VitalsIndex}})
		_ = enc.Encode(map[string]any{
			"time":        now.Add(-time.Duration(i) * time.Minute),
			"patient_id":  fmt.Sprintf("p-%d", i%4),
			"device_id":   fmt.Sprintf("d-%d", i%2),
			"department":  department,
			"vital_type":  vital,
			"vital_value": value,
		})
	}

	res, err = client.Bulk(&buf,
		client.Bulk.WithContext(ctx),
		client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		tb.Fatalf("failed to bulk index vitals: %v", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		tb.Fatalf("failed to bulk index vitals: %s", res.Status())
	}
}
