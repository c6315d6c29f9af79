package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestTransferMetrics(t *testing.T) {
	TransfersTotal.Reset()
	DeliveryAttempts.Reset()

	TransfersTotal.WithLabelValues("done").Inc()
	TransfersTotal.WithLabelValues("done").Inc()
	TransfersTotal.WithLabelValues("fatal_download_error").Inc()
	DeliveryAttempts.WithLabelValues("error").Add(4)
	DeliveryAttempts.WithLabelValues("succeeded").Inc()

	if got := testutil.ToFloat64(TransfersTotal.WithLabelValues("done")); got != 2 {
		t.Errorf("Expected 2 done transfers, got %f", got)
	}
	if got := testutil.ToFloat64(TransfersTotal.WithLabelValues("fatal_download_error")); got != 1 {
		t.Errorf("Expected 1 download failure, got %f", got)
	}
	if got := testutil.ToFloat64(DeliveryAttempts.WithLabelValues("error")); got != 4 {
		t.Errorf("Expected 4 failed delivery attempts, got %f", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	TransfersInFlight.Set(0)
	TransfersInFlight.Inc()
	TransfersInFlight.Inc()
	TransfersInFlight.Dec()

	if got := testutil.ToFloat64(TransfersInFlight); got != 1 {
		t.Errorf("Expected 1 in-flight transfer, got %f", got)
	}
}

func TestDeliveryOutcomeLabels(t *testing.T) {
	DeliveryOutcomes.Reset()
	DeliveryOutcomes.WithLabelValues("UploadedImages", "PROD", "getty").Inc()

	metric := &dto.Metric{}
	if err := DeliveryOutcomes.WithLabelValues("UploadedImages", "PROD", "getty").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	labels := map[string]string{}
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	if labels["name"] != "UploadedImages" || labels["stage"] != "PROD" || labels["uploaded_by"] != "getty" {
		t.Errorf("Unexpected labels: %v", labels)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("Expected counter value 1, got %f", metric.GetCounter().GetValue())
	}
}

func TestMetricsExposedOverHTTP(t *testing.T) {
	ObjectStoreOperations.WithLabelValues("minio", "GET", "success").Inc()

	server := httptest.NewServer(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	body := string(data)

	for _, name := range []string{
		"s3watcher_object_store_operations_total",
		"s3watcher_transfers_in_flight",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}
