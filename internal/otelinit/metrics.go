package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the instruments threaded through component constructors at
// wiring time (see cmd/taskengine), so no component calls otel.Meter() deep
// in business logic.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	RetrySuccess            metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	BrokerPublishes        metric.Int64Counter
	BrokerPublishFailures  metric.Int64Counter
	TrackerWriteLatency    metric.Float64Histogram
	WorkerJobsProcessed    metric.Int64Counter
	WorkerJobsFailed       metric.Int64Counter
	SchedulerFires         metric.Int64Counter
	SchedulerMisfires      metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns its
// shutdown function plus the common instrument set. Exporter failures are
// logged and degrade to a no-op provider so the instruments remain usable.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	endpoint := metricsEndpoint()

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}

	res := resource.NewSchemaless(attribute.String("service.name", service))
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter("taskengine")
	retryAttempts, _ := meter.Int64Counter("taskengine_resilience_retry_attempts_total")
	retrySuccess, _ := meter.Int64Counter("taskengine_resilience_retry_success_total")
	circuitOpen, _ := meter.Int64Counter("taskengine_resilience_circuit_open_total")
	brokerPub, _ := meter.Int64Counter("taskengine_broker_publish_total")
	brokerPubFail, _ := meter.Int64Counter("taskengine_broker_publish_failures_total")
	trackerWrite, _ := meter.Float64Histogram("taskengine_tracker_write_ms")
	jobsOK, _ := meter.Int64Counter("taskengine_worker_jobs_processed_total")
	jobsFail, _ := meter.Int64Counter("taskengine_worker_jobs_failed_total")
	schedFires, _ := meter.Int64Counter("taskengine_scheduler_fires_total")
	schedMisfires, _ := meter.Int64Counter("taskengine_scheduler_misfires_total")
	return Metrics{
		RetryAttempts:          retryAttempts,
		RetrySuccess:           retrySuccess,
		CircuitOpenTransitions: circuitOpen,
		BrokerPublishes:        brokerPub,
		BrokerPublishFailures:  brokerPubFail,
		TrackerWriteLatency:    trackerWrite,
		WorkerJobsProcessed:    jobsOK,
		WorkerJobsFailed:       jobsFail,
		SchedulerFires:         schedFires,
		SchedulerMisfires:      schedMisfires,
	}
}

func metricsEndpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); e != "" {
		return e
	}
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}
