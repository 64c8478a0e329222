package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	prometheus2 "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	defaultEndpoint = "/metrics"
	meterName       = "kanaime.updater"
)

// AppMetrics owns the meter provider of the updater and its HTTP exposition
type AppMetrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	registry *prometheus2.Registry
	update   *UpdateMetrics
	server   *http.Server
	listener net.Listener
}

// NewDefaultAppMetrics exports metrics in the Prometheus format, see Expose
func NewDefaultAppMetrics(ctx context.Context) (*AppMetrics, error) {
	registry := prometheus2.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	appMetrics, err := NewAppMetricsWithReader(ctx, exporter)
	if err != nil {
		return nil, err
	}
	appMetrics.registry = registry
	return appMetrics, nil
}

// NewAppMetricsWithReader uses an externally provided reader. Expose is only supported with
// NewDefaultAppMetrics.
func NewAppMetricsWithReader(ctx context.Context, reader sdkmetric.Reader) (*AppMetrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	updateMetrics, err := NewUpdateMetrics(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize update metrics: %w", err)
	}

	return &AppMetrics{
		provider: provider,
		meter:    meter,
		update:   updateMetrics,
	}, nil
}

func (a *AppMetrics) GetMeter() metric.Meter {
	return a.meter
}

func (a *AppMetrics) UpdateMetrics() *UpdateMetrics {
	return a.update
}

// Expose serves the metrics on the given port and endpoint until Close
func (a *AppMetrics) Expose(ctx context.Context, port int, endpoint string) error {
	if a.registry == nil {
		return errors.New("metrics are not exported in the prometheus format")
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	rootRouter := mux.NewRouter()
	rootRouter.Handle(endpoint, promhttp.HandlerFor(
		a.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true}))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	a.listener = listener
	a.server = &http.Server{Handler: rootRouter}

	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithContext(ctx).Errorf("metrics server error: %v", err)
		}
		log.WithContext(ctx).Info("metrics server stopped")
	}()

	log.WithContext(ctx).Infof("exposing update metrics on http://%s%s", listener.Addr().String(), endpoint)
	return nil
}

// Addr returns the address metrics are served on, nil before Expose
func (a *AppMetrics) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Close stops the metrics server and flushes the meter provider
func (a *AppMetrics) Close() error {
	var err error
	if a.server != nil {
		err = a.server.Close()
	}
	return errors.Join(err, a.provider.Shutdown(context.Background()))
}
