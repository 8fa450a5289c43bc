package metrics_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("EventChannel", func() {
		It("should return a write-only channel", func() {
			Expect(collector.EventChannel()).NotTo(BeNil())
		})
	})

	Describe("Start and event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should process EventCallCompleted", func() {
			collector.Emit(metrics.MetricEvent{
				Type:     metrics.EventCallCompleted,
				Upstream: "sabnzbd",
				Duration: 100 * time.Millisecond,
				Attempts: 1,
			})

			Eventually(func() int64 {
				return collector.Snapshot().Upstreams["sabnzbd"].Calls
			}).Should(Equal(int64(1)))

			snap := collector.Snapshot()
			Expect(snap.Upstreams["sabnzbd"].AvgResponse).To(Equal(100 * time.Millisecond))
			Expect(snap.TotalFailures).To(BeZero())
		})

		It("should count failures by kind", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventCallCompleted, Upstream: "sonarr", Kind: "transient"})
			collector.Emit(metrics.MetricEvent{Type: metrics.EventCallCompleted, Upstream: "sonarr", Kind: "circuit_open"})

			Eventually(func() int64 {
				return collector.Snapshot().TotalFailures
			}).Should(Equal(int64(2)))

			Expect(collector.Snapshot().Upstreams["sonarr"].Failures).To(HaveKeyWithValue("transient", int64(1)))
		})

		It("should process EventCallRetried", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventCallRetried, Upstream: "radarr"})

			Eventually(func() int64 {
				return collector.Snapshot().Upstreams["radarr"].Retries
			}).Should(Equal(int64(1)))
		})

		It("should process EventBreakerState", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventBreakerState, Upstream: "plex", State: "OPEN"})

			Eventually(func() string {
				return collector.Snapshot().Upstreams["plex"].BreakerState
			}).Should(Equal("OPEN"))
			Expect(collector.Snapshot().Upstreams["plex"].BreakerOpens).To(Equal(int64(1)))
		})

		It("should process EventHealthProbed", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthProbed, Upstream: "plex", Healthy: true})

			Eventually(func() bool {
				return collector.Snapshot().Upstreams["plex"].Healthy
			}).Should(BeTrue())
		})
	})

	Describe("Emit", func() {
		It("should drop events instead of blocking when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			done := make(chan struct{})

			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					small.Emit(metrics.MetricEvent{Type: metrics.EventCallRetried, Upstream: "a"})
				}
			}()

			Eventually(done).Should(BeClosed())
		})

		It("should be a no-op on a nil collector", func() {
			var nilCollector *metrics.Collector
			Expect(func() {
				nilCollector.Emit(metrics.MetricEvent{Type: metrics.EventCallRetried})
			}).NotTo(Panic())
		})
	})

	Describe("shutdown", func() {
		It("should drain events on context cancellation", func() {
			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{
					Type:     metrics.EventCallCompleted,
					Upstream: "sabnzbd",
				}
			}

			collector.Start(ctx)
			cancel()
			Eventually(collector.Done()).Should(BeClosed())

			Expect(collector.Snapshot().Upstreams["sabnzbd"].Calls).To(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{Type: metrics.EventCallCompleted, Upstream: "sabnzbd"})
			Eventually(func() int64 { return collector.Snapshot().TotalCalls }).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var body metrics.Snapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.TotalCalls).To(Equal(int64(1)))
		})
	})
})
