package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("RecordCall", func() {
		It("should count calls per upstream", func() {
			m.RecordCall("sabnzbd", time.Millisecond, "")
			m.RecordCall("sabnzbd", time.Millisecond, "")
			m.RecordCall("sonarr", time.Millisecond, "timeout")

			snap := m.Snapshot()
			Expect(snap.TotalCalls).To(Equal(int64(3)))
			Expect(snap.TotalFailures).To(Equal(int64(1)))
			Expect(snap.Upstreams["sabnzbd"].Calls).To(Equal(int64(2)))
			Expect(snap.Upstreams["sabnzbd"].Failures).To(BeEmpty())
			Expect(snap.Upstreams["sonarr"].Failures).To(HaveKeyWithValue("timeout", int64(1)))
		})

		It("should calculate percentiles correctly", func() {
			for i := 1; i <= 100; i++ {
				m.RecordCall("plex", time.Duration(i)*time.Millisecond, "")
			}

			um := m.Snapshot().Upstreams["plex"]
			Expect(um.P50Response).To(BeNumerically("~", 50*time.Millisecond, 1*time.Millisecond))
			Expect(um.P95Response).To(BeNumerically("~", 95*time.Millisecond, 1*time.Millisecond))
			Expect(um.P99Response).To(BeNumerically("~", 99*time.Millisecond, 1*time.Millisecond))
		})

		It("should limit stored response times to 1000", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordCall("plex", time.Duration(i)*time.Millisecond, "")
			}

			Expect(m.Snapshot().Upstreams["plex"].AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
		})

		It("should move the EWMA towards recent latencies", func() {
			m.RecordCall("radarr", 100*time.Millisecond, "")
			Expect(m.Snapshot().Upstreams["radarr"].EWMAResponse).To(Equal(100 * time.Millisecond))

			m.RecordCall("radarr", 200*time.Millisecond, "")
			Expect(m.Snapshot().Upstreams["radarr"].EWMAResponse).To(Equal(120 * time.Millisecond))
		})
	})

	Describe("UpdateBreakerState", func() {
		It("should count each transition into OPEN once", func() {
			m.UpdateBreakerState("sabnzbd", "OPEN")
			m.UpdateBreakerState("sabnzbd", "OPEN")
			m.UpdateBreakerState("sabnzbd", "HALF-OPEN")
			m.UpdateBreakerState("sabnzbd", "OPEN")
			m.UpdateBreakerState("sabnzbd", "CLOSED")

			um := m.Snapshot().Upstreams["sabnzbd"]
			Expect(um.BreakerOpens).To(Equal(int64(2)))
			Expect(um.BreakerState).To(Equal("CLOSED"))
		})
	})

	Describe("UpdateHealthStatus", func() {
		It("should track health status changes", func() {
			m.UpdateHealthStatus("plex", true)
			Expect(m.Snapshot().Upstreams["plex"].Healthy).To(BeTrue())

			m.UpdateHealthStatus("plex", false)
			um := m.Snapshot().Upstreams["plex"]
			Expect(um.Healthy).To(BeFalse())
			Expect(um.Probes).To(Equal(int64(2)))
		})
	})

	Describe("Snapshot", func() {
		It("should include uptime", func() {
			time.Sleep(10 * time.Millisecond)
			Expect(m.Snapshot().Uptime).To(BeNumerically(">", 0))
		})

		It("should handle empty metrics", func() {
			snap := m.Snapshot()
			Expect(snap.TotalCalls).To(BeZero())
			Expect(snap.Upstreams).To(BeEmpty())
		})

		It("should return an independent snapshot", func() {
			m.RecordCall("plex", time.Millisecond, "transient")
			snap1 := m.Snapshot()
			m.RecordCall("plex", time.Millisecond, "transient")

			Expect(snap1.Upstreams["plex"].Failures["transient"]).To(Equal(int64(1)))
			Expect(m.Snapshot().Upstreams["plex"].Failures["transient"]).To(Equal(int64(2)))
		})
	})
})
