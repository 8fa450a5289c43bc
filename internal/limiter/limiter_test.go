package limiter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/media-orchestrator/internal/limiter"
	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

// runConcurrently starts n workers that each hold a slot for hold and
// returns the highest number of workers observed inside at once.
func runConcurrently(lim *limiter.Limiter, name string, n int, hold time.Duration) int64 {
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()

			slot, err := lim.Acquire(context.Background(), name)
			Expect(err).NotTo(HaveOccurred())
			defer slot.Release()

			now := current.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(hold)
			current.Add(-1)
		}()
	}

	wg.Wait()
	return peak.Load()
}

var _ = Describe("Limiter", func() {
	Describe("New", func() {
		It("should fall back to the default capacity", func() {
			Expect(limiter.New(0).Capacity()).To(Equal(limiter.DefaultCapacity))
		})
	})

	Describe("global bound", func() {
		It("should never run more than capacity calls at once", func() {
			lim := limiter.New(3)
			peak := runConcurrently(lim, "radarr", 8, 20*time.Millisecond)

			Expect(peak).To(BeNumerically("<=", 3))
			Expect(peak).To(BeNumerically(">", 0))
			Expect(lim.InFlight()).To(BeZero())
		})
	})

	Describe("per-upstream bound", func() {
		It("should apply the lower of the two caps", func() {
			lim := limiter.New(10)
			lim.SetLimit("sonarr", 2)

			peak := runConcurrently(lim, "sonarr", 6, 20*time.Millisecond)
			Expect(peak).To(BeNumerically("<=", 2))
			Expect(lim.Limit("sonarr")).To(Equal(2))
		})

		It("should not let a saturated upstream starve another", func() {
			lim := limiter.New(3)
			lim.SetLimit("slow", 1)

			held, err := lim.Acquire(context.Background(), "slow")
			Expect(err).NotTo(HaveOccurred())
			defer held.Release()

			blocked := make(chan struct{})
			go func() {
				defer close(blocked)
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				_, _ = lim.Acquire(ctx, "slow")
			}()

			slot, err := lim.Acquire(context.Background(), "fast")
			Expect(err).NotTo(HaveOccurred())
			slot.Release()
			Eventually(blocked).Should(BeClosed())
		})
	})

	Describe("Acquire", func() {
		It("should give up when the context ends and hold nothing", func() {
			lim := limiter.New(1)
			held, err := lim.Acquire(context.Background(), "plex")
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err = lim.Acquire(ctx, "plex")
			Expect(err).To(HaveOccurred())
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindTimeout))
			Expect(lim.InFlight()).To(Equal(1))

			held.Release()
			Expect(lim.InFlight()).To(BeZero())
		})

		It("should track in-flight calls per upstream", func() {
			lim := limiter.New(5)
			a, _ := lim.Acquire(context.Background(), "a")
			b, _ := lim.Acquire(context.Background(), "a")
			c, _ := lim.Acquire(context.Background(), "b")

			Expect(lim.InFlightFor("a")).To(Equal(2))
			Expect(lim.InFlightFor("b")).To(Equal(1))
			Expect(lim.InFlight()).To(Equal(3))

			a.Release()
			b.Release()
			c.Release()
			Expect(lim.InFlightFor("a")).To(BeZero())
		})
	})

	Describe("Slot", func() {
		It("should release only once", func() {
			lim := limiter.New(2)
			slot, _ := lim.Acquire(context.Background(), "a")
			slot.Release()
			slot.Release()
			Expect(lim.InFlight()).To(BeZero())

			x, err := lim.Acquire(context.Background(), "a")
			Expect(err).NotTo(HaveOccurred())
			y, err := lim.Acquire(context.Background(), "a")
			Expect(err).NotTo(HaveOccurred())
			x.Release()
			y.Release()
		})
	})

	Describe("Remove", func() {
		It("should keep outstanding slots valid", func() {
			lim := limiter.New(2)
			lim.SetLimit("lidarr", 1)
			slot, err := lim.Acquire(context.Background(), "lidarr")
			Expect(err).NotTo(HaveOccurred())

			lim.Remove("lidarr")
			Expect(lim.Limit("lidarr")).To(BeZero())

			slot.Release()
			Expect(lim.InFlight()).To(BeZero())
		})
	})
})
