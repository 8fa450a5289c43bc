package registry_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/media-orchestrator/internal/circuitbreaker"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
	"github.com/angeloszaimis/media-orchestrator/internal/upstream"
)

func noopHandle() upstream.Handle {
	return upstream.HandleFuncs{
		InvokeFunc: func(context.Context, string, map[string]any) (any, error) {
			return "ok", nil
		},
	}
}

var _ = Describe("Registry", func() {
	var reg *registry.Registry

	BeforeEach(func() {
		reg = registry.New()
	})

	Describe("Register", func() {
		It("should create a CLOSED breaker for the upstream", func() {
			record, err := reg.Register("sabnzbd", noopHandle(), registry.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Name()).To(Equal("sabnzbd"))
			Expect(record.Breaker().State()).To(Equal(circuitbreaker.StateClosed))
			Expect(record.RetryPolicy().MaxAttempts).To(Equal(3))
			Expect(record.Timeout()).To(Equal(registry.DefaultTimeout))
		})

		It("should reject a duplicate name", func() {
			_, err := reg.Register("sonarr", noopHandle(), registry.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.Register("sonarr", noopHandle(), registry.DefaultConfig())
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindDuplicateUpstream))
			Expect(reg.Len()).To(Equal(1))
		})

		It("should reject an empty name or nil handle", func() {
			_, err := reg.Register("", noopHandle(), registry.DefaultConfig())
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindValidation))

			_, err = reg.Register("radarr", nil, registry.DefaultConfig())
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindValidation))
		})

		It("should reject an invalid config", func() {
			cfg := registry.DefaultConfig()
			cfg.Breaker.FailureThreshold = 0

			_, err := reg.Register("radarr", noopHandle(), cfg)
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindValidation))
		})

		It("should apply breaker options to new breakers", func() {
			var transitions atomic.Int32
			reg = registry.New(registry.WithBreakerOptions(circuitbreaker.WithListener(
				func(string, circuitbreaker.State, circuitbreaker.State) { transitions.Add(1) },
			)))

			cfg := registry.DefaultConfig()
			cfg.Breaker.FailureThreshold = 1
			record, err := reg.Register("plex", noopHandle(), cfg)
			Expect(err).NotTo(HaveOccurred())

			ticket, err := record.Breaker().Admit()
			Expect(err).NotTo(HaveOccurred())
			ticket.Done(false)
			Expect(transitions.Load()).To(BeEquivalentTo(1))
		})

		It("should let exactly one concurrent registration win", func() {
			const goroutines = 50
			var wins atomic.Int32
			var wg sync.WaitGroup

			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := reg.Register("lidarr", noopHandle(), registry.DefaultConfig()); err == nil {
						wins.Add(1)
					}
				}()
			}

			wg.Wait()
			Expect(wins.Load()).To(BeEquivalentTo(1))
		})

		Context("with a register hook", func() {
			var (
				hooked   atomic.Int32
				hookDone atomic.Bool
				seen     chan bool
			)

			BeforeEach(func() {
				hooked.Store(0)
				hookDone.Store(false)
				seen = make(chan bool, 1)

				reg = registry.New(registry.WithRegisterHook(func(record *registry.Record) {
					hooked.Add(1)
					go func() {
						_, err := reg.Lookup(record.Name())
						seen <- err == nil && hookDone.Load()
					}()
					time.Sleep(20 * time.Millisecond)
					hookDone.Store(true)
				}))
			})

			It("should finish the hook before the record can be looked up", func() {
				cfg := registry.DefaultConfig()
				cfg.ConcurrencyLimit = 2
				_, err := reg.Register("readarr", noopHandle(), cfg)
				Expect(err).NotTo(HaveOccurred())

				Eventually(seen).Should(Receive(BeTrue()))
			})

			It("should not run for rejected registrations", func() {
				_, err := reg.Register("readarr", noopHandle(), registry.DefaultConfig())
				Expect(err).NotTo(HaveOccurred())
				Eventually(seen).Should(Receive())

				_, err = reg.Register("readarr", noopHandle(), registry.DefaultConfig())
				Expect(upstream.Is(err, upstream.KindDuplicateUpstream)).To(BeTrue())

				bad := registry.DefaultConfig()
				bad.ConcurrencyLimit = -1
				_, err = reg.Register("mylar", noopHandle(), bad)
				Expect(err).To(HaveOccurred())

				Expect(hooked.Load()).To(BeEquivalentTo(1))
			})
		})
	})

	Describe("Lookup", func() {
		It("should return the registered record", func() {
			registered, _ := reg.Register("sabnzbd", noopHandle(), registry.DefaultConfig())
			found, err := reg.Lookup("sabnzbd")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeIdenticalTo(registered))
		})

		It("should fail for unknown upstreams", func() {
			_, err := reg.Lookup("missing")
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindUnknownUpstream))
			Expect(upstream.ContextOf(err)).To(HaveKeyWithValue("upstream", "missing"))
		})
	})

	Describe("Deregister", func() {
		It("should remove the record but keep held references usable", func() {
			record, _ := reg.Register("overseerr", noopHandle(), registry.DefaultConfig())
			Expect(reg.Deregister("overseerr")).To(Succeed())

			_, err := reg.Lookup("overseerr")
			Expect(upstream.KindOf(err)).To(Equal(upstream.KindUnknownUpstream))

			payload, err := record.Handle().Invoke(context.Background(), "ping", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(payload).To(Equal("ok"))
		})

		It("should fail for unknown upstreams", func() {
			Expect(upstream.KindOf(reg.Deregister("missing"))).To(Equal(upstream.KindUnknownUpstream))
		})
	})

	Describe("Snapshot", func() {
		It("should list upstreams sorted by name", func() {
			for _, name := range []string{"sonarr", "plex", "radarr"} {
				_, err := reg.Register(name, noopHandle(), registry.DefaultConfig())
				Expect(err).NotTo(HaveOccurred())
			}

			snaps := reg.Snapshot()
			Expect(snaps).To(HaveLen(3))
			Expect(snaps[0].Name).To(Equal("plex"))
			Expect(snaps[1].Name).To(Equal("radarr"))
			Expect(snaps[2].Name).To(Equal("sonarr"))
			Expect(reg.Names()).To(Equal([]string{"plex", "radarr", "sonarr"}))

			for _, snap := range snaps {
				Expect(snap.State).To(Equal(circuitbreaker.StateClosed))
				Expect(snap.LastCheckedAt).To(BeNil())
				Expect(snap.OpenedAt).To(BeNil())
			}
		})

		It("should reflect breaker, health and in-flight state", func() {
			cfg := registry.DefaultConfig()
			cfg.Breaker.FailureThreshold = 2
			record, _ := reg.Register("sabnzbd", noopHandle(), cfg)

			for i := 0; i < 2; i++ {
				ticket, err := record.Breaker().Admit()
				Expect(err).NotTo(HaveOccurred())
				ticket.Done(false)
			}

			checkedAt := time.Now()
			record.MarkHealth(false, checkedAt)
			record.Enter()
			defer record.Exit()

			snap := reg.Snapshot()[0]
			Expect(snap.State).To(Equal(circuitbreaker.StateOpen))
			Expect(snap.ConsecutiveFailures).To(Equal(2))
			Expect(snap.OpenedAt).NotTo(BeNil())
			Expect(snap.LastHealthOk).To(BeFalse())
			Expect(snap.LastCheckedAt).NotTo(BeNil())
			Expect(snap.LastCheckedAt.Equal(checkedAt)).To(BeTrue())
			Expect(snap.InFlight).To(Equal(1))
		})
	})

	Describe("Record.MarkHealth", func() {
		It("should report the previous result", func() {
			record, _ := reg.Register("plex", noopHandle(), registry.DefaultConfig())

			_, checked := record.MarkHealth(true, time.Now())
			Expect(checked).To(BeFalse())

			previous, checked := record.MarkHealth(false, time.Now())
			Expect(checked).To(BeTrue())
			Expect(previous).To(BeTrue())

			ok, at := record.Health()
			Expect(ok).To(BeFalse())
			Expect(at).NotTo(BeZero())
		})
	})

	Describe("Close", func() {
		It("should drop all records", func() {
			_, _ = reg.Register("a", noopHandle(), registry.DefaultConfig())
			_, _ = reg.Register("b", noopHandle(), registry.DefaultConfig())
			reg.Close()
			Expect(reg.Len()).To(BeZero())
		})
	})

	Describe("Concurrent access", func() {
		It("should handle concurrent lookups and registrations safely", func() {
			const goroutines = 20
			var wg sync.WaitGroup

			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func(id int) {
					defer GinkgoRecover()
					defer wg.Done()

					name := fmt.Sprintf("upstream-%d", id)
					_, err := reg.Register(name, noopHandle(), registry.DefaultConfig())
					Expect(err).NotTo(HaveOccurred())

					for j := 0; j < 50; j++ {
						_, err := reg.Lookup(name)
						Expect(err).NotTo(HaveOccurred())
						_ = reg.Snapshot()
					}
				}(i)
			}

			wg.Wait()
			Expect(reg.Len()).To(Equal(goroutines))
		})
	})
})
