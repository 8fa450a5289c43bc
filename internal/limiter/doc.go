// Package limiter bounds how many upstream calls run at once.
//
// A Limiter holds one global weighted semaphore shared by every upstream and
// an optional lane per upstream with its own cap. Acquire takes the lane slot
// first and the global slot second, so callers queued behind a saturated
// upstream never hold global capacity. Waiters are served FIFO.
//
//	slot, err := lim.Acquire(ctx, "sabnzbd")
//	if err != nil {
//		return err
//	}
//	defer slot.Release()
package limiter
