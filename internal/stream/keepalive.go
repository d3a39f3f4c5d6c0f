package stream

import (
	"context"
	"time"

	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/observability"
)

// Keepalive forwards frames and injects a ping whenever upstream has been
// silent for interval, so intermediaries do not drop the connection. The
// output closes when the input closes. A non-positive interval disables the
// layer.
func Keepalive(ctx context.Context, in <-chan bus.Frame, interval time.Duration, metrics *observability.Metrics) <-chan bus.Frame {
	if interval <= 0 {
		return in
	}
	out := make(chan bus.Frame, frameBuffer)

	go func() {
		defer close(out)
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case frame, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
			case <-timer.C:
				metrics.RecordKeepalive()
				select {
				case out <- PingFrame():
				case <-ctx.Done():
					return
				}
				timer.Reset(interval)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
