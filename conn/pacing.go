package conn

import (
	"time"

	"golang.org/x/time/rate"
)

// Pacer realizes the congestion controller's pacing rate as a token
// bucket, consulted by flush-send before emitting a packet and backing the
// Pacing timer slot (§4.6: "PACING: flag immediate flush"). One token
// bucket lives for the Pacer's lifetime; a new rate from the congestion
// controller is applied to it through rate.Limiter's SetLimit.
type Pacer struct {
	limiter *rate.Limiter
	burst   int
}

// defaultPacingBurst bounds how many bytes may be sent back-to-back before
// pacing applies (tokens are bytes, not packets), sized to roughly ten
// maximum-size datagrams, matching typical QUIC implementations' initial
// congestion window burst allowance.
const defaultPacingBurst = 10 * 1200

// NewPacer builds a Pacer with no rate limit (unpaced) until the first
// congestion-controller sample arrives.
func NewPacer() *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Inf, defaultPacingBurst), burst: defaultPacingBurst}
}

// SetRate installs a new pacing rate, in bytes/second, as reported by the
// congestion controller.
func (p *Pacer) SetRate(bytesPerSecond float64) {
	if bytesPerSecond <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// Allow reports whether a packet of size bytes may be sent immediately.
func (p *Pacer) Allow(bytes int) bool {
	return p.limiter.AllowN(time.Now(), bytes)
}

// NextDelay returns the delay until a packet of size bytes would be
// permitted, used to arm TimerPacing when Allow returns false.
func (p *Pacer) NextDelay(bytes int) time.Duration {
	r := p.limiter.ReserveN(time.Now(), bytes)
	if !r.OK() {
		return 0
	}
	delay := r.Delay()
	r.Cancel()
	return delay
}
