package queue

import "time"

// ExpJitter is exponential backoff with full jitter: a uniform pick in
// [0, min(max, base*2^(attempt-1))). attempt >= 1, rnd() in [0,1).
func ExpJitter(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := max
	if attempt <= 32 {
		if s := base << (attempt - 1); s > 0 && s < max {
			d = s
		}
	}
	return time.Duration(float64(d) * rnd())
}
