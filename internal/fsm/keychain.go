package fsm

import "time"

// MD5Key is one time-bounded TCP MD5 signature key.
type MD5Key struct {
	KeyID    uint8
	Password string
	Start    time.Time
	End      time.Time
}

// KeyChain is an ordered set of MD5 keys. At any instant the valid key is
// the one whose window covers now, widened by the configured maximum clock
// drift; the latest-starting valid key wins when windows overlap.
type KeyChain []MD5Key

// ActiveKey returns the key to use at now.
func (kc KeyChain) ActiveKey(now time.Time, maxDrift time.Duration) (MD5Key, bool) {
	var best MD5Key
	found := false
	for _, k := range kc {
		start := k.Start.Add(-maxDrift)
		end := k.End.Add(maxDrift)
		if now.Before(start) {
			continue
		}
		if !k.End.IsZero() && now.After(end) {
			continue
		}
		if !found || k.Start.After(best.Start) {
			best = k
			found = true
		}
	}
	return best, found
}
