package usage

import "time"

// CleanupInterval is how often expired ledger entries are deleted.
const CleanupInterval = time.Hour

// runRetention purges once at start and then on every tick until stop closes.
func runRetention(stop <-chan struct{}, every time.Duration, purge func()) {
	purge()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			purge()
		}
	}
}

// retentionCutoff returns the oldest timestamp kept for the given retention.
func retentionCutoff(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}
