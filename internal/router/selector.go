package router

import (
	"mcphub-go/internal/registry"
)

// selectEntry picks one candidate server. Default policy is least recently
// used (never-used servers sort first, so selection round-robins through a
// fresh fleet); the load-aware policy prefers the fewest in-flight requests.
func selectEntry(candidates []*registry.Entry, loadAware bool) *registry.Entry {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if loadAware {
			if candidate.Inflight() < best.Inflight() {
				best = candidate
			}
			continue
		}
		if candidate.LastUsed().Before(best.LastUsed()) {
			best = candidate
		}
	}
	return best
}
