package pool

import (
	"github.com/loykin/simpool/internal/device"
	"github.com/loykin/simpool/internal/state"
)

// matchLocked returns the index in p.free of the simulator to reuse for want,
// or -1. Only simulators in Shutdown state are candidates. An exact
// configuration match always wins; under MatchCompatible the highest scoring
// compatible candidate is chosen, earliest released first on ties.
func (p *Pool) matchLocked(want device.Configuration) int {
	best, bestScore := -1, -1
	key := want.Key()
	for i, sim := range p.free {
		if sim.State() != state.Shutdown {
			continue
		}
		have := sim.Configuration()
		if have.Key() == key {
			return i
		}
		if p.opts.Match != MatchCompatible {
			continue
		}
		if score := compatibility(have, want); score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// compatibility scores how well have serves want, or -1 when it cannot:
// family and OS major version must agree.
func compatibility(have, want device.Configuration) int {
	if have.Family != want.Family || have.OSFamily() != want.OSFamily() {
		return -1
	}
	score := 0
	if have.DeviceType == want.DeviceType {
		score += 4
	}
	if have.OSVersion == want.OSVersion {
		score += 2
	}
	if have.Locale == want.Locale {
		score++
	}
	if have.Scale == want.Scale {
		score++
	}
	return score
}
