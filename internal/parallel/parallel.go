// Package parallel sizes the worker slot pool from the machine's core count
// and an adjustable CPU target. Sizing mirrors how cTrader allocates cores to
// optimizations so a worker at the default target does not starve the host.
package parallel

import (
	"math"
	"sync"
)

// Settings is a point-in-time view of the policy used by /status and
// /settings/parallel responses.
type Settings struct {
	CPUCores         int
	CPUTargetPercent int
	ParallelPerCore  int
	ExplicitParallel *int
	MaxParallel      int
}

type Policy struct {
	mu       sync.Mutex
	cores    int
	target   int
	perCore  int
	explicit *int
}

func New(cores, targetPercent, perCore int, explicit *int) *Policy {
	if cores < 1 {
		cores = 1
	}
	if perCore < 1 {
		perCore = 1
	}
	p := &Policy{
		cores:   cores,
		target:  clampTarget(targetPercent),
		perCore: perCore,
	}
	if explicit != nil {
		v := *explicit
		if v < 1 {
			v = 1
		}
		p.explicit = &v
	}
	return p
}

func (p *Policy) MaxParallel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveLocked()
}

// Update applies new target or per-core values (nil leaves a field unchanged)
// and returns the resulting slot count. An explicit override always wins.
func (p *Policy) Update(targetPercent, perCore *int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if targetPercent != nil {
		p.target = clampTarget(*targetPercent)
	}
	if perCore != nil {
		v := *perCore
		if v < 1 {
			v = 1
		}
		p.perCore = v
	}
	return p.resolveLocked()
}

// SetExplicit pins the slot count to a fixed value, bypassing target and
// per-core scaling. nil restores automatic sizing. Returns the resulting
// slot count.
func (p *Policy) SetExplicit(v *int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == nil {
		p.explicit = nil
	} else {
		n := *v
		if n < 1 {
			n = 1
		}
		p.explicit = &n
	}
	return p.resolveLocked()
}

func (p *Policy) Snapshot() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Settings{
		CPUCores:         p.cores,
		CPUTargetPercent: p.target,
		ParallelPerCore:  p.perCore,
		MaxParallel:      p.resolveLocked(),
	}
	if p.explicit != nil {
		v := *p.explicit
		s.ExplicitParallel = &v
	}
	return s
}

func (p *Policy) resolveLocked() int {
	if p.explicit != nil {
		v := *p.explicit
		if v < 1 {
			return 1
		}
		return v
	}
	slots := autoSlots(p.cores, p.target) * p.perCore
	if slots < 1 {
		return 1
	}
	return slots
}

// autoSlots interpolates between the cTrader-like base of floor(cores/2)+1 at
// a 65% target and 95% of the cores at the 95% ceiling.
func autoSlots(cores, targetPercent int) int {
	if cores < 1 {
		cores = 1
	}
	base := cores/2 + 1
	if base > cores {
		base = cores
	}
	top := int(float64(cores) * 0.95)
	if top < base {
		top = base
	}
	pct := clampTarget(targetPercent)
	if pct <= 65 || top <= base {
		return base
	}
	ratio := float64(pct-65) / 30.0
	slots := int(math.Round(float64(base) + float64(top-base)*ratio))
	if slots < 1 {
		slots = 1
	}
	if slots > cores {
		slots = cores
	}
	return slots
}

func clampTarget(v int) int {
	if v < 65 {
		return 65
	}
	if v > 95 {
		return 95
	}
	return v
}
