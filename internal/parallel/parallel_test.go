package parallel

import "testing"

func TestAutoSlots(t *testing.T) {
	tests := []struct {
		cores  int
		target int
		want   int
	}{
		{1, 65, 1},
		{2, 65, 2},
		{4, 65, 3},
		{8, 65, 5},
		{16, 65, 9},
		{4, 95, 3},  // top=int(3.8)=3 <= base, stays at base
		{8, 95, 7},  // top=int(7.6)=7
		{16, 95, 15},
		{8, 80, 6},  // halfway between base 5 and top 7
		{16, 80, 12},
		{16, 50, 9},  // below range clamps to 65
		{16, 120, 15}, // above range clamps to 95
	}

	for _, tt := range tests {
		got := autoSlots(tt.cores, tt.target)
		if got != tt.want {
			t.Errorf("autoSlots(%d, %d) = %d, want %d", tt.cores, tt.target, got, tt.want)
		}
	}
}

func TestExplicitOverrideSkipsScaling(t *testing.T) {
	four := 4
	p := New(16, 95, 8, &four)
	if got := p.MaxParallel(); got != 4 {
		t.Errorf("Expected explicit 4 to win over scaling, got %d", got)
	}

	// Updates change the stored policy but explicit still wins.
	target := 95
	if got := p.Update(&target, nil); got != 4 {
		t.Errorf("Expected explicit 4 after update, got %d", got)
	}

	zero := 0
	p = New(8, 65, 1, &zero)
	if got := p.MaxParallel(); got != 1 {
		t.Errorf("Expected explicit floor of 1, got %d", got)
	}
}

func TestSetExplicit(t *testing.T) {
	p := New(16, 65, 1, nil)

	three := 3
	if got := p.SetExplicit(&three); got != 3 {
		t.Errorf("Expected 3 after pinning, got %d", got)
	}
	if s := p.Snapshot(); s.ExplicitParallel == nil || *s.ExplicitParallel != 3 {
		t.Errorf("Snapshot explicit = %v", s.ExplicitParallel)
	}

	zero := 0
	if got := p.SetExplicit(&zero); got != 1 {
		t.Errorf("Expected explicit floor of 1, got %d", got)
	}

	if got := p.SetExplicit(nil); got != 9 {
		t.Errorf("Expected auto sizing restored (9), got %d", got)
	}
	if s := p.Snapshot(); s.ExplicitParallel != nil {
		t.Error("Expected nil explicit after clearing")
	}
}

func TestPerCoreScaling(t *testing.T) {
	p := New(8, 65, 3, nil)
	if got := p.MaxParallel(); got != 15 {
		t.Errorf("Expected 5 auto slots x3 per core = 15, got %d", got)
	}
}

func TestUpdateRecomputes(t *testing.T) {
	p := New(16, 65, 1, nil)
	if got := p.MaxParallel(); got != 9 {
		t.Fatalf("Expected 9 slots at 65%%, got %d", got)
	}

	target := 95
	if got := p.Update(&target, nil); got != 15 {
		t.Errorf("Expected 15 slots at 95%%, got %d", got)
	}

	perCore := 2
	if got := p.Update(nil, &perCore); got != 30 {
		t.Errorf("Expected 30 slots with per_core=2, got %d", got)
	}

	s := p.Snapshot()
	if s.CPUTargetPercent != 95 || s.ParallelPerCore != 2 || s.MaxParallel != 30 {
		t.Errorf("Snapshot out of sync: %+v", s)
	}
	if s.ExplicitParallel != nil {
		t.Error("Expected nil explicit parallel in snapshot")
	}
}
