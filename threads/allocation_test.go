package threads

import "testing"

func TestOneToOne(t *testing.T) {
	a, err := NewAllocation(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy() != OneToOne {
		t.Errorf("expected ONE_TO_ONE, got %v", a.Strategy())
	}
	for g := 0; g < 4; g++ {
		if a.ThreadForPartition(g) != g {
			t.Errorf("partition %d on thread %d, want %d", g, a.ThreadForPartition(g), g)
		}
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}

func TestBalanceFactorIgnoresIdleThreads(t *testing.T) {
	// Spare threads hold no work; one-to-one over uniform partitions is
	// still a perfect balance.
	a, err := NewAllocation(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if f := a.LoadBalanceFactor(); f != 1.0 {
		t.Errorf("balance factor = %f with 4 idle threads, want 1.0", f)
	}
}

func TestOneToOneRejectsTooFewThreads(t *testing.T) {
	_, err := NewAllocationWithStrategy(2, 4, OneToOne, nil, nil)
	if err == nil {
		t.Error("expected error for 2 threads over 4 partitions")
	}
}

func TestRoundRobin(t *testing.T) {
	a, err := NewAllocation(3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if a.Strategy() != RoundRobin {
		t.Errorf("expected ROUND_ROBIN, got %v", a.Strategy())
	}
	for g := 0; g < 8; g++ {
		if a.ThreadForPartition(g) != g%3 {
			t.Errorf("partition %d on thread %d, want %d", g, a.ThreadForPartition(g), g%3)
		}
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}

func TestBalancedEqualWorkloads(t *testing.T) {
	a, err := NewAllocationWithStrategy(4, 8, Balanced, UniformWorkload, nil)
	if err != nil {
		t.Fatal(err)
	}
	for th := 0; th < 4; th++ {
		parts, err := a.PartitionsForThread(th)
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 2 {
			t.Errorf("thread %d has %d partitions, want 2", th, len(parts))
		}
	}
	if f := a.LoadBalanceFactor(); f < 0.999 {
		t.Errorf("balance factor %f, want ~1.0", f)
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}

func TestBalancedSkewedWorkloads(t *testing.T) {
	// One heavy partition, several light ones. LPT should isolate the
	// heavy one and spread the rest.
	units := []uint64{100, 10, 10, 10, 10, 10}
	est := func(g int, ctx any) uint64 { return units[g] }
	a, err := NewAllocationWithStrategy(2, 6, Balanced, est, nil)
	if err != nil {
		t.Fatal(err)
	}
	heavy := a.ThreadForPartition(0)
	hp, _ := a.PartitionsForThread(heavy)
	if len(hp) != 1 {
		t.Errorf("heavy partition shares a thread with %d others", len(hp)-1)
	}
	other := 1 - heavy
	if a.Workload(other) != 50 {
		t.Errorf("light thread workload %d, want 50", a.Workload(other))
	}
}

func TestPriorityOrder(t *testing.T) {
	a, err := NewPriorityAllocation(2, 4, []int{3, 1, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	// Dealt cyclically in the given order: 3->t0, 1->t1, 0->t0, 2->t1.
	if a.ThreadForPartition(3) != 0 || a.ThreadForPartition(0) != 0 {
		t.Error("partitions 3 and 0 should land on thread 0")
	}
	if a.ThreadForPartition(1) != 1 || a.ThreadForPartition(2) != 1 {
		t.Error("partitions 1 and 2 should land on thread 1")
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}

func TestPriorityRejectsBadOrder(t *testing.T) {
	if _, err := NewPriorityAllocation(2, 3, []int{0, 0, 1}); err == nil {
		t.Error("expected error for duplicate partition in order")
	}
	if _, err := NewPriorityAllocation(2, 3, []int{0, 1}); err == nil {
		t.Error("expected error for short order")
	}
}

func TestRebalanceFromActuals(t *testing.T) {
	a, err := NewAllocationWithStrategy(2, 4, Dynamic, UniformWorkload, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Partition 0 turned out far heavier than estimated.
	if err := a.UpdateActuals([]uint64{90, 10, 10, 10}); err != nil {
		t.Fatal(err)
	}
	if err := a.Rebalance(); err != nil {
		t.Fatal(err)
	}
	heavy := a.ThreadForPartition(0)
	hp, _ := a.PartitionsForThread(heavy)
	if len(hp) != 1 {
		t.Errorf("after rebalance heavy partition shares a thread with %d others", len(hp)-1)
	}
	if err := a.Validate(); err != nil {
		t.Error(err)
	}
}

func TestRebalanceRequiresActuals(t *testing.T) {
	a, _ := NewAllocation(2, 4)
	if err := a.Rebalance(); err == nil {
		t.Error("expected error without measured workloads")
	}
}

func TestPrimeCountWorkload(t *testing.T) {
	r := NumberRange{Start: 0, End: 1000000, Partitions: 4}
	est := PrimeCountWorkload(0, r)
	// pi(1e6) = 78498; the approximation divided by 4 should be in the
	// same ballpark.
	if est < 15000 || est > 25000 {
		t.Errorf("prime workload estimate %d out of expected range", est)
	}
	if PrimeCountWorkload(0, nil) != UniformWorkload(0, nil) {
		t.Error("bad ctx should fall back to uniform")
	}
}

func TestMeasurePrimeWorkloads(t *testing.T) {
	counts := MeasurePrimeWorkloads(100, 4)
	// Primes up to 100: 25 of them. 2 is the only even one.
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total != 25 {
		t.Errorf("counted %d primes up to 100, want 25", total)
	}
	if counts[0] != 0 {
		t.Errorf("no prime is divisible by 4, got %d", counts[0])
	}
	if counts[2] != 1 {
		t.Errorf("2 is the only prime = 2 mod 4, got %d", counts[2])
	}
}

func TestOptimalThreadCount(t *testing.T) {
	if n := OptimalThreadCount(1); n != 1 {
		t.Errorf("one partition needs one thread, got %d", n)
	}
	if n := OptimalThreadCount(1 << 20); n > DetectPhysicalCores() {
		t.Errorf("thread count %d exceeds core count", n)
	}
}
