package engine

import (
	"sync"
	"testing"
)

func TestLockTableEvictsReleasedEntries(t *testing.T) {
	var lt lockTable
	l := lt.lock("t1")
	lt.unlock("t1", l)
	if n := lt.size(); n != 0 {
		t.Fatalf("table holds %d entries after release", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range []string{"a", "b", "c"} {
				l := lt.lock(id)
				lt.unlock(id, l)
			}
		}()
	}
	wg.Wait()
	if n := lt.size(); n != 0 {
		t.Fatalf("table holds %d entries after all workers released", n)
	}
}

func TestLockTableSerializesSameID(t *testing.T) {
	var lt lockTable
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := lt.lock("task")
			counter++
			lt.unlock("task", l)
		}()
	}
	wg.Wait()
	if counter != 16 {
		t.Fatalf("counter %d, want 16", counter)
	}
}
