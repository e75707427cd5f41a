package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockExcludesSameKey(t *testing.T) {
	table := NewTable()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("ticket:1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, table.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	table := NewTable()
	unlockA := table.Lock("ticket:1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := table.Lock("verification:1")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestEntriesAreRecycled(t *testing.T) {
	table := NewTable()

	unlock := table.Lock("a")
	assert.Equal(t, 1, table.Len())
	unlock()
	unlock()
	assert.Zero(t, table.Len())

	unlock = table.Lock("b")
	defer unlock()
	assert.Len(t, table.entries, 1)
	assert.Equal(t, 1, table.Len())
}

func TestWaiterKeepsEntryAlive(t *testing.T) {
	table := NewTable()
	unlock := table.Lock("k")

	acquired := make(chan func())
	go func() { acquired <- table.Lock("k") }()

	assert.Eventually(t, func() bool {
		table.mu.Lock()
		defer table.mu.Unlock()
		return table.entries[table.index["k"]].refs == 2
	}, time.Second, time.Millisecond)

	unlock()
	second := <-acquired
	assert.Equal(t, 1, table.Len())
	second()
	assert.Zero(t, table.Len())
}
