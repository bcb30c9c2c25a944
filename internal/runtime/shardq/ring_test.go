package shardq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	n         int
	processed bool
	completed bool
	onProcess func(*testItem)
}

func (i *testItem) Process() {
	i.processed = true
	if i.onProcess != nil {
		i.onProcess(i)
	}
}

func (i *testItem) Complete() { i.completed = true }

func TestRingCapacityRoundsToPowerOfTwo(t *testing.T) {
	assert.Equal(t, 128, NewRing(100).Capacity())
	assert.Equal(t, DefaultCapacity, NewRing(0).Capacity())
	assert.Equal(t, 4, NewRing(3).Capacity())
}

func TestRingPushPopFIFO(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 8; i++ {
		require.True(t, r.Push(&Message{Item: &testItem{n: i}}))
	}
	assert.False(t, r.Push(&Message{Item: &testItem{n: 99}}), "ring must reject past capacity")
	for i := 0; i < 8; i++ {
		m := r.Pop()
		require.NotNil(t, m)
		assert.Equal(t, i, m.Item.(*testItem).n)
	}
	assert.Nil(t, r.Pop())
}

func TestRingSPSCOrderUnderConcurrency(t *testing.T) {
	r := NewRing(64)
	const n = 100000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Push(&Message{Item: &testItem{n: i}}) {
				i++
			}
		}
	}()
	next := 0
	for next < n {
		if m := r.Pop(); m != nil {
			require.Equal(t, next, m.Item.(*testItem).n, "out-of-order delivery")
			next++
		}
	}
	wg.Wait()
}
