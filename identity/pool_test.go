package identity

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIdentityPool(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetPool(0)
	assert.NotNil(err)

	uut, err := GetPool(10)
	assert.Nil(err)

	// Case 0: allocate up to the capacity
	for itr := uint64(1); itr <= 10; itr++ {
		id, err := uut.Allocate()
		assert.Nil(err)
		assert.Equal(itr, id)
		assert.Equal(itr, uut.Occupancy())
	}

	// Case 1: pool exhausted
	{
		_, err := uut.Allocate()
		assert.ErrorIs(err, ErrNoFreeIdentities)
		assert.EqualValues(10, uut.Occupancy())
	}

	// Case 2: release and double release
	{
		assert.Nil(uut.Release(5))
		assert.ErrorIs(uut.Release(5), ErrIdentityNotInUse)
		assert.EqualValues(9, uut.Occupancy())
		used, err := uut.InUse(5)
		assert.Nil(err)
		assert.False(used)
	}

	// Case 3: reuse the released identity
	{
		id, err := uut.Allocate()
		assert.Nil(err)
		assert.EqualValues(5, id)
		assert.EqualValues(10, uut.Occupancy())
	}

	// Case 4: out of bounds and never issued
	{
		assert.ErrorIs(uut.Release(11), ErrIdentityOutOfBounds)
		assert.ErrorIs(uut.Release(0), ErrIdentityNotInUse)
		_, err := uut.InUse(11)
		assert.ErrorIs(err, ErrIdentityOutOfBounds)
		assert.EqualValues(10, uut.Occupancy())
	}
}

func TestIdentityPoolSmallestFirstReuse(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetPool(100)
	assert.Nil(err)

	// Case 0: release identities that were never handed out
	{
		assert.ErrorIs(uut.Release(3), ErrIdentityNotInUse)
		assert.EqualValues(0, uut.Occupancy())
	}

	for itr := 0; itr < 8; itr++ {
		_, err := uut.Allocate()
		assert.Nil(err)
	}

	// Case 1: release out of order, reuse is smallest first
	{
		assert.Nil(uut.Release(6))
		assert.Nil(uut.Release(2))
		assert.Nil(uut.Release(4))
		assert.EqualValues(5, uut.Occupancy())

		for _, expected := range []uint64{2, 4, 6, 9} {
			id, err := uut.Allocate()
			assert.Nil(err)
			assert.Equal(expected, id)
		}
		assert.EqualValues(9, uut.Occupancy())
	}

	// Case 2: release everything
	{
		for itr := uint64(1); itr <= 9; itr++ {
			assert.Nil(uut.Release(itr))
		}
		assert.EqualValues(0, uut.Occupancy())
		id, err := uut.Allocate()
		assert.Nil(err)
		assert.EqualValues(1, id)
	}
}

func TestIdentityPoolOccupancySignal(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetPool(10)
	assert.Nil(err)

	rx1 := uut.SubscribeOccupancy()
	rx2 := uut.SubscribeOccupancy()
	defer rx1.Close()
	assert.EqualValues(0, rx1.Latest())

	readNext := func(rx OccupancyReceiver) uint64 {
		select {
		case v := <-rx.Updates():
			return v
		case <-time.After(time.Second):
			assert.Fail("no occupancy update")
			return 0
		}
	}

	// Case 0: prompt reader observes every change in order
	{
		_, err := uut.Allocate()
		assert.Nil(err)
		assert.EqualValues(1, readNext(rx1))
		_, err = uut.Allocate()
		assert.Nil(err)
		assert.EqualValues(2, readNext(rx1))
		assert.Nil(uut.Release(1))
		assert.EqualValues(1, readNext(rx1))
		assert.EqualValues(1, rx1.Latest())
	}

	// Case 1: slow reader only gets the newest value
	{
		assert.EqualValues(1, readNext(rx2))
		select {
		case <-rx2.Updates():
			assert.Fail("stale value should have been replaced")
		default:
		}
	}

	// Case 2: failed operations do not publish
	{
		assert.NotNil(uut.Release(1))
		select {
		case <-rx1.Updates():
			assert.Fail("unexpected occupancy update")
		default:
		}
	}

	// Case 3: closed receiver no longer gets updates
	{
		rx2.Close()
		rx2.Close()
		_, err := uut.Allocate()
		assert.Nil(err)
		assert.EqualValues(2, readNext(rx1))
		select {
		case <-rx2.Updates():
			assert.Fail("closed receiver got an update")
		default:
		}
		impl := uut.(*poolImpl)
		assert.Equal(1, impl.signal.receiverCount())
	}
}

func TestIdentityPoolConcurrentAllocate(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetPool(1000)
	assert.Nil(err)

	workers := 50
	perWorker := 10

	results := make(chan uint64, workers*perWorker)
	wg := sync.WaitGroup{}
	for itr := 0; itr < workers; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := uut.Allocate()
				assert.Nil(err)
				results <- id
			}
		}()
	}
	wg.Wait()
	close(results)

	ids := []uint64{}
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Distinct with no gaps below the high-water mark
	assert.Len(ids, workers*perWorker)
	for idx, id := range ids {
		assert.EqualValues(idx+1, id)
	}
	assert.EqualValues(workers*perWorker, uut.Occupancy())

	// Concurrent release back to empty
	wg = sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			assert.Nil(uut.Release(id))
		}(id)
	}
	wg.Wait()
	assert.EqualValues(0, uut.Occupancy())
}
