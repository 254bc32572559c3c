// Copyright 2021-2022 The mpvhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity hands out the small numeric identities used to tell observer
// sessions apart, and broadcasts how many of them are in use.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
)

var (
	// ErrNoFreeIdentities every identity below the capacity is in use
	ErrNoFreeIdentities = errors.New("no free identities")
	// ErrIdentityNotInUse the identity is not currently allocated
	ErrIdentityNotInUse = errors.New("identity not in use")
	// ErrIdentityOutOfBounds the identity exceeds the pool capacity
	ErrIdentityOutOfBounds = errors.New("identity out of bounds")
)

// Pool allocates and recycles identities in the range [1, capacity]
type Pool interface {
	// Allocate reserve the smallest available identity
	Allocate() (uint64, error)
	// Release return an identity to the pool
	Release(id uint64) error
	// InUse check whether an identity is currently allocated
	InUse(id uint64) (bool, error)
	// Occupancy the number of allocated identities
	Occupancy() uint64
	// Capacity the largest identity the pool will hand out
	Capacity() uint64
	// SubscribeOccupancy get a new independent receiver of occupancy changes
	SubscribeOccupancy() OccupancyReceiver
}

// poolImpl implements Pool
type poolImpl struct {
	common.Component
	lock      *sync.Mutex
	capacity  uint64
	highWater uint64
	// free identities below the high-water mark, sorted ascending
	free   []uint64
	signal *occupancySignal
}

// GetPool define a new identity pool
func GetPool(capacity uint64) (Pool, error) {
	logTags := log.Fields{
		"module": "identity", "component": "pool", "capacity": capacity,
	}
	if capacity == 0 {
		return nil, fmt.Errorf("identity pool capacity must be positive")
	}
	return &poolImpl{
		Component: common.Component{LogTags: logTags},
		lock:      new(sync.Mutex),
		capacity:  capacity,
		highWater: 0,
		free:      []uint64{},
		signal:    newOccupancySignal(),
	}, nil
}

// occupancy must be called while holding the lock
func (p *poolImpl) occupancy() uint64 {
	return p.highWater - uint64(len(p.free))
}

// inUse must be called while holding the lock
func (p *poolImpl) inUse(id uint64) (bool, error) {
	if id > p.capacity {
		return false, fmt.Errorf("%w: %d > %d", ErrIdentityOutOfBounds, id, p.capacity)
	}
	if id == 0 || id > p.highWater {
		return false, nil
	}
	idx := sort.Search(len(p.free), func(i int) bool { return p.free[i] >= id })
	return !(idx < len(p.free) && p.free[idx] == id), nil
}

// Allocate reserve the smallest available identity
func (p *poolImpl) Allocate() (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	var id uint64
	if len(p.free) > 0 {
		id = p.free[0]
		p.free = p.free[1:]
	} else if p.highWater < p.capacity {
		p.highWater++
		id = p.highWater
	} else {
		return 0, ErrNoFreeIdentities
	}
	p.signal.publish(p.occupancy())
	log.WithFields(p.LogTags).Debugf("Allocated identity %d", id)
	return id, nil
}

// Release return an identity to the pool
func (p *poolImpl) Release(id uint64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	used, err := p.inUse(id)
	if err != nil {
		return err
	}
	if !used {
		return fmt.Errorf("%w: %d", ErrIdentityNotInUse, id)
	}
	idx := sort.Search(len(p.free), func(i int) bool { return p.free[i] >= id })
	p.free = append(p.free, 0)
	copy(p.free[idx+1:], p.free[idx:])
	p.free[idx] = id
	p.signal.publish(p.occupancy())
	log.WithFields(p.LogTags).Debugf("Released identity %d", id)
	return nil
}

// InUse check whether an identity is currently allocated
func (p *poolImpl) InUse(id uint64) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inUse(id)
}

// Occupancy the number of allocated identities
func (p *poolImpl) Occupancy() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.occupancy()
}

// Capacity the largest identity the pool will hand out
func (p *poolImpl) Capacity() uint64 {
	return p.capacity
}

// SubscribeOccupancy get a new independent receiver of occupancy changes
func (p *poolImpl) SubscribeOccupancy() OccupancyReceiver {
	return p.signal.subscribe()
}
