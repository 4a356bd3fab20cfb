// lockmap is a sharded lock map, used to track inodes whose blocks are
// being written to the log.
//
// The API is as if LockMap consisted of a lock for every inode number;
// LockMap.Acquire(ino) marks a write of ino in flight and
// LockMap.Release(ino) ends it. LockMap.Wait(ino) blocks until no write of
// ino is in flight without acquiring anything, which is what freeing an
// inode needs before it reuses the slot.
//
// Only a fixed collection of shards is kept; shard i holds the state of
// every ino with ino % NSHARD == i, and each held lock has one condition
// variable that waiters sleep on.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/go-lfs/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Inum]*lockState
}

func mkLockShard() *lockShard {
	state := make(map[common.Inum]*lockState)
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: state,
	}
	return a
}

func (lmap *lockShard) getState(ino common.Inum) *lockState {
	state, ok := lmap.state[ino]
	if !ok {
		state = &lockState{
			held:    false,
			cond:    sync.NewCond(lmap.mu),
			waiters: 0,
		}
		lmap.state[ino] = state
	}
	return state
}

// sleep waits on state's condition variable. Caller holds lmap.mu.
func (lmap *lockShard) sleep(ino common.Inum, state *lockState) {
	state.waiters += 1
	state.cond.Wait()
	if state2, ok := lmap.state[ino]; ok {
		state2.waiters -= 1
	}
}

func (lmap *lockShard) acquire(ino common.Inum) {
	lmap.mu.Lock()
	for {
		state := lmap.getState(ino)
		if !state.held {
			state.held = true
			break
		}
		lmap.sleep(ino, state)
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) wait(ino common.Inum) {
	lmap.mu.Lock()
	for {
		state, ok := lmap.state[ino]
		if !ok || !state.held {
			break
		}
		lmap.sleep(ino, state)
	}
	if state, ok := lmap.state[ino]; ok && !state.held && state.waiters == 0 {
		delete(lmap.state, ino)
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(ino common.Inum) {
	lmap.mu.Lock()
	state, ok := lmap.state[ino]
	common.Assert(ok && state.held, "release of inode %d with no write in flight", ino)
	state.held = false
	if state.waiters > 0 {
		state.cond.Broadcast()
	} else {
		delete(lmap.state, ino)
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) isHeld(ino common.Inum) bool {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[ino]
	return ok && state.held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

func (lmap *LockMap) shard(ino common.Inum) *lockShard {
	return lmap.shards[uint64(ino)%NSHARD]
}

func (lmap *LockMap) Acquire(ino common.Inum) {
	lmap.shard(ino).acquire(ino)
}

func (lmap *LockMap) Release(ino common.Inum) {
	lmap.shard(ino).release(ino)
}

func (lmap *LockMap) Wait(ino common.Inum) {
	lmap.shard(ino).wait(ino)
}

func (lmap *LockMap) IsHeld(ino common.Inum) bool {
	return lmap.shard(ino).isHeld(ino)
}
