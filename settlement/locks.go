package settlement

import (
	"fmt"
	"sync"

	"github.com/warp/escrow-engine/escrow"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
// Operations on different campaigns never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Lock order: contributor first, then campaign. A contributor lock held
// across a slow payout must never pin another campaign.
func campaignKey(id escrow.CampaignID) string {
	return fmt.Sprintf("campaign:%d", id)
}

func contributorKey(who escrow.Identity) string {
	return "contributor:" + string(who)
}
