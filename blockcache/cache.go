// Copyright 2025 The wsiconvert Authors
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

// Package blockcache provides the shared decode cache of the conversion
// pipeline. Decoded source blocks are keyed, reference counted, and evicted
// least-recently-used among blocks no in-flight job holds.
//
// The cache never runs a decode while holding its mutex: the first caller
// of a key owns the decode and publishes the result through a per-entry
// channel that concurrent callers wait on. Decode functions must be pure
// transforms over already-fetched bytes and must not call back into the
// cache; that restriction is what rules out the nested lock acquisition
// that can deadlock a pipeline where block decodes depend on each other.
package blockcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"wsiconvert/wsi"
)

// DecodeFunc produces the block for a key. It is invoked at most once per
// key for the lifetime of the cache, with no cache lock held. It must not
// call back into the cache.
type DecodeFunc func() (*wsi.RawBlock, error)

// CacheTimeoutError reports that waiting for another worker's in-flight
// decode exceeded the configured bound.
type CacheTimeoutError struct {
	Key  wsi.BlockKey
	Wait time.Duration
}

func (e *CacheTimeoutError) Error() string {
	return fmt.Sprintf("waiting for decode of block level=%d x=%d y=%d exceeded %v",
		e.Key.Level, e.Key.X, e.Key.Y, e.Wait)
}

// Options bound the cache. A zero value of either limit disables that
// bound; with both zero the cache is unbounded.
type Options struct {
	// MaxBlocks caps the number of resident decoded blocks.
	MaxBlocks int

	// MaxBytes caps the total attributed size of resident blocks.
	MaxBytes int64

	// WaitBound, when positive, bounds how long a caller waits for a
	// decode owned by another worker before failing with CacheTimeoutError.
	WaitBound time.Duration
}

// Cache is a keyed decode cache safe for concurrent use. The mutex guards
// only map and list bookkeeping; it is never held across a decode.
type Cache struct {
	opts Options

	mu       sync.Mutex
	entries  map[wsi.BlockKey]*entry
	lru      *list.List // front = most recently used, zero-ref entries only
	curBytes int64
}

type entry struct {
	key   wsi.BlockKey
	done  chan struct{} // closed once block/err are set
	block *wsi.RawBlock
	err   error

	refs int
	size int64
	elem *list.Element // non-nil only while refs == 0 and decode finished
}

// New returns an empty cache with the given bounds.
func New(opts Options) *Cache {
	return &Cache{
		opts:    opts,
		entries: map[wsi.BlockKey]*entry{},
		lru:     list.New(),
	}
}

// Handle is a counted reference to a resident block. Callers must Release
// the handle once the block is no longer needed; the block is immutable
// and must not be modified through the handle.
type Handle struct {
	c *Cache
	e *entry
}

// Block returns the referenced block.
func (h *Handle) Block() *wsi.RawBlock { return h.e.block }

// Release drops the reference, making the block an eviction candidate once
// no other job holds it. Release is not idempotent.
func (h *Handle) Release() {
	h.c.release(h.e)
}

// GetOrDecode returns a handle to the block for key, running decode exactly
// once per key even under concurrent callers. A decode failure is cached as
// terminal for the key and surfaced as *wsi.DecodeError to every caller.
func (c *Cache) GetOrDecode(ctx context.Context, key wsi.BlockKey, decode DecodeFunc) (*Handle, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.ref(c)
		c.mu.Unlock()
		return c.await(ctx, e)
	}

	e = &entry{key: key, done: make(chan struct{}), refs: 1}
	c.entries[key] = e
	c.mu.Unlock()

	block, err := decode()

	c.mu.Lock()
	e.block = block
	if err != nil {
		e.err = &wsi.DecodeError{Key: key, Err: err}
	} else {
		e.size = block.Size()
		c.curBytes += e.size
	}
	close(e.done)
	c.evictLocked()
	c.mu.Unlock()

	if e.err != nil {
		c.release(e)
		return nil, e.err
	}
	return &Handle{c: c, e: e}, nil
}

// await waits for the owning worker's decode to finish. The caller already
// holds a reference on e.
func (c *Cache) await(ctx context.Context, e *entry) (*Handle, error) {
	var timeout <-chan time.Time
	if c.opts.WaitBound > 0 {
		t := time.NewTimer(c.opts.WaitBound)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		c.release(e)
		return nil, ctx.Err()
	case <-timeout:
		c.release(e)
		return nil, &CacheTimeoutError{Key: e.key, Wait: c.opts.WaitBound}
	}

	if e.err != nil {
		c.release(e)
		return nil, e.err
	}
	return &Handle{c: c, e: e}, nil
}

// ref takes a reference with c.mu held.
func (e *entry) ref(c *Cache) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.refs++
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}

	if e.err != nil {
		// Failed entries stay resident so repeated requests fail fast, but
		// never enter the LRU list; they hold no block to evict.
		return
	}

	e.elem = c.lru.PushFront(e)
	c.evictLocked()
}

// evictLocked drops least-recently-used zero-reference blocks until the
// configured bounds are met. It never blocks and never touches a block a
// worker currently holds.
func (c *Cache) evictLocked() {
	for c.overBudgetLocked() {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		e.elem = nil
		c.curBytes -= e.size
		delete(c.entries, e.key)
	}
}

func (c *Cache) overBudgetLocked() bool {
	if c.opts.MaxBlocks > 0 && c.residentLocked() > c.opts.MaxBlocks {
		return true
	}
	if c.opts.MaxBytes > 0 && c.curBytes > c.opts.MaxBytes {
		return true
	}
	return false
}

func (c *Cache) residentLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.err == nil {
			n++
		}
	}
	return n
}

// Len returns the number of resident decoded blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentLocked()
}

// Bytes returns the total attributed size of resident blocks.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
