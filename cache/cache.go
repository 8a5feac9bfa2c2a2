// Package cache memoises image downloads. Concurrent requests for the same
// url share one download; failed downloads are forgotten so the next
// request retries. At most capacity urls are kept, the least recently
// requested one is evicted first.
package cache

import (
	"container/list"
	"errors"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("cache closed")

type Cache struct {
	requests chan request
	failed   chan failure
	done     chan struct{}
}

type request struct {
	key      string
	response chan result
}

type failure struct {
	key   string
	entry *entry
}

type resultValue []byte

type result struct {
	value resultValue
	err   error
}

type entry struct {
	key   string
	res   result
	ready chan struct{}
}

type Func func(key string) ([]byte, error)

// DefaultCapacity is used when NewCache is given a capacity below one
const DefaultCapacity = 256

func NewCache(f Func, capacity int) *Cache {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	cache := &Cache{
		requests: make(chan request),
		failed:   make(chan failure),
		done:     make(chan struct{}),
	}
	go cache.server(f, capacity)
	return cache
}

func (c *Cache) Get(key string) ([]byte, error) {
	response := make(chan result, 1)
	select {
	case c.requests <- request{key, response}:
	case <-c.done:
		return nil, ErrClosed
	}
	res := <-response
	return res.value, res.err
}

// Close stops the server goroutine. Downloads in flight still complete.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) server(f Func, capacity int) {
	cache := make(map[string]*list.Element)
	recent := list.New()
	for {
		select {
		case req := <-c.requests:
			el, ok := cache[req.key]
			if ok {
				recent.MoveToBack(el)
			} else {
				e := &entry{key: req.key, ready: make(chan struct{})}
				log.Debug().Str("url", req.key).Msg("Fetching")
				el = recent.PushBack(e)
				cache[req.key] = el
				go e.call(f, req.key, c.failed, c.done)
				if recent.Len() > capacity {
					// waiters of an evicted download still get its result
					oldest := recent.Remove(recent.Front()).(*entry)
					delete(cache, oldest.key)
				}
			}
			go el.Value.(*entry).deliver(req.response)
		case fl := <-c.failed:
			if el, ok := cache[fl.key]; ok && el.Value.(*entry) == fl.entry {
				recent.Remove(el)
				delete(cache, fl.key)
			}
		case <-c.done:
			return
		}
	}
}

func (e *entry) call(f Func, key string, failed chan<- failure, done <-chan struct{}) {
	value, err := f(key)
	e.res.value, e.res.err = value, err
	close(e.ready)
	if err != nil {
		select {
		case failed <- failure{key, e}:
		case <-done:
		}
	}
}

func (e *entry) deliver(response chan<- result) {
	<-e.ready
	response <- e.res
}
