// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/fuzed-innovations/MongoKitten/x/address"
)

// ErrPoolClosed is returned from an attempt to use a closed pool.
var ErrPoolClosed = PoolError("pool is closed")

// ErrSizeLargerThanCapacity is returned from an attempt to create a pool with
// a size larger than the capacity.
var ErrSizeLargerThanCapacity = PoolError("size is larger than capacity")

// These constants represent the connection states of a pool.
const (
	disconnected int32 = iota
	disconnecting
	connected
)

// Pool is a bounded pool of connections to a single server. Checkout requests
// beyond capacity queue in FIFO order behind a weighted semaphore.
type Pool struct {
	address    address.Address
	opts       []Option
	conns      chan *PooledConnection
	generation uint64
	sem        *semaphore.Weighted
	connected  int32
	nextid     uint64
	capacity   uint64
	inflight   map[uint64]*PooledConnection

	sync.Mutex
}

// NewPool creates a new pool that will hold size number of idle connections
// and will create a max of capacity connections. It will use the provided
// options.
func NewPool(addr address.Address, size, capacity uint64, opts ...Option) (*Pool, error) {
	if size > capacity {
		return nil, ErrSizeLargerThanCapacity
	}

	p := &Pool{
		address:   addr,
		conns:     make(chan *PooledConnection, size),
		sem:       semaphore.NewWeighted(int64(capacity)),
		connected: connected,
		capacity:  capacity,
		inflight:  make(map[uint64]*PooledConnection),
		opts:      opts,
	}
	return p, nil
}

// Drain makes all connections in the pool, in use or idle, ineligible for
// reuse. They are closed as they are returned.
func (p *Pool) Drain() {
	atomic.AddUint64(&p.generation, 1)
}

// Get checks a connection out of the pool. An idle connection is reused when
// one is available; otherwise a new connection is dialed, blocking while the
// pool is at capacity until a connection frees up or the context expires.
func (p *Pool) Get(ctx context.Context) (*PooledConnection, error) {
	if atomic.LoadInt32(&p.connected) != connected {
		return nil, ErrPoolClosed
	}

	for {
		select {
		case pc := <-p.conns:
			if pc.Expired() {
				_ = p.closeConnection(pc)
				continue
			}
			return pc, nil
		default:
		}

		if p.sem.TryAcquire(1) {
			return p.dial(ctx)
		}

		select {
		case pc := <-p.conns:
			if pc.Expired() {
				_ = p.closeConnection(pc)
				continue
			}
			return pc, nil
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrPoolExhausted
			}
			return nil, TimeoutError{Scope: ScopeCheckout, Wrapped: ctx.Err()}
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*PooledConnection, error) {
	g := atomic.LoadUint64(&p.generation)

	c, err := New(ctx, p.address, p.opts...)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	pc := &PooledConnection{
		Connection: c,
		p:          p,
		generation: g,
		id:         atomic.AddUint64(&p.nextid, 1),
	}

	p.Lock()
	p.inflight[pc.id] = pc
	p.Unlock()

	return pc, nil
}

// Disconnect closes all connections managed by this pool. It waits for in-use
// connections to be returned until the context expires, at which point they
// are closed forcibly.
func (p *Pool) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.connected, connected, disconnecting) {
		return ErrPoolClosed
	}

loop:
	for {
		select {
		case pc := <-p.conns:
			_ = p.closeConnection(pc)
		default:
			break loop
		}
	}

	err := p.sem.Acquire(ctx, int64(p.capacity))
	if err != nil {
		p.Lock()
		toClose := make([]*PooledConnection, 0, len(p.inflight))
		for _, pc := range p.inflight {
			toClose = append(toClose, pc)
		}
		p.Unlock()
		for _, pc := range toClose {
			_ = p.closeConnection(pc)
		}
	} else {
		p.sem.Release(int64(p.capacity))
	}

	atomic.StoreInt32(&p.connected, disconnected)
	return nil
}

func (p *Pool) closeConnection(pc *PooledConnection) error {
	if !atomic.CompareAndSwapInt32(&pc.closed, 0, 1) {
		return nil
	}
	p.sem.Release(1)
	p.Lock()
	delete(p.inflight, pc.id)
	p.Unlock()
	return pc.Connection.Close()
}

func (p *Pool) returnConnection(pc *PooledConnection) error {
	if atomic.LoadInt32(&p.connected) != connected || pc.Expired() {
		return p.closeConnection(pc)
	}

	select {
	case p.conns <- pc:
		return nil
	default:
		return p.closeConnection(pc)
	}
}

func (p *Pool) isExpired(generation uint64) bool {
	return generation < atomic.LoadUint64(&p.generation)
}

// PooledConnection is a connection checked out of a pool. Closing it returns
// it to the pool; a poisoned connection is discarded instead of pooled.
type PooledConnection struct {
	*Connection
	p          *Pool
	generation uint64
	id         uint64
	closed     int32
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() error {
	return pc.p.returnConnection(pc)
}

// Expired returns true when the connection must not be reused: it has been
// poisoned, or the pool has been drained since it was created.
func (pc *PooledConnection) Expired() bool {
	return !pc.Connection.Alive() || pc.p.isExpired(pc.generation)
}
