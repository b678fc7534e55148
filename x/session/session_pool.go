// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrPoolClosed is returned when a session is requested from a closed pool.
var ErrPoolClosed = errors.New("session pool is closed")

// sweepInterval is how often the background sweeper scans for expired
// sessions.
const sweepInterval = time.Minute

// Pool is a pool of server sessions that can be reused.
type Pool struct {
	mu             sync.Mutex
	sessions       []*Server
	timeoutMinutes uint32
	closed         bool
	stopSweeper    chan struct{}
	sweeperDone    chan struct{}
}

// NewPool creates a session pool. The timeout is the server's advertised
// logicalSessionTimeoutMinutes.
func NewPool(timeoutMinutes uint32) *Pool {
	p := &Pool{
		timeoutMinutes: timeoutMinutes,
		stopSweeper:    make(chan struct{}),
		sweeperDone:    make(chan struct{}),
	}
	go p.sweep()
	return p
}

// UpdateTimeout replaces the session timeout when a handshake reports a new
// value.
func (p *Pool) UpdateTimeout(timeoutMinutes uint32) {
	p.mu.Lock()
	p.timeoutMinutes = timeoutMinutes
	p.mu.Unlock()
}

// GetSession retrieves an unexpired session from the pool, or creates a new
// one.
func (p *Pool) GetSession() (*Server, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for len(p.sessions) > 0 {
		ss := p.sessions[len(p.sessions)-1]
		p.sessions = p.sessions[:len(p.sessions)-1]
		if !ss.expired(p.timeoutMinutes) {
			p.mu.Unlock()
			return ss, nil
		}
	}
	p.mu.Unlock()

	return newServerSession()
}

// ReturnSession returns a session to the pool if it has not expired.
func (p *Pool) ReturnSession(ss *Server) {
	if ss == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || ss.expired(p.timeoutMinutes) {
		return
	}
	p.sessions = append(p.sessions, ss)
}

// Drain closes the pool and returns the ids of all pooled sessions so they
// can be reported through endSessions.
func (p *Pool) Drain() []bsoncore.Document {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stopSweeper)
	}
	ids := make([]bsoncore.Document, 0, len(p.sessions))
	for _, ss := range p.sessions {
		ids = append(ids, ss.SessionID)
	}
	p.sessions = nil
	p.mu.Unlock()

	<-p.sweeperDone
	return ids
}

// sweep evicts sessions that have sat idle long enough to be near server-side
// expiry.
func (p *Pool) sweep() {
	defer close(p.sweeperDone)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			remaining := p.sessions[:0]
			for _, ss := range p.sessions {
				if !ss.expired(p.timeoutMinutes) {
					remaining = append(remaining, ss)
				}
			}
			p.sessions = remaining
			p.mu.Unlock()
		case <-p.stopSweeper:
			return
		}
	}
}
