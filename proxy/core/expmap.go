// Copyright (c) 2024 the ZDT-D authors.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright (c) 2023 RethinkDNS and its authors.
//     This Source Code Form is subject to the terms of the Mozilla Public
//     License, v. 2.0. If a copy of the MPL was not distributed with this
//     file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"sync"
	"time"
)

var (
	reapthreshold = 5 * time.Minute
	maxreapiter   = 100
	sizethreshold = 500
)

type val struct {
	expiry time.Time
	hits   uint32
}

// ExpMap is a lazily-reaped map from an arbitrary key to a hit count that
// resets once its expiry elapses. It is a standalone utility: no other
// package in this repository constructs one, so UDP control dials are
// not rate-limited through it.
type ExpMap struct {
	sync.Mutex
	m        map[string]*val
	lastreap time.Time
}

// NewExpMap returns an empty ExpMap.
func NewExpMap() *ExpMap {
	return &ExpMap{
		m:        make(map[string]*val),
		lastreap: time.Now(),
	}
}

// Get records a hit for key and returns its count: an unknown key is
// added with 0 hits, an expired key is reset to 0, and an unexpired key
// has its count incremented before it is returned.
func (m *ExpMap) Get(key string) uint32 {
	n := time.Now()

	m.Lock()
	defer m.Unlock()

	v, ok := m.m[key]
	if !ok {
		v = &val{expiry: n}
		m.m[key] = v
	} else if n.After(v.expiry) {
		v.hits = 0
	} else {
		v.hits++
	}
	return v.hits
}

// Set bumps key's expiry to now+expiry, opportunistically reaping stale
// entries once the map grows past sizethreshold.
func (m *ExpMap) Set(key string, expiry time.Duration) uint32 {
	n := time.Now().Add(expiry)

	m.Lock()
	defer m.Unlock()

	v, ok := m.m[key]
	if ok && n.After(v.expiry) {
		v.expiry = n
	} else {
		v = &val{expiry: n}
		m.m[key] = v
	}

	go m.reaper()

	return v.hits
}

// Delete removes key.
func (m *ExpMap) Delete(key string) {
	m.Lock()
	defer m.Unlock()
	delete(m.m, key)
}

// Len returns the number of tracked keys.
func (m *ExpMap) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.m)
}

func (m *ExpMap) reaper() {
	m.Lock()
	defer m.Unlock()

	l := len(m.m)
	if l < sizethreshold {
		return
	}

	now := time.Now()
	if now.Sub(m.lastreap.Add(reapthreshold)) <= 0 {
		return
	}
	m.lastreap = now

	i := 0
	for k, v := range m.m {
		i++
		if now.Sub(v.expiry) > 0 {
			delete(m.m, k)
		}
		if i > maxreapiter {
			break
		}
	}
}
