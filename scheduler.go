//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of microbatch.
//
// microbatch is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// microbatch is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with microbatch. If not, see https://www.gnu.org/licenses/.

package microbatch

import (
	"sync"
	"time"
)

// FlushScheduler delivers ticks to the coordinator at a fixed interval and decides
// whether a tick should flush.
type FlushScheduler struct {
	interval time.Duration
	tick     time.Duration
	ticks    chan time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewFlushScheduler creates a scheduler. An interval of zero disables time triggering.
func NewFlushScheduler(interval, tick time.Duration) *FlushScheduler {
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &FlushScheduler{
		interval: interval,
		tick:     tick,
		ticks:    make(chan time.Time, 1),
	}
}

// Enabled reports whether time triggering is on.
func (s *FlushScheduler) Enabled() bool {
	return s.interval > 0
}

// Ticks is the channel the coordinator selects on. It never delivers when the
// scheduler is disabled or stopped.
func (s *FlushScheduler) Ticks() <-chan time.Time {
	return s.ticks
}

// Due reports whether a tick at now should flush: time triggering is enabled,
// elements are pending and the buffer has been stale for at least the interval.
func (s *FlushScheduler) Due(now, lastFlush time.Time, pending int) bool {
	if !s.Enabled() || pending == 0 {
		return false
	}
	return now.Sub(lastFlush) >= s.interval
}

// Start launches the ticker goroutine. It is a no-op when disabled or already running.
func (s *FlushScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() || s.running {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.run(s.stop, s.done)
}

// Stop cancels the ticker and waits for its goroutine to exit. No tick is sent after
// Stop returns. Stop is idempotent.
func (s *FlushScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done

	// drop a tick that was buffered before the stop
	select {
	case <-s.ticks:
	default:
	}
}

func (s *FlushScheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			// coalesce: a slow coordinator sees at most one pending tick
			select {
			case s.ticks <- now:
			case <-stop:
				return
			default:
			}
		}
	}
}
