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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushScheduler_Due(t *testing.T) {
	s := NewFlushScheduler(50*time.Millisecond, time.Millisecond)
	last := time.Now()

	assert.False(t, s.Due(last.Add(49*time.Millisecond), last, 1))
	assert.True(t, s.Due(last.Add(50*time.Millisecond), last, 1))
	assert.False(t, s.Due(last.Add(time.Hour), last, 0), "empty buffer")

	disabled := NewFlushScheduler(0, time.Millisecond)
	assert.False(t, disabled.Enabled())
	assert.False(t, disabled.Due(last.Add(time.Hour), last, 10))
}

func TestFlushScheduler_DeliversTicksUntilStopped(t *testing.T) {
	s := NewFlushScheduler(time.Millisecond, time.Millisecond)
	s.Start()
	s.Start()

	select {
	case <-s.Ticks():
	case <-time.After(time.Second):
		t.Fatal("no tick delivered")
	}

	s.Stop()
	s.Stop()

	select {
	case <-s.Ticks():
		t.Fatal("tick delivered after Stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFlushScheduler_DisabledNeverTicks(t *testing.T) {
	s := NewFlushScheduler(0, time.Millisecond)
	s.Start()
	defer s.Stop()

	select {
	case <-s.Ticks():
		t.Fatal("disabled scheduler ticked")
	case <-time.After(20 * time.Millisecond):
	}
}
