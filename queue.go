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

	"github.com/aaronlmathis/microbatch/core"
)

// pendingElement is a buffered input element and the window it arrived in.
type pendingElement struct {
	el     core.Element
	window core.Window
}

// BufferedElementQueue accumulates elements awaiting a flush.
// Every appended element is returned by exactly one DrainAll.
type BufferedElementQueue struct {
	mu    sync.Mutex
	items []pendingElement
}

// NewBufferedElementQueue creates an empty queue with room for capacity elements.
func NewBufferedElementQueue(capacity int) *BufferedElementQueue {
	return &BufferedElementQueue{items: make([]pendingElement, 0, capacity)}
}

// Append adds an element to the tail and returns the new length.
func (q *BufferedElementQueue) Append(el core.Element, window core.Window) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, pendingElement{el: el, window: window})
	return len(q.items)
}

// DrainAll removes and returns every buffered element in arrival order.
func (q *BufferedElementQueue) DrainAll() []pendingElement {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	drained := make([]pendingElement, len(q.items))
	copy(drained, q.items)
	clear(q.items)
	q.items = q.items[:0]
	return drained
}

// IsEmpty reports whether nothing is buffered.
func (q *BufferedElementQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of buffered elements.
func (q *BufferedElementQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
