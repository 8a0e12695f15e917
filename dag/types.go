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

package dag

import (
	"time"

	"github.com/aaronlmathis/microbatch/dag/tasks"
)

// DAG represents a directed acyclic graph of tasks that is executed one iteration at a time
type DAG struct {
	id           string
	name         string
	tasks        map[string]tasks.Task
	dependencies map[string][]string
	metadata     DAGMetadata

	// levels is computed by Executor.Init and reused by every iteration.
	levels     [][]string
	iterations int64
}

// DAGMetadata contains DAG-level configuration
type DAGMetadata struct {
	Description    string
	MaxParallelism int
	DefaultTimeout time.Duration
	GlobalContext  map[string]interface{}
}

// IterationResult contains the results of one DAG iteration
type IterationResult struct {
	Iteration   int64
	StartTime   time.Time
	EndTime     time.Time
	TaskResults map[string]tasks.TaskResultMetadata
}

// Duration returns how long the iteration took.
func (r *IterationResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
