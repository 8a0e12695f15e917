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
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aaronlmathis/microbatch/dag/tasks"
)

// GetTasks returns all tasks in the DAG
func (d *DAG) GetTasks() map[string]tasks.Task {
	return d.tasks
}

// GetTask returns a single task by id
func (d *DAG) GetTask(taskID string) (tasks.Task, bool) {
	task, ok := d.tasks[taskID]
	return task, ok
}

// GetDependencies returns the dependencies for a specific task
func (d *DAG) GetDependencies(taskID string) []string {
	if deps, exists := d.dependencies[taskID]; exists {
		return deps
	}
	return []string{}
}

// GetTasksByType returns tasks filtered by type
func (d *DAG) GetTasksByType(taskType tasks.TaskType) map[string]tasks.Task {
	result := make(map[string]tasks.Task)
	for id, task := range d.tasks {
		if task.Metadata().TaskType == taskType {
			result[id] = task
		}
	}
	return result
}

// GetTaskCount returns the total number of tasks
func (d *DAG) GetTaskCount() int {
	return len(d.tasks)
}

// HasTask checks if a task exists in the DAG
func (d *DAG) HasTask(taskID string) bool {
	_, exists := d.tasks[taskID]
	return exists
}

// GetDownstreamTasks returns all tasks that depend on this task, sorted by id
func (d *DAG) GetDownstreamTasks(taskID string) []string {
	var downstream []string
	for id, deps := range d.dependencies {
		for _, dep := range deps {
			if dep == taskID {
				downstream = append(downstream, id)
				break
			}
		}
	}
	sort.Strings(downstream)
	return downstream
}

// GetMetadata returns the DAG's metadata
func (d *DAG) GetMetadata() DAGMetadata {
	return d.metadata
}

// GetID returns the DAG's unique identifier
func (d *DAG) GetID() string {
	return d.id
}

// GetName returns the DAG's name
func (d *DAG) GetName() string {
	return d.name
}

// Iterations returns the number of iterations run so far
func (d *DAG) Iterations() int64 {
	return d.iterations
}

// Initialized reports whether an executor has prepared the DAG
func (d *DAG) Initialized() bool {
	return d.levels != nil
}

// Producer returns the producer of an injector node
func (d *DAG) Producer(nodeID string) (*tasks.Producer, error) {
	task, ok := d.tasks[nodeID]
	if !ok {
		return nil, fmt.Errorf("no task %s", nodeID)
	}
	injector, ok := task.(*tasks.InjectorTask)
	if !ok {
		return nil, fmt.Errorf("task %s is a %s task, not an injector", nodeID, task.Metadata().TaskType)
	}
	return injector.Producer(), nil
}

// AddRowListener registers fn on a node that observes rows
func (d *DAG) AddRowListener(nodeID string, fn tasks.RowListener) error {
	task, ok := d.tasks[nodeID]
	if !ok {
		return fmt.Errorf("no task %s", nodeID)
	}
	observer, ok := task.(tasks.RowObserver)
	if !ok {
		return fmt.Errorf("task %s does not accept row listeners", nodeID)
	}
	observer.AddRowListener(fn)
	return nil
}

// Close releases every task that holds resources. All tasks are closed even if one fails.
func (d *DAG) Close() error {
	var errs []error
	for _, id := range d.sortedTaskIDs() {
		if closer, ok := d.tasks[id].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Describe provides a human-readable DAG structure for debugging
func (d *DAG) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DAG: %s (%s)\n", d.name, d.id)
	for _, id := range d.sortedTaskIDs() {
		metadata := d.tasks[id].Metadata()
		fmt.Fprintf(&b, "  %s [%s]", id, metadata.TaskType)
		if deps := d.GetDependencies(id); len(deps) > 0 {
			fmt.Fprintf(&b, " <- %v", deps)
		}
		if sub, ok := d.tasks[id].(tasks.Subscriber); ok && sub.Channel() != "" {
			fmt.Fprintf(&b, " channel=%s", sub.Channel())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// GetDAGMetrics returns metrics about the DAG structure and its iterations
func (d *DAG) GetDAGMetrics() map[string]interface{} {
	var recordsRead, recordsWritten int64
	for _, task := range d.tasks {
		md := task.Metadata()
		if md.TaskType == tasks.TaskTypeInjector {
			recordsRead += md.RecordsWritten
		}
		if md.TaskType == tasks.TaskTypeSink {
			recordsWritten += md.RecordsRead
		}
	}

	return map[string]interface{}{
		"dag_id":          d.id,
		"dag_name":        d.name,
		"total_tasks":     len(d.tasks),
		"injector_tasks":  len(d.GetTasksByType(tasks.TaskTypeInjector)),
		"transform_tasks": len(d.GetTasksByType(tasks.TaskTypeTransform)),
		"sink_tasks":      len(d.GetTasksByType(tasks.TaskTypeSink)),
		"max_depth":       d.calculateMaxDepth(),
		"iterations":      d.iterations,
		"rows_injected":   recordsRead,
		"rows_sunk":       recordsWritten,
	}
}

// ValidateDAGStructure performs comprehensive DAG validation
func (d *DAG) ValidateDAGStructure() []error {
	var errs []error

	for _, taskID := range d.sortedTaskIDs() {
		for _, dep := range d.dependencies[taskID] {
			if !d.HasTask(dep) {
				errs = append(errs, fmt.Errorf("task %s depends on non-existent task %s", taskID, dep))
			}
		}
		if d.tasks[taskID].Metadata().Timeout < 0 {
			errs = append(errs, fmt.Errorf("task %s has invalid negative timeout", taskID))
		}
	}

	if d.hasCycle() {
		errs = append(errs, fmt.Errorf("DAG contains cycles"))
	}

	return errs
}

// GetExecutionOrder returns tasks in topological execution order
func (d *DAG) GetExecutionOrder() ([]string, error) {
	return d.topologicalSort()
}

func (d *DAG) sortedTaskIDs() []string {
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *DAG) hasCycle() bool {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for taskID := range d.tasks {
		if !visited[taskID] {
			if d.dfsHasCycle(taskID, visited, recStack) {
				return true
			}
		}
	}
	return false
}

func (d *DAG) dfsHasCycle(taskID string, visited, recStack map[string]bool) bool {
	visited[taskID] = true
	recStack[taskID] = true

	for _, dep := range d.dependencies[taskID] {
		if !visited[dep] {
			if d.dfsHasCycle(dep, visited, recStack) {
				return true
			}
		} else if recStack[dep] {
			return true
		}
	}

	recStack[taskID] = false
	return false
}

func (d *DAG) calculateMaxDepth() int {
	depths := make(map[string]int)

	var calculateDepth func(taskID string) int
	calculateDepth = func(taskID string) int {
		if depth, exists := depths[taskID]; exists {
			return depth
		}

		maxDepth := 0
		for _, dep := range d.GetDependencies(taskID) {
			if depDepth := calculateDepth(dep); depDepth > maxDepth {
				maxDepth = depDepth
			}
		}

		depths[taskID] = maxDepth + 1
		return depths[taskID]
	}

	maxOverall := 0
	for taskID := range d.tasks {
		if depth := calculateDepth(taskID); depth > maxOverall {
			maxOverall = depth
		}
	}

	return maxOverall
}

// topologicalSort performs Kahn's algorithm. Ready tasks are taken in id order so the
// result is deterministic.
func (d *DAG) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	for taskID := range d.tasks {
		inDegree[taskID] = len(d.dependencies[taskID])
	}

	queue := make([]string, 0)
	for _, taskID := range d.sortedTaskIDs() {
		if inDegree[taskID] == 0 {
			queue = append(queue, taskID)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, taskID := range d.GetDownstreamTasks(current) {
			inDegree[taskID]--
			if inDegree[taskID] == 0 {
				queue = append(queue, taskID)
			}
		}
	}

	if len(result) != len(d.tasks) {
		return nil, fmt.Errorf("DAG contains cycles")
	}

	return result, nil
}
