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

// dag_executor.go - DAG execution engine with topological levels
package dag

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/dag/tasks"
)

// DAGExecutor runs a DAG one iteration at a time. Each iteration executes every task
// once, level by level, with a bounded worker pool per level.
type DAGExecutor struct {
	maxWorkers int
}

// DAGExecutorOption configures a DAGExecutor
type DAGExecutorOption func(*DAGExecutor)

// WithMaxWorkers sets the maximum number of concurrent workers
func WithMaxWorkers(workers int) DAGExecutorOption {
	return func(de *DAGExecutor) {
		if workers > 0 {
			de.maxWorkers = workers
		}
	}
}

// NewDAGExecutor creates a new DAG executor with options
func NewDAGExecutor(opts ...DAGExecutorOption) *DAGExecutor {
	de := &DAGExecutor{
		maxWorkers: runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(de)
	}

	return de
}

// Init prepares a DAG for iteration: it orders the tasks into levels and initializes
// every task that needs it. Init is idempotent.
func (de *DAGExecutor) Init(ctx context.Context, dag *DAG) error {
	if dag.Initialized() {
		return nil
	}

	sortedTasks, err := dag.topologicalSort()
	if err != nil {
		return fmt.Errorf("topological sort failed: %w", err)
	}

	for _, taskID := range sortedTasks {
		if init, ok := dag.tasks[taskID].(core.Initializer); ok {
			if err := init.Init(ctx); err != nil {
				return fmt.Errorf("task %s init failed: %w", taskID, err)
			}
		}
	}

	dag.levels = de.groupTasksByLevel(dag, sortedTasks)
	return nil
}

// RunOneIteration executes every task of an initialized DAG exactly once.
// A panic inside a task is recovered and returned as *tasks.PanicError.
func (de *DAGExecutor) RunOneIteration(ctx context.Context, dag *DAG) (*IterationResult, error) {
	if !dag.Initialized() {
		return nil, fmt.Errorf("DAG %s is not initialized", dag.id)
	}

	dag.iterations++
	execCtx := &executionContext{
		dag:           dag,
		iteration:     dag.iterations,
		taskOutputs:   make(map[string]tasks.TaskOutput),
		taskResults:   make(map[string]tasks.TaskResultMetadata),
		globalContext: make(map[string]interface{}),
	}

	for k, v := range dag.metadata.GlobalContext {
		execCtx.globalContext[k] = v
	}

	result := &IterationResult{
		Iteration:   execCtx.iteration,
		StartTime:   time.Now(),
		TaskResults: execCtx.taskResults,
	}

	for _, level := range dag.levels {
		select {
		case <-ctx.Done():
			result.EndTime = time.Now()
			return result, ctx.Err()
		default:
		}

		if err := de.executeLevel(ctx, execCtx, level); err != nil {
			result.EndTime = time.Now()
			return result, err
		}
	}

	result.EndTime = time.Now()
	return result, nil
}

// groupTasksByLevel groups tasks by their dependency level. Tasks keep topological
// order within a level.
func (de *DAGExecutor) groupTasksByLevel(dag *DAG, sortedTasks []string) [][]string {
	taskLevel := make(map[string]int)
	maxLevel := 0

	for _, taskID := range sortedTasks {
		level := 0
		for _, dep := range dag.dependencies[taskID] {
			if depLevel := taskLevel[dep] + 1; depLevel > level {
				level = depLevel
			}
		}
		taskLevel[taskID] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	result := make([][]string, maxLevel+1)
	for _, taskID := range sortedTasks {
		level := taskLevel[taskID]
		result[level] = append(result[level], taskID)
	}

	return result
}

// executeLevel executes all tasks in a level concurrently
func (de *DAGExecutor) executeLevel(ctx context.Context, execCtx *executionContext, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}

	maxWorkers := de.maxWorkers
	if execCtx.dag.metadata.MaxParallelism > 0 && execCtx.dag.metadata.MaxParallelism < maxWorkers {
		maxWorkers = execCtx.dag.metadata.MaxParallelism
	}
	if len(taskIDs) < maxWorkers {
		maxWorkers = len(taskIDs)
	}

	taskChan := make(chan string, len(taskIDs))
	errChan := make(chan error, len(taskIDs))
	var wg sync.WaitGroup

	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for taskID := range taskChan {
				if err := de.executeTask(ctx, execCtx, taskID); err != nil {
					errChan <- err
				}
			}
		}()
	}

	for _, taskID := range taskIDs {
		taskChan <- taskID
	}
	close(taskChan)

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	return nil
}

// executeTask runs a single task and stores its output
func (de *DAGExecutor) executeTask(ctx context.Context, execCtx *executionContext, taskID string) (err error) {
	task := execCtx.dag.tasks[taskID]
	metadata := task.Metadata()

	taskCtx := ctx
	if metadata.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, metadata.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &tasks.PanicError{TaskID: taskID, Value: r}
			execCtx.storeFailure(taskID, err)
		}
	}()

	input := de.prepareTaskInput(execCtx, task)

	output, err := task.Execute(taskCtx, input)
	if err != nil {
		err = fmt.Errorf("task %s failed: %w", taskID, err)
		execCtx.storeFailure(taskID, err)
		return err
	}

	execCtx.mu.Lock()
	execCtx.taskOutputs[taskID] = output
	execCtx.taskResults[taskID] = output.Metadata
	for k, v := range output.Context {
		execCtx.globalContext[k] = v
	}
	execCtx.mu.Unlock()
	return nil
}

// prepareTaskInput gathers dependency outputs in dependency order. A task that
// subscribes to a named channel receives that channel instead of the default rows.
func (de *DAGExecutor) prepareTaskInput(execCtx *executionContext, task tasks.Task) tasks.TaskInput {
	execCtx.mu.RLock()
	defer execCtx.mu.RUnlock()

	channel := ""
	if sub, ok := task.(tasks.Subscriber); ok {
		channel = sub.Channel()
	}

	var allRows []core.Element
	sourceMap := make(map[string][]core.Element)
	for _, depID := range task.Dependencies() {
		if output, exists := execCtx.taskOutputs[depID]; exists {
			rows := output.Channel(channel)
			allRows = append(allRows, rows...)
			sourceMap[depID] = rows
		}
	}

	globalCopy := make(map[string]interface{}, len(execCtx.globalContext))
	for k, v := range execCtx.globalContext {
		globalCopy[k] = v
	}

	return tasks.TaskInput{
		Rows:      allRows,
		SourceMap: sourceMap,
		Iteration: execCtx.iteration,
		Context:   globalCopy,
	}
}

// executionContext holds state during one DAG iteration
type executionContext struct {
	dag           *DAG
	iteration     int64
	taskOutputs   map[string]tasks.TaskOutput
	taskResults   map[string]tasks.TaskResultMetadata
	globalContext map[string]interface{}
	mu            sync.RWMutex
}

func (ec *executionContext) storeFailure(taskID string, err error) {
	ec.mu.Lock()
	ec.taskResults[taskID] = tasks.TaskResultMetadata{
		EndTime: time.Now(),
		Success: false,
		Error:   err,
	}
	ec.mu.Unlock()
}
