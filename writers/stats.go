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

// Package writers provides core.DataSink implementations for CSV, JSON lines, Parquet
// and PostgreSQL.
package writers

import "time"

// WriterStats holds write statistics common to all writers.
type WriterStats struct {
	RecordsWritten  int64
	FlushCount      int64
	FlushDuration   time.Duration
	LastFlushTime   time.Time
	NullValueCounts map[string]int64
}

func newWriterStats() WriterStats {
	return WriterStats{NullValueCounts: make(map[string]int64)}
}

func (s *WriterStats) recordFlush(d time.Duration) {
	s.FlushCount++
	s.FlushDuration += d
	s.LastFlushTime = time.Now()
}

func (s WriterStats) clone() WriterStats {
	out := s
	out.NullValueCounts = make(map[string]int64, len(s.NullValueCounts))
	for k, v := range s.NullValueCounts {
		out.NullValueCounts[k] = v
	}
	return out
}
