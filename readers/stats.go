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

// Package readers provides core.DataSource implementations for CSV, JSON lines,
// Parquet, PostgreSQL, MongoDB and S3.
package readers

import "time"

// ReaderStats holds read statistics common to all readers.
type ReaderStats struct {
	RecordsRead     int64
	BatchesRead     int64
	ReadDuration    time.Duration
	LastReadTime    time.Time
	NullValueCounts map[string]int64
}

func newReaderStats() ReaderStats {
	return ReaderStats{NullValueCounts: make(map[string]int64)}
}

func (s *ReaderStats) recordRead(start time.Time) {
	s.RecordsRead++
	s.LastReadTime = time.Now()
	s.ReadDuration += time.Since(start)
}
