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

// Package microbatch runs a pull-based row transform from inside a push-based host.
//
// The host pushes elements one at a time through an Adapter. The adapter buffers them
// and, on a size threshold, a staleness timer or the end of a bundle, drains the buffer
// into a small DAG built around the transform:
//
//	input ─┐
//	aux:*  ─┴─> transform ─┬─> out:main
//	                       └─> out:<name> ...
//
// One iteration of the DAG runs per flush and every row that reaches an output sink is
// handed back to the host through its Emitter, main output first.
//
// Delivery is at-least-once when the host retries failed bundles. Elements still
// buffered at Teardown are counted as lost.
package microbatch
