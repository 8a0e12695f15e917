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

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/logger"
)

func TestInitMeter_Disabled(t *testing.T) {
	mp, shutdown, err := InitMeter(context.Background(), Config{}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, mp)

	counter, err := Meter("test").Int64Counter("noop.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, shutdown(context.Background()))
}

func TestInitMeter_Enabled(t *testing.T) {
	cfg := Config{Enabled: true, Endpoint: "127.0.0.1:1", Insecure: true, Interval: time.Hour}
	mp, shutdown, err := InitMeter(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, mp)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// nothing listens on the endpoint; only the shutdown path is exercised
	_ = shutdown(ctx)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "microbatch", cfg.ServiceName)
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
	assert.Equal(t, 15*time.Second, cfg.Interval)
}
