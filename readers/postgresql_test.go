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

package readers

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresReaderOptions_Validate(t *testing.T) {
	_, err := NewPostgresReader(WithPostgresQuery("SELECT 1"))
	var prErr *PostgresReaderError
	require.ErrorAs(t, err, &prErr)
	assert.Equal(t, "validate", prErr.Op)
	assert.Contains(t, err.Error(), "dsn is required")

	_, err = NewPostgresReader(WithPostgresDSN("postgres://localhost/db"))
	assert.ErrorContains(t, err, "query is required")

	_, err = NewPostgresReader(
		WithPostgresDSN("postgres://localhost/db"),
		WithPostgresQuery("SELECT 1"),
		WithPostgresCursor("bad name; DROP TABLE x", 10),
	)
	assert.ErrorContains(t, err, "invalid cursor name")
}

func TestConvertSQLValue(t *testing.T) {
	assert.Equal(t, "abc", convertSQLValue([]byte("abc"), "TEXT"))
	assert.Equal(t, []byte{1, 2}, convertSQLValue([]byte{1, 2}, "BYTEA"))
	assert.Equal(t, 12.5, convertSQLValue([]byte("12.5"), "NUMERIC"))
	assert.Equal(t, int64(7), convertSQLValue(int32(7), "INT4"))
	assert.Equal(t, true, convertSQLValue(true, "BOOL"))
}

// Runs against a live database when MICROBATCH_TEST_POSTGRES_DSN is set.
func TestPostgresReader_Integration(t *testing.T) {
	dsn := os.Getenv("MICROBATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MICROBATCH_TEST_POSTGRES_DSN not set")
	}

	for _, cursor := range []bool{false, true} {
		opts := []PostgresReaderOption{
			WithPostgresDSN(dsn),
			WithPostgresQuery("SELECT g AS n, 'row ' || g AS label FROM generate_series(1, $1) g", 5),
		}
		if cursor {
			opts = append(opts, WithPostgresCursor("test_cursor", 2))
		}
		r, err := NewPostgresReader(opts...)
		require.NoError(t, err)

		var ns []interface{}
		for {
			rec, err := r.Read(context.Background())
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			ns = append(ns, rec["n"])
		}
		require.NoError(t, r.Close())
		assert.Equal(t, []interface{}{int64(1), int64(2), int64(3), int64(4), int64(5)}, ns)
		assert.Equal(t, []string{"n", "label"}, r.Columns())
	}
}
