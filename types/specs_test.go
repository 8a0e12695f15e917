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

package types

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/readers"
)

type fakeUploader struct {
	uploads map[string][]byte
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploads[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &manager.UploadOutput{}, nil
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for key, body := range f.objects {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(body)))})
	}
	return &out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.objects[aws.ToString(in.Key)]))}, nil
}

func writeRows(t *testing.T, sink core.DataSink, rows ...core.Record) {
	t.Helper()
	for _, r := range rows {
		require.NoError(t, sink.Write(context.Background(), r))
	}
	require.NoError(t, sink.Close())
}

func readRows(t *testing.T, src core.DataSource) []core.Record {
	t.Helper()
	defer src.Close()
	var out []core.Record
	for {
		rec, err := src.Read(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestSpecs_FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := []core.Record{{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}}

	for _, format := range []string{FormatCSV, FormatJSONL, FormatParquet} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(dir, "nested", "out."+format)
			sink, err := SinkSpec{Tag: "main", Format: format, Location: path}.Open(context.Background(), Env{TempDir: dir})
			require.NoError(t, err)
			writeRows(t, sink, rows...)

			src, err := SourceSpec{Format: format, Location: path}.Open(context.Background(), Env{})
			require.NoError(t, err)
			assert.Equal(t, rows, readRows(t, src))
		})
	}
}

func TestSpecs_CSVOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := SinkSpec{Tag: "main", Format: FormatCSV, Location: path, Options: map[string]string{
		"delimiter": "|",
		"columns":   "name, id",
	}}.Open(context.Background(), Env{})
	require.NoError(t, err)
	writeRows(t, sink, core.Record{"id": int64(1), "name": "a"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "name|id\na|1\n", string(data))

	src, err := SourceSpec{Format: FormatCSV, Location: path, Options: map[string]string{
		"delimiter":   "|",
		"infer_types": "false",
	}}.Open(context.Background(), Env{})
	require.NoError(t, err)
	assert.Equal(t, []core.Record{{"name": "a", "id": "1"}}, readRows(t, src))
}

func TestSpecs_S3Sink(t *testing.T) {
	dir := t.TempDir()
	uploader := &fakeUploader{uploads: make(map[string][]byte)}

	sink, err := SinkSpec{Tag: "main", Format: FormatJSONL, Location: "s3://bucket/out/rows.jsonl"}.
		Open(context.Background(), Env{TempDir: dir, Uploader: uploader})
	require.NoError(t, err)
	writeRows(t, sink, core.Record{"id": int64(1)})

	assert.Equal(t, "{\"id\":1}\n", string(uploader.uploads["bucket/out/rows.jsonl"]))
	staged, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, staged, "staging file is removed after upload")

	_, err = SinkSpec{Tag: "main", Format: FormatCSV, Location: "s3://bucket/prefix/"}.
		Open(context.Background(), Env{TempDir: dir, Uploader: uploader})
	assert.ErrorContains(t, err, "needs an object key")
}

func TestSpecs_S3SinkUploadFailure(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("denied")}
	sink, err := SinkSpec{Tag: "main", Format: FormatCSV, Location: "s3://bucket/x.csv"}.
		Open(context.Background(), Env{TempDir: t.TempDir(), Uploader: uploader})
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), core.Record{"id": 1}))
	assert.ErrorContains(t, sink.Close(), "uploading s3://bucket/x.csv: denied")
}

func TestSpecs_S3Source(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{"in/a.csv": []byte("id\n1\n2\n")}}
	src, err := SourceSpec{Format: FormatCSV, Location: "s3://bucket/in/"}.Open(context.Background(), Env{S3Client: client})
	require.NoError(t, err)
	assert.IsType(t, &readers.S3Reader{}, src)
	assert.Equal(t, []core.Record{{"id": int64(1)}, {"id": int64(2)}}, readRows(t, src))

	_, err = SourceSpec{Format: FormatPostgres, Location: "s3://bucket/x"}.Open(context.Background(), Env{})
	assert.ErrorContains(t, err, "cannot read from s3")
}

func TestSpecs_InvalidOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0o644))

	_, err := SourceSpec{Format: FormatCSV, Location: path, Options: map[string]string{"header": "maybe"}}.
		Open(context.Background(), Env{})
	assert.ErrorContains(t, err, "option header")

	_, err = SinkSpec{Tag: "main", Format: FormatPostgres, Location: "postgres://x", Options: map[string]string{"conflict": "merge"}}.
		Open(context.Background(), Env{})
	assert.ErrorContains(t, err, "unknown resolution")

	_, err = SourceSpec{Format: "xml", Location: path}.Open(context.Background(), Env{})
	assert.ErrorContains(t, err, "unsupported source format")
}

func TestSpecs_MongoSource(t *testing.T) {
	src, err := SourceSpec{Format: FormatMongo, Location: "mongodb://localhost:27017", Options: map[string]string{
		"database":   "shop",
		"collection": "orders",
		"pipeline":   `[{"$match":{"status":"open"}}]`,
	}}.Open(context.Background(), Env{})
	require.NoError(t, err)
	assert.IsType(t, &readers.MongoReader{}, src)
	assert.NoError(t, src.Close())

	_, err = SourceSpec{Format: FormatMongo, Location: "mongodb://localhost", Options: map[string]string{
		"database": "shop", "collection": "orders", "filter": "{not json",
	}}.Open(context.Background(), Env{})
	assert.ErrorContains(t, err, "option filter")
}

func TestParseS3URL(t *testing.T) {
	bucket, key, ok := parseS3URL("s3://b/path/to/key")
	assert.True(t, ok)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "path/to/key", key)

	_, _, ok = parseS3URL("/local/file")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
