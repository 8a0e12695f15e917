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

// Package types turns declarative source and sink specs into readers and writers.
//
// A location is a local path, an s3://bucket/key URL, a PostgreSQL DSN or a MongoDB URI,
// depending on the format. Format-specific settings travel in Options as strings.
package types

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/aaronlmathis/microbatch/core"
	"github.com/aaronlmathis/microbatch/readers"
	"github.com/aaronlmathis/microbatch/writers"
)

// Supported formats.
const (
	FormatCSV      = "csv"
	FormatJSONL    = "jsonl"
	FormatParquet  = "parquet"
	FormatPostgres = "postgres"
	FormatMongo    = "mongo"
)

// SourceSpec describes where a run reads its records from.
type SourceSpec struct {
	Format   string            `yaml:"format" mapstructure:"format" json:"format" validate:"required,oneof=csv jsonl parquet postgres mongo"`
	Location string            `yaml:"location" mapstructure:"location" json:"location" validate:"required"`
	Options  map[string]string `yaml:"options" mapstructure:"options" json:"options"`
}

// SinkSpec routes the rows of one output tag to a destination.
type SinkSpec struct {
	Tag      string            `yaml:"tag" mapstructure:"tag" json:"tag" validate:"required"`
	Format   string            `yaml:"format" mapstructure:"format" json:"format" validate:"required,oneof=csv jsonl parquet postgres"`
	Location string            `yaml:"location" mapstructure:"location" json:"location" validate:"required"`
	Options  map[string]string `yaml:"options" mapstructure:"options" json:"options"`
}

// Env carries what opening a spec needs besides the spec itself.
type Env struct {
	// TempDir stages S3 uploads and Parquet downloads.
	TempDir string
	// S3Client overrides the client built from the AWS default config chain.
	S3Client readers.S3API
	// Uploader overrides the S3 upload manager.
	Uploader Uploader
}

// Uploader is the part of the S3 upload manager sinks use.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Open builds the reader for s.
func (s SourceSpec) Open(ctx context.Context, env Env) (core.DataSource, error) {
	opts := options(s.Options)

	if bucket, prefix, ok := parseS3URL(s.Location); ok {
		if s.Format == FormatPostgres || s.Format == FormatMongo {
			return nil, fmt.Errorf("format %s cannot read from s3", s.Format)
		}
		ropts := []readers.ReaderOptionS3{
			readers.WithS3Location(bucket, prefix),
			readers.WithS3Format(s.Format),
			readers.WithS3Region(opts.str("region")),
			readers.WithS3Suffix(opts.str("suffix")),
			readers.WithS3TempDir(env.TempDir),
		}
		if endpoint := opts.str("endpoint"); endpoint != "" {
			ropts = append(ropts, readers.WithS3Endpoint(endpoint, opts.boolean("path_style", false)))
		}
		if env.S3Client != nil {
			ropts = append(ropts, readers.WithS3Client(env.S3Client))
		}
		if err := opts.err; err != nil {
			return nil, err
		}
		r, err := readers.NewS3Reader(ropts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	var src core.DataSource
	switch s.Format {
	case FormatCSV:
		f, ferr := os.Open(s.Location)
		if ferr != nil {
			return nil, ferr
		}
		r, rerr := readers.NewCSVReader(f, opts.csvReader()...)
		if rerr != nil {
			f.Close()
			return nil, rerr
		}
		src = r
	case FormatJSONL:
		f, ferr := os.Open(s.Location)
		if ferr != nil {
			return nil, ferr
		}
		src = readers.NewJSONReader(f)
	case FormatParquet:
		var cols []string
		if c := opts.str("columns"); c != "" {
			cols = splitList(c)
		}
		r, rerr := readers.NewParquetReader(s.Location, readers.WithParquetColumns(cols...))
		if rerr != nil {
			return nil, rerr
		}
		src = r
	case FormatPostgres:
		ropts := []readers.PostgresReaderOption{
			readers.WithPostgresDSN(s.Location),
			readers.WithPostgresQuery(opts.str("query")),
		}
		if cursor := opts.str("cursor"); cursor != "" {
			ropts = append(ropts, readers.WithPostgresCursor(cursor, opts.integer("fetch_size", 1000)))
		}
		if opts.err != nil {
			return nil, opts.err
		}
		r, rerr := readers.NewPostgresReader(ropts...)
		if rerr != nil {
			return nil, rerr
		}
		src = r
	case FormatMongo:
		r, err := s.openMongo(opts)
		if err != nil {
			return nil, err
		}
		src = r
	default:
		return nil, fmt.Errorf("unsupported source format %q", s.Format)
	}
	if opts.err != nil {
		_ = src.Close()
		return nil, opts.err
	}
	return src, nil
}

func (s SourceSpec) openMongo(opts *optionSet) (core.DataSource, error) {
	ropts := []readers.ReaderOptionMongo{
		readers.WithMongoURI(s.Location),
		readers.WithMongoCollection(opts.str("database"), opts.str("collection")),
	}
	if p := opts.str("pipeline"); p != "" {
		var doc struct {
			Pipeline []bson.M `bson:"pipeline"`
		}
		// extended JSON needs a document at the top level
		if err := bson.UnmarshalExtJSON([]byte(`{"pipeline":`+p+`}`), false, &doc); err != nil {
			return nil, fmt.Errorf("option pipeline: %w", err)
		}
		ropts = append(ropts, readers.WithMongoPipeline(doc.Pipeline))
	} else {
		var filter bson.M
		if f := opts.str("filter"); f != "" {
			if err := bson.UnmarshalExtJSON([]byte(f), false, &filter); err != nil {
				return nil, fmt.Errorf("option filter: %w", err)
			}
		}
		ropts = append(ropts, readers.WithMongoFind(filter, nil))
	}
	if limit := opts.integer("limit", 0); limit > 0 {
		ropts = append(ropts, readers.WithMongoLimit(int64(limit)))
	}
	r, err := readers.NewMongoReader(ropts...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Open builds the writer for s. Sinks with an s3:// location write to a temporary file
// in env.TempDir that is uploaded when the sink is closed.
func (s SinkSpec) Open(ctx context.Context, env Env) (core.DataSink, error) {
	opts := options(s.Options)

	if s.Format == FormatPostgres {
		wopts := []writers.PostgresWriterOption{
			writers.WithPostgresDSN(s.Location),
			writers.WithTableName(opts.str("table")),
			writers.WithCreateTable(opts.boolean("create_table", false)),
			writers.WithTruncateTable(opts.boolean("truncate", false)),
			writers.WithPostgresBatchSize(opts.integer("batch_size", 1000)),
		}
		switch opts.str("conflict") {
		case "", "error":
		case "ignore":
			wopts = append(wopts, writers.WithConflictResolution(writers.ConflictIgnore, splitList(opts.str("conflict_columns")), nil))
		case "update":
			wopts = append(wopts, writers.WithConflictResolution(writers.ConflictUpdate,
				splitList(opts.str("conflict_columns")), splitList(opts.str("update_columns"))))
		default:
			return nil, fmt.Errorf("option conflict: unknown resolution %q", opts.str("conflict"))
		}
		if opts.err != nil {
			return nil, opts.err
		}
		w, err := writers.NewPostgresWriter(wopts...)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	out, err := s.openOutput(ctx, env)
	if err != nil {
		return nil, err
	}

	var sink core.DataSink
	switch s.Format {
	case FormatCSV:
		wopts := []writers.WriterOptionCSV{writers.WithWriteHeader(opts.boolean("header", true))}
		if c := opts.str("columns"); c != "" {
			wopts = append(wopts, writers.WithHeaders(splitList(c)))
		}
		if d := opts.str("delimiter"); d != "" {
			wopts = append(wopts, writers.WithComma([]rune(d)[0]))
		}
		sink, err = writers.NewCSVWriter(out, wopts...)
	case FormatJSONL:
		sink = writers.NewJSONWriter(out)
	case FormatParquet:
		sink = writers.NewParquetStreamWriter(out, writers.WithParquetBatchSize(int64(opts.integer("batch_size", 1000))))
	default:
		err = fmt.Errorf("unsupported sink format %q", s.Format)
	}
	if err == nil {
		err = opts.err
	}
	if err != nil {
		out.discard()
		return nil, err
	}
	return sink, nil
}

type output interface {
	Write(p []byte) (int, error)
	Close() error
	discard()
}

type fileOutput struct{ *os.File }

func (f fileOutput) discard() {
	f.Close()
	os.Remove(f.Name())
}

func (s SinkSpec) openOutput(ctx context.Context, env Env) (output, error) {
	bucket, key, ok := parseS3URL(s.Location)
	if !ok {
		if dir := filepath.Dir(s.Location); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		f, err := os.Create(s.Location)
		if err != nil {
			return nil, err
		}
		return fileOutput{f}, nil
	}

	if key == "" || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("s3 sink location %q needs an object key", s.Location)
	}
	uploader := env.Uploader
	if uploader == nil {
		opts := options(s.Options)
		cfg, err := readers.LoadAWSConfig(ctx, opts.str("region"), "", aws.Credentials{})
		if err != nil {
			return nil, err
		}
		endpoint, pathStyle := opts.str("endpoint"), opts.boolean("path_style", false)
		uploader = manager.NewUploader(s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = pathStyle
		}))
	}

	f, err := os.CreateTemp(env.TempDir, "sink-*."+s.Format)
	if err != nil {
		return nil, err
	}
	return &s3Output{File: f, ctx: context.WithoutCancel(ctx), uploader: uploader, bucket: bucket, key: key}, nil
}

// s3Output stages the object in a local file and uploads it on Close.
type s3Output struct {
	*os.File
	ctx      context.Context
	uploader Uploader
	bucket   string
	key      string
	closed   bool
}

func (o *s3Output) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	defer os.Remove(o.Name())
	defer o.File.Close()

	if _, err := o.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := o.uploader.Upload(o.ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Body:   o.File,
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", o.bucket, o.key, err)
	}
	return nil
}

func (o *s3Output) discard() {
	o.closed = true
	o.File.Close()
	os.Remove(o.Name())
}

func parseS3URL(location string) (bucket, key string, ok bool) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key, bucket != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// optionSet reads typed values from string options, keeping the first parse error.
type optionSet struct {
	values map[string]string
	err    error
}

func options(values map[string]string) *optionSet {
	return &optionSet{values: values}
}

func (o *optionSet) str(key string) string {
	return o.values[key]
}

func (o *optionSet) boolean(key string, def bool) bool {
	v, ok := o.values[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && o.err == nil {
		o.err = fmt.Errorf("option %s: %w", key, err)
	}
	return b
}

func (o *optionSet) integer(key string, def int) int {
	v, ok := o.values[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && o.err == nil {
		o.err = fmt.Errorf("option %s: %w", key, err)
	}
	return n
}

func (o *optionSet) csvReader() []readers.ReaderOptionCSV {
	ropts := []readers.ReaderOptionCSV{
		readers.WithCSVHasHeaders(o.boolean("header", true)),
		readers.WithCSVTypeInference(o.boolean("infer_types", true)),
	}
	if d := o.str("delimiter"); d != "" {
		ropts = append(ropts, readers.WithCSVComma([]rune(d)[0]))
	}
	return ropts
}
