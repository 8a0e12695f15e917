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
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aaronlmathis/microbatch/core"
)

// S3ReaderError wraps structured error information for the S3 reader.
type S3ReaderError struct {
	Op  string
	Key string
	Err error
}

func (e *S3ReaderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 reader %s (%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 reader %s: %v", e.Op, e.Err)
}

func (e *S3ReaderError) Unwrap() error {
	return e.Err
}

// S3API is the part of the S3 client the reader uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SortOrder defines the order objects are read in.
type SortOrder string

const (
	SortByName         SortOrder = "name"
	SortByLastModified SortOrder = "last_modified"
	SortBySize         SortOrder = "size"
)

// S3Object describes one listed object.
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// S3ReaderOptions configures the S3 reader.
type S3ReaderOptions struct {
	Bucket         string
	Prefix         string
	Suffix         string
	Region         string
	Profile        string
	Credentials    aws.Credentials
	EndpointURL    string
	ForcePathStyle bool
	SortOrder      SortOrder
	// Format overrides detection by key extension: csv, jsonl or parquet.
	Format string
	// TempDir holds downloaded Parquet objects, which need random access.
	TempDir         string
	IncludeMetadata bool
	Client          S3API
}

// ReaderOptionS3 allows functional customization of S3Reader.
type ReaderOptionS3 func(*S3ReaderOptions)

// WithS3Location reads every object under prefix in bucket.
func WithS3Location(bucket, prefix string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) {
		o.Bucket = bucket
		o.Prefix = prefix
	}
}

func WithS3Suffix(suffix string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Suffix = suffix }
}

func WithS3Region(region string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Region = region }
}

func WithS3Profile(profile string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Profile = profile }
}

func WithS3Credentials(creds aws.Credentials) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Credentials = creds }
}

// WithS3Endpoint targets an S3-compatible service.
func WithS3Endpoint(endpoint string, pathStyle bool) ReaderOptionS3 {
	return func(o *S3ReaderOptions) {
		o.EndpointURL = endpoint
		o.ForcePathStyle = pathStyle
	}
}

func WithS3SortOrder(order SortOrder) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.SortOrder = order }
}

func WithS3Format(format string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Format = format }
}

func WithS3TempDir(dir string) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.TempDir = dir }
}

// WithS3IncludeMetadata adds _s3_key and _s3_last_modified to every record.
func WithS3IncludeMetadata(include bool) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.IncludeMetadata = include }
}

// WithS3Client uses client instead of one built from the AWS default config chain.
func WithS3Client(client S3API) ReaderOptionS3 {
	return func(o *S3ReaderOptions) { o.Client = client }
}

// S3Reader implements core.DataSource over every object under a prefix, read one after
// another. Objects are listed on the first Read.
type S3Reader struct {
	client  S3API
	opts    S3ReaderOptions
	objects []S3Object
	listed  bool
	index   int
	current core.DataSource
	tmpFile string
	stats   ReaderStats
}

func NewS3Reader(options ...ReaderOptionS3) (*S3Reader, error) {
	opts := S3ReaderOptions{SortOrder: SortByName, TempDir: os.TempDir()}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Bucket == "" {
		return nil, &S3ReaderError{Op: "validate", Err: fmt.Errorf("bucket is required")}
	}

	client := opts.Client
	if client == nil {
		cfg, err := LoadAWSConfig(context.Background(), opts.Region, opts.Profile, opts.Credentials)
		if err != nil {
			return nil, &S3ReaderError{Op: "aws_config", Err: err}
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.EndpointURL != "" {
				o.BaseEndpoint = aws.String(opts.EndpointURL)
			}
			o.UsePathStyle = opts.ForcePathStyle
		})
	}
	return &S3Reader{client: client, opts: opts, stats: newReaderStats()}, nil
}

// LoadAWSConfig resolves the AWS default config chain, overridden by an explicit region,
// shared profile or static credentials.
func LoadAWSConfig(ctx context.Context, region, profile string, creds aws.Credentials) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(profile))
	}
	if creds.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}
	return config.LoadDefaultConfig(ctx, loadOpts...)
}

func (s *S3Reader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, &S3ReaderError{Op: "read", Err: err}
	}
	if !s.listed {
		if err := s.list(ctx); err != nil {
			return nil, err
		}
	}

	for {
		if s.current == nil {
			if s.index >= len(s.objects) {
				return nil, io.EOF
			}
			if err := s.open(ctx, s.objects[s.index]); err != nil {
				return nil, err
			}
		}

		record, err := s.current.Read(ctx)
		if errors.Is(err, io.EOF) {
			if err := s.closeCurrent(); err != nil {
				return nil, err
			}
			s.index++
			continue
		}
		obj := s.objects[s.index]
		if err != nil {
			return nil, &S3ReaderError{Op: "read_record", Key: obj.Key, Err: err}
		}

		if s.opts.IncludeMetadata {
			record["_s3_key"] = obj.Key
			record["_s3_last_modified"] = obj.LastModified
		}
		s.stats.recordRead(start)
		return record, nil
	}
}

func (s *S3Reader) list(ctx context.Context) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.opts.Bucket)}
	if s.opts.Prefix != "" {
		input.Prefix = aws.String(s.opts.Prefix)
	}

	var objects []S3Object
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return &S3ReaderError{Op: "list_objects", Err: err}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || (s.opts.Suffix != "" && !strings.HasSuffix(key, s.opts.Suffix)) {
				continue
			}
			objects = append(objects, S3Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}

	switch s.opts.SortOrder {
	case SortByLastModified:
		sort.SliceStable(objects, func(i, j int) bool { return objects[i].LastModified.Before(objects[j].LastModified) })
	case SortBySize:
		sort.SliceStable(objects, func(i, j int) bool { return objects[i].Size < objects[j].Size })
	default:
		sort.SliceStable(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	}
	s.objects = objects
	s.listed = true
	return nil
}

func (s *S3Reader) open(ctx context.Context, obj S3Object) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return &S3ReaderError{Op: "get_object", Key: obj.Key, Err: err}
	}

	format := s.opts.Format
	if format == "" {
		format = FormatFromPath(obj.Key)
	}

	var reader core.DataSource
	switch format {
	case "csv":
		reader, err = NewCSVReader(out.Body)
	case "parquet":
		reader, err = s.openParquet(out.Body)
	default:
		reader = NewJSONReader(out.Body)
	}
	if err != nil {
		out.Body.Close()
		return &S3ReaderError{Op: "open_object", Key: obj.Key, Err: err}
	}
	s.current = reader
	s.stats.BatchesRead++
	return nil
}

// openParquet downloads body to a temporary file and reads it from there.
func (s *S3Reader) openParquet(body io.ReadCloser) (core.DataSource, error) {
	defer body.Close()
	f, err := os.CreateTemp(s.opts.TempDir, "s3-*.parquet")
	if err != nil {
		return nil, err
	}
	s.tmpFile = f.Name()
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewParquetStreamReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (s *S3Reader) closeCurrent() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	if s.tmpFile != "" {
		_ = os.Remove(s.tmpFile)
		s.tmpFile = ""
	}
	if err != nil {
		return &S3ReaderError{Op: "close_object", Err: err}
	}
	return nil
}

func (s *S3Reader) Close() error {
	return s.closeCurrent()
}

// Objects returns the listed objects in read order.
func (s *S3Reader) Objects() []S3Object {
	return append([]S3Object(nil), s.objects...)
}

func (s *S3Reader) Stats() ReaderStats {
	return s.stats
}

// FormatFromPath maps a file extension to a reader format. Unknown extensions read as
// JSON lines.
func FormatFromPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".csv":
		return "csv"
	case ".parquet":
		return "parquet"
	default:
		return "jsonl"
	}
}
