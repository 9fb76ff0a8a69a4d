// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var blobOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_blob_operations_total",
	Help: "Number of object store operations, by operation and outcome.",
}, []string{"op", "outcome"})

// Options configures the S3 object store adapter.
type Options struct {
	// URL is a custom endpoint for S3-compatible stores; empty uses
	// the AWS default resolution.
	URL       string `validate:"omitempty,url"`
	AccessKey string
	SecretKey string
	Bucket    string `validate:"required"`
	// Prefix is the data namespace artifact keys are stored under.
	Prefix string
	Region string
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store stores artifact archives under {prefix}/{id} in one bucket.
type S3Store struct {
	logger  log.Logger
	client  s3API
	presign presignAPI
	bucket  string
	prefix  string
}

// New connects to the object store and returns the adapter.
func New(ctx context.Context, logger log.Logger, reg prometheus.Registerer, opts Options) (*S3Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(blobOps)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load object store config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.URL != "" {
			o.BaseEndpoint = aws.String(opts.URL)
			// Path-style addressing for S3-compatible stores behind a
			// single endpoint.
			o.UsePathStyle = true
		}
	})

	level.Info(logger).Log("msg", "object store ready", "bucket", opts.Bucket, "prefix", opts.Prefix)
	return &S3Store{
		logger:  logger,
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
	}, nil
}

func (s *S3Store) key(id string) string {
	return path.Join(s.prefix, id)
}

// Upload implements Store.
func (s *S3Store) Upload(ctx context.Context, id, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		blobOps.WithLabelValues("upload", "error").Inc()
		return errors.Wrap(ErrTransient, err.Error())
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   f,
	})
	if err != nil {
		blobOps.WithLabelValues("upload", "error").Inc()
		return errors.Wrapf(ErrTransient, "put %s: %s", s.key(id), err)
	}
	blobOps.WithLabelValues("upload", "ok").Inc()
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		blobOps.WithLabelValues("delete", "error").Inc()
		return errors.Wrapf(ErrTransient, "delete %s: %s", s.key(id), err)
	}
	blobOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		blobOps.WithLabelValues("head", "error").Inc()
		return false, errors.Wrapf(ErrTransient, "head %s: %s", s.key(id), err)
	}
	return true, nil
}

// PresignedGet implements Store.
func (s *S3Store) PresignedGet(ctx context.Context, id string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		blobOps.WithLabelValues("presign", "error").Inc()
		return "", errors.Wrapf(ErrTransient, "presign %s: %s", s.key(id), err)
	}
	blobOps.WithLabelValues("presign", "ok").Inc()
	return req.URL, nil
}
