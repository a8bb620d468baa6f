// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bam2fastq

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// ParseS3Path splits "s3://bucket/prefix" into bucket and prefix. The prefix
// has no leading or trailing slash and may be empty.
func ParseS3Path(p string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(p, "s3://") {
		return "", "", fmt.Errorf("invalid S3 path %q: must start with s3://", p)
	}
	parts := strings.SplitN(strings.TrimPrefix(p, "s3://"), "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 path %q: no bucket", p)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return parts[0], prefix, nil
}

// NewAWSSession creates an AWS session for the given region.
func NewAWSSession(region string) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "create AWS session")
	}
	return sess, nil
}

// ValidateCloudOutput checks that the bucket of outputDir exists and is
// accessible. Failure is a configuration error.
func ValidateCloudOutput(ctx context.Context, client s3iface.S3API, outputDir string) error {
	bucket, _, err := ParseS3Path(outputDir)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return errors.E(errors.Invalid, err, "output bucket", bucket)
	}
	return nil
}

// Publisher copies finished outputs from the local staging tree to their
// final location.
type Publisher interface {
	// Publish copies the local file to rel, a slash-separated path relative
	// to the output root.
	Publish(ctx context.Context, local, rel string) error
}

// S3Publisher publishes outputs to an S3 prefix.
type S3Publisher struct {
	Bucket, Prefix string
	Uploader       s3manageriface.UploaderAPI
}

// NewS3Publisher creates a publisher that uploads to outputDir, an
// "s3://bucket/prefix" URL.
func NewS3Publisher(sess *session.Session, outputDir string) (*S3Publisher, error) {
	bucket, prefix, err := ParseS3Path(outputDir)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	return &S3Publisher{Bucket: bucket, Prefix: prefix, Uploader: s3manager.NewUploader(sess)}, nil
}

// Publish implements Publisher.
func (p *S3Publisher) Publish(ctx context.Context, local, rel string) (err error) {
	in, err := file.Open(ctx, local)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	key := path.Join(p.Prefix, rel)
	_, err = p.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   in.Reader(ctx),
	})
	if err != nil {
		return errors.E(errors.Unavailable, err, fmt.Sprintf("upload s3://%s/%s", p.Bucket, key))
	}
	log.Debug.Printf("published %s to s3://%s/%s", local, p.Bucket, key)
	return nil
}
