// Copyright 2025 Custodia
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3PutAPI is the slice of the S3 client the uploader needs. Tests inject
// a fake; production wires the real client via NewExportUploader.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExportUploader pushes chain export snapshots to object storage for
// off-host retention of compliance evidence.
type ExportUploader struct {
	client s3PutAPI
	bucket string
	prefix string
}

// NewExportUploader builds an uploader from the ambient AWS configuration.
func NewExportUploader(ctx context.Context, bucket, prefix string) (*ExportUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("export uploader needs a bucket")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &ExportUploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewExportUploaderWithClient builds an uploader around an existing client.
func NewExportUploaderWithClient(client s3PutAPI, bucket, prefix string) *ExportUploader {
	return &ExportUploader{client: client, bucket: bucket, prefix: prefix}
}

// Upload exports the ledger in the given format and writes the snapshot
// under a timestamped key. It returns the object key.
func (u *ExportUploader) Upload(ctx context.Context, l *Ledger, format string) (string, error) {
	data, err := l.Export(format)
	if err != nil {
		return "", err
	}

	contentType := "application/json"
	if format == FormatCSV {
		contentType = "text/csv"
	}

	key := fmt.Sprintf("%schain-%s.%s", u.keyPrefix(), time.Now().UTC().Format("20060102T150405Z"), format)

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload chain export: %w", err)
	}

	log.Printf("[AuditExport] Uploaded %d bytes to s3://%s/%s", len(data), u.bucket, key)
	return key, nil
}

func (u *ExportUploader) keyPrefix() string {
	if u.prefix == "" {
		return ""
	}
	if u.prefix[len(u.prefix)-1] == '/' {
		return u.prefix
	}
	return u.prefix + "/"
}
