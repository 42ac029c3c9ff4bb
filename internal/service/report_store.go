package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used to archive reports.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportStore archives reconciliation reports as JSON objects.
type ReportStore struct {
	client ObjectPutter
	bucket string
}

func NewReportStore(client ObjectPutter, bucket string) *ReportStore {
	return &ReportStore{client: client, bucket: bucket}
}

// Save writes rep under reconcile/<started-at>.json and returns the object key.
func (s *ReportStore) Save(ctx context.Context, rep *ReconcileReport) (string, error) {
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode reconcile report: %w", err)
	}
	key := fmt.Sprintf("reconcile/%s.json", rep.StartedAt.UTC().Format("20060102T150405Z"))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload reconcile report to s3://%s/%s: %w", s.bucket, key, err)
	}
	return key, nil
}
