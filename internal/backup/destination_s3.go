package backup

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/arkvisor/arkvisor/internal/config"
)

// S3Destination stores backups in S3 or S3-compatible storage
type S3Destination struct {
	bucket   string
	prefix   string
	s3Client *s3.S3
}

// NewS3Destination creates an S3 destination. A custom endpoint
// switches to path-style addressing for MinIO-style stores.
func NewS3Destination(dest config.BackupDestination) (*S3Destination, error) {
	if dest.Bucket == "" {
		return nil, fmt.Errorf("s3 destination requires a bucket")
	}

	awsConfig := &aws.Config{
		Region: aws.String(dest.Region),
	}
	if dest.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(dest.AccessKey, dest.SecretKey, "")
	}
	if dest.Endpoint != "" {
		awsConfig.Endpoint = aws.String(dest.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Printf("[S3Dest] Initialized: bucket=%s region=%s", dest.Bucket, dest.Region)
	return &S3Destination{
		bucket:   dest.Bucket,
		prefix:   dest.PathPrefix,
		s3Client: s3.New(sess),
	}, nil
}

func (sd *S3Destination) Type() string {
	return "s3"
}

// Upload stores a backup object under the configured prefix
func (sd *S3Destination) Upload(filename string, reader io.Reader, sizeBytes int64) error {
	key := path.Join(sd.prefix, filename)
	log.Printf("[S3Dest] Uploading s3://%s/%s (%d bytes)", sd.bucket, key, sizeBytes)

	// PutObject needs a seekable body; archives are bounded by world
	// size, which fits memory on the hosts this runs on.
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	_, err = sd.s3Client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(sd.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(sizeBytes),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Delete removes a backup object
func (sd *S3Destination) Delete(filename string) error {
	key := path.Join(sd.prefix, filename)
	log.Printf("[S3Dest] Deleting s3://%s/%s", sd.bucket, key)

	_, err := sd.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// List returns all backup objects under the configured prefix
func (sd *S3Destination) List() ([]StoredFile, error) {
	var files []StoredFile

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(sd.bucket),
		Prefix: aws.String(sd.prefix),
	}
	err := sd.s3Client.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			files = append(files, StoredFile{
				Filename:  path.Base(aws.StringValue(obj.Key)),
				SizeBytes: aws.Int64Value(obj.Size),
				CreatedAt: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list S3 objects: %w", err)
	}
	return files, nil
}
