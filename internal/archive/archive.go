// Package archive uploads the event log to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-tempo/internal/config"
	"github.com/oszuidwest/zwfm-tempo/internal/eventlog"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

const (
	uploadTimeout  = 5 * time.Minute
	testTimeout    = 30000 * time.Millisecond
	idleRecheck    = time.Minute
	contentTypeLog = "application/x-ndjson"
)

var (
	// ErrNotConfigured is returned when bucket or credentials are missing.
	ErrNotConfigured = errors.New("archive is not configured")
	// ErrNothingToUpload is returned when the event log has not grown since the last upload.
	ErrNothingToUpload = errors.New("event log unchanged since last upload")
)

// ObjectKey returns the object key for an upload made at t.
func ObjectKey(prefix string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, t.Format(time.DateOnly), fmt.Sprintf("events-%d.jsonl", t.Unix()))
}

// newClient creates an S3 client for the archive settings.
func newClient(a *config.ArchiveConfig) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if a.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(a.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

func isConfigured(a *config.ArchiveConfig) bool {
	return util.IsConfigured(a.Bucket, a.AccessKeyID, a.SecretAccessKey)
}

// Uploader periodically copies the event log to the archive bucket.
type Uploader struct {
	cfg    *config.Config
	events *eventlog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSize int64
}

// New returns an Uploader for the given event log.
func New(cfg *config.Config, events *eventlog.Logger) *Uploader {
	return &Uploader{cfg: cfg, events: events, now: time.Now}
}

// Upload writes the current event log to the bucket and returns the object key.
func (u *Uploader) Upload(ctx context.Context) (string, error) {
	snap := u.cfg.Snapshot()
	if !isConfigured(&snap.Archive) {
		return "", ErrNotConfigured
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.events.Sync(); err != nil {
		slog.Warn("failed to sync event log before upload", "error", err)
	}
	data, err := os.ReadFile(u.events.Path())
	if err != nil {
		return "", util.WrapError("read event log", err)
	}
	size := int64(len(data))
	if size == 0 || size == u.lastSize {
		return "", ErrNothingToUpload
	}

	key := ObjectKey(snap.Archive.Prefix, u.now())
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	_, err = newClient(&snap.Archive).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(snap.Archive.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeLog),
	})
	if err != nil {
		u.logResult(eventlog.ArchiveDetails{Key: key, Error: err.Error()})
		return "", util.WrapError("upload event log", err)
	}

	u.logResult(eventlog.ArchiveDetails{Key: key, Bytes: size})
	u.lastSize = size
	// The upload record itself is not new content.
	if fi, err := os.Stat(u.events.Path()); err == nil {
		u.lastSize = fi.Size()
	}
	slog.Info("event log archived", "bucket", snap.Archive.Bucket, "key", key, "bytes", size)
	return key, nil
}

func (u *Uploader) logResult(d eventlog.ArchiveDetails) {
	if err := u.events.LogArchive(d); err != nil {
		slog.Warn("failed to log archive event", "error", err)
	}
}

// Run uploads on the configured interval until ctx is cancelled.
// Interval and credentials are re-read before every upload.
func (u *Uploader) Run(ctx context.Context) {
	for {
		wait := idleRecheck
		snap := u.cfg.Snapshot()
		if isConfigured(&snap.Archive) && snap.Archive.IntervalMinutes > 0 {
			wait = time.Duration(snap.Archive.IntervalMinutes) * time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("archive scheduler stopped")
			return
		case <-timer.C:
		}

		snap = u.cfg.Snapshot()
		if !isConfigured(&snap.Archive) || snap.Archive.IntervalMinutes == 0 {
			continue
		}
		if _, err := u.Upload(ctx); err != nil && !errors.Is(err, ErrNothingToUpload) {
			slog.Error("event log archive failed", "error", err)
		}
	}
}

// TestConnection tests connectivity to the bucket by uploading and deleting a probe object.
func TestConnection(ctx context.Context, a *config.ArchiveConfig) error {
	if !isConfigured(a) {
		return ErrNotConfigured
	}

	client := newClient(a)
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	testKey := path.Join(a.Prefix, fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("ZuidWest FM tempo connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}
