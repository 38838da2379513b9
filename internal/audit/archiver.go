package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// archiveBatchSize bounds how many rows one archive object holds
const archiveBatchSize = 1000

// auditStore is the slice of Logger the archiver consumes
type auditStore interface {
	rowsBefore(ctx context.Context, cutoff time.Time, limit int) ([]entry, error)
	deleteRows(ctx context.Context, ids []uuid.UUID) error
}

// objectPutter is the slice of the S3 client the archiver needs; satisfied
// by *minio.Client
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads aged audit rows to S3-compatible object storage and
// drains them from the database once uploaded. Archival is best-effort
// housekeeping; failures are logged and retried on the next cycle.
type Archiver struct {
	store      auditStore
	objects    objectPutter
	client     *minio.Client
	bucketName string
	retention  time.Duration
}

// NewArchiver creates an archiver from S3_* environment configuration
func NewArchiver(logger *Logger) (*Archiver, error) {
	endpoint := getEnv("S3_ENDPOINT", "localhost:9000")
	accessKey := getEnv("S3_ACCESS_KEY", "minioadmin")
	secretKey := getEnv("S3_SECRET_KEY", "minioadmin")
	bucketName := getEnv("S3_AUDIT_BUCKET", "messenger-audit")
	useSSL := os.Getenv("S3_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	a := &Archiver{
		store:      logger,
		objects:    client,
		client:     client,
		bucketName: bucketName,
		retention:  30 * 24 * time.Hour,
	}

	if err := a.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure audit bucket: %w", err)
	}
	return a, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		return a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{})
	}
	return nil
}

// Run archives aged rows every interval until ctx is done
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ArchiveOnce(ctx); err != nil {
				log.Printf("[WARN] Audit archive cycle failed: %v", err)
			}
		}
	}
}

// ArchiveOnce uploads one batch of rows older than the retention window as
// a JSON-lines object keyed by timestamp, then deletes the uploaded rows.
// Rows stay in the database until the upload succeeds, so a failed cycle
// re-archives the same batch rather than losing it.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-a.retention)
	entries, err := a.store.rowsBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode audit entry: %w", err)
		}
		ids = append(ids, e.ID)
	}

	objectKey := fmt.Sprintf("audit/%s.jsonl", time.Now().UTC().Format("2006-01-02T15-04-05"))
	_, err = a.objects.PutObject(ctx, a.bucketName, objectKey, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive: %w", err)
	}

	if err := a.store.deleteRows(ctx, ids); err != nil {
		return err
	}

	log.Printf("[Audit] Archived %d rows to %s", len(ids), objectKey)
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
