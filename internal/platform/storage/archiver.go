// Package storage archives immutable order snapshots in Cloud Storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	domain "github.com/donorportal/api/internal/domain"
)

const snapshotSchemaVersion = 1

// ErrObjectExists is returned by an ObjectWriter when the object is already present.
var ErrObjectExists = errors.New("storage: object already exists")

// ObjectWriter creates an object only if it does not exist yet.
type ObjectWriter interface {
	Create(ctx context.Context, bucket, object, contentType string, metadata map[string]string, data []byte) error
}

// GCSObjectWriter writes objects through the Cloud Storage client.
type GCSObjectWriter struct {
	client *gcs.Client
}

// NewGCSObjectWriter wraps a Cloud Storage client.
func NewGCSObjectWriter(client *gcs.Client) (*GCSObjectWriter, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return &GCSObjectWriter{client: client}, nil
}

// Create uploads data guarded by a does-not-exist precondition.
func (w *GCSObjectWriter) Create(ctx context.Context, bucket, object, contentType string, metadata map[string]string, data []byte) error {
	writer := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return classifyWriteError(err)
	}
	return classifyWriteError(writer.Close())
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %v", ErrObjectExists, err)
	}
	return err
}

// SnapshotArchiver stores the recalculated order of every paid order once.
type SnapshotArchiver struct {
	writer ObjectWriter
	bucket string
	clock  func() time.Time
}

// NewSnapshotArchiver constructs an archiver writing into bucket.
func NewSnapshotArchiver(writer ObjectWriter, bucket string, clock func() time.Time) (*SnapshotArchiver, error) {
	if writer == nil {
		return nil, errors.New("storage: object writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotArchiver{writer: writer, bucket: bucket, clock: clock}, nil
}

type snapshotDocument struct {
	SchemaVersion int          `json:"schemaVersion"`
	ArchivedAt    time.Time    `json:"archivedAt"`
	Order         domain.Order `json:"order"`
}

// ArchiveOrder writes the snapshot and returns its gs:// location. A snapshot that
// already exists is left untouched and reported as archived.
func (a *SnapshotArchiver) ArchiveOrder(ctx context.Context, order domain.Order) (string, error) {
	object, err := SnapshotPath(order.OrderNo)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(snapshotDocument{
		SchemaVersion: snapshotSchemaVersion,
		ArchivedAt:    a.clock().UTC(),
		Order:         order,
	})
	if err != nil {
		return "", fmt.Errorf("storage: marshal snapshot: %w", err)
	}

	metadata := map[string]string{
		"orderId":  order.ID,
		"status":   string(order.Status),
		"currency": order.Currency,
	}
	location := fmt.Sprintf("gs://%s/%s", a.bucket, object)
	if err := a.writer.Create(ctx, a.bucket, object, "application/json", metadata, data); err != nil {
		if errors.Is(err, ErrObjectExists) {
			return location, nil
		}
		return "", fmt.Errorf("storage: write snapshot %s: %w", location, err)
	}
	return location, nil
}
