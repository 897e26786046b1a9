package export

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"gocloud.dev/blob"

	"github.com/getsentry/calltrace/internal/storageutil"
)

func Marshal(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

func Unmarshal(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// StoragePath is where the document of a session is stored.
func StoragePath(projectID uint64, sessionID string) string {
	return fmt.Sprintf("%d/graphs/%s", projectID, sessionID)
}

// Save writes the document lz4 compressed to the bucket.
func Save(ctx context.Context, b *blob.Bucket, name string, doc Document) error {
	return storageutil.CompressedWrite(ctx, b, name, doc)
}

// Load reads a document written by Save. It returns
// storageutil.ErrObjectNotFound if there is none.
func Load(ctx context.Context, b *blob.Bucket, name string) (Document, error) {
	var doc Document
	if err := storageutil.UnmarshalCompressed(ctx, b, name, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
