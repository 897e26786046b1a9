package storageutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	_ "gocloud.dev/blob/fileblob"

	"github.com/getsentry/calltrace/internal/testutil"
)

type Graph struct {
	Nodes []string `json:"nodes"`
	Edges [][]int  `json:"edges"`
}

var fileBlobBucket *blob.Bucket

func TestMain(m *testing.M) {
	temporaryDirectory, err := os.MkdirTemp(os.TempDir(), "calltrace-graphs-*")
	if err != nil {
		log.Fatalf("couldn't create a temporary directory: %s", err.Error())
	}

	fileBlobBucket, err = blob.OpenBucket(context.Background(), "file://localhost/"+temporaryDirectory)
	if err != nil {
		log.Fatalf("couldn't open a local filesystem bucket: %s", err.Error())
	}

	code := m.Run()

	if err := fileBlobBucket.Close(); err != nil {
		log.Printf("couldn't close the local filesystem bucket: %s", err.Error())
	}
	if err := os.RemoveAll(temporaryDirectory); err != nil {
		log.Printf("couldn't remove the temporary directory: %s", err.Error())
	}

	os.Exit(code)
}

func buckets() map[string]*blob.Bucket {
	return map[string]*blob.Bucket{
		"file":   fileBlobBucket,
		"memory": memblob.OpenBucket(nil),
	}
}

func TestCompressedWrite(t *testing.T) {
	ctx := context.Background()
	originalData := Graph{
		Nodes: []string{"main", "add"},
		Edges: [][]int{{0, 1}},
	}

	for name, bucket := range buckets() {
		t.Run(name, func(t *testing.T) {
			objectName := uuid.New().String()
			err := CompressedWrite(ctx, bucket, objectName, originalData)
			if err != nil {
				t.Fatalf("we should be able to write: %v", err)
			}
			object, err := bucket.ReadAll(ctx, objectName)
			if err != nil {
				t.Fatalf("we should be able to read the object: %v", err)
			}
			uncompressedData, err := io.ReadAll(lz4.NewReader(bytes.NewReader(object)))
			if err != nil {
				t.Fatalf("we should be able to uncompress the data: %v", err)
			}
			b, err := json.Marshal(originalData)
			if err != nil {
				t.Fatalf("we should be able to marshal this: %v", err)
			}
			if !bytes.Equal(b, bytes.TrimSpace(uncompressedData)) {
				t.Fatal("data should be identical")
			}
		})
	}
}

func TestUnmarshalCompressed(t *testing.T) {
	ctx := context.Background()
	originalData := []byte(`{"nodes":["main","add"],"edges":[[0,1]]}`)

	var compressedData bytes.Buffer
	w := lz4.NewWriter(&compressedData)
	_, _ = w.Write(originalData)
	if err := w.Close(); err != nil {
		t.Fatalf("we should be able to close the writer: %v", err)
	}

	for name, bucket := range buckets() {
		t.Run(name, func(t *testing.T) {
			objectName := uuid.New().String()
			if err := bucket.WriteAll(ctx, objectName, compressedData.Bytes(), nil); err != nil {
				t.Fatalf("we should be able to write an object: %v", err)
			}

			var g Graph
			if err := UnmarshalCompressed(ctx, bucket, objectName, &g); err != nil {
				t.Fatalf("we should be able to read the object: %v", err)
			}
			want := Graph{Nodes: []string{"main", "add"}, Edges: [][]int{{0, 1}}}
			if diff := testutil.Diff(g, want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestUnmarshalMissingObject(t *testing.T) {
	for name, bucket := range buckets() {
		t.Run(name, func(t *testing.T) {
			var g Graph
			err := UnmarshalCompressed(context.Background(), bucket, uuid.New().String(), &g)
			if !errors.Is(err, ErrObjectNotFound) {
				t.Fatalf("expected ErrObjectNotFound, got %v", err)
			}
		})
	}
}
