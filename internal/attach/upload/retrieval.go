package upload

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/samestrin/promptforge/internal/attach"
	"github.com/samestrin/promptforge/internal/perr"
)

// RetrievalConfig configures the retrieval-target uploader. Repurposed from
// internal/semantic/storage_qdrant.go's QdrantConfig: a persistent
// semantic-search collection there becomes a per-run retrieval-tool upload
// target here — each attachment's content becomes one indexed point keyed
// by its alias rather than a chunk id.
type RetrievalConfig struct {
	APIKey         string
	URL            string // e.g. https://abc123.qdrant.io:6334
	CollectionName string
}

// RetrievalUploader implements upload.Uploader by upserting attachment
// content into a Qdrant collection as a zero-vector point carrying the
// content in its payload — promptforge does not compute embeddings itself
// (that is the provider's retrieval tool's job); it stores content so the
// collection can be inspected or re-embedded downstream.
type RetrievalUploader struct {
	client     *qdrant.Client
	collection string
}

// NewRetrievalUploader connects to Qdrant and ensures the target collection
// exists, grounded on NewQdrantStorage's client-construction sequence.
func NewRetrievalUploader(ctx context.Context, cfg RetrievalConfig) (*RetrievalUploader, error) {
	if cfg.CollectionName == "" {
		cfg.CollectionName = "promptforge_retrieval"
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid retrieval URL: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	u := &RetrievalUploader{client: client, collection: cfg.CollectionName}
	if err := u.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *RetrievalUploader) ensureCollection(ctx context.Context) error {
	exists, err := u.client.CollectionExists(ctx, u.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	return u.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: u.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     1,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Upload implements upload.Uploader: it reads the file and upserts a point
// keyed by a deterministic id derived from (alias, path), returning that id
// as the RemoteID so the template can reference it if routed to prompt too.
func (u *RetrievalUploader) Upload(ctx context.Context, alias string, file *attach.FileRef) (string, error) {
	content, err := file.Content()
	if err != nil {
		// Non-prompt attachments raise ContentNotAvailable from Content();
		// the retrieval path reads the file directly in that case.
		var notAvailable *perr.ContentNotAvailable
		if !errors.As(err, &notAvailable) {
			return "", fmt.Errorf("failed to read %s for retrieval upload: %w", alias, err)
		}
		data, readErr := os.ReadFile(file.Path)
		if readErr != nil {
			return "", fmt.Errorf("failed to read %s for retrieval upload: %w", alias, readErr)
		}
		content = string(data)
	}

	id := fileID(alias, file.Path)
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(0),
		Payload: map[string]*qdrant.Value{
			"alias":   qdrant.NewValueString(alias),
			"path":    qdrant.NewValueString(file.Path),
			"name":    qdrant.NewValueString(file.Name),
			"content": qdrant.NewValueString(content),
		},
	}

	_, err = u.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: u.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to retrieval index: %w", alias, err)
	}
	return id, nil
}

// Close releases the underlying Qdrant client connection.
func (u *RetrievalUploader) Close() error { return u.client.Close() }

func fileID(alias, path string) string {
	return stringToUUID(alias + "|" + path)
}

func stringToUUID(s string) string {
	hash := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x-%x-%x-%x-%x", hash[0:4], hash[4:6], hash[6:8], hash[8:10], hash[10:16])
}

func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	port = 6334
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, false, err
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("missing host in URL")
	}
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port: %w", err)
		}
	}
	return host, port, useTLS, nil
}
