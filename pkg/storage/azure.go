package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureStore implements Backend on one Azure Blob Storage container.
type AzureStore struct {
	client *container.Client
}

// NewAzureStore builds the container client once; it is safe for concurrent use.
func NewAzureStore(connectionString, containerName string) (*AzureStore, error) {
	client, err := container.NewClientFromConnectionString(connectionString, containerName, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure container client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

func openAzure(ctx context.Context, container, connectionString string) (Backend, error) {
	return NewAzureStore(connectionString, container)
}

func (a *AzureStore) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	opts := &blockblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}
	if _, err := a.client.NewBlockBlobClient(key).UploadStream(ctx, reader, opts); err != nil {
		return fmt.Errorf("azure upload %s: %w", key, err)
	}
	return nil
}

func (a *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := a.client.NewBlockBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("azure download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if _, err := a.client.NewBlockBlobClient(key).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}

func (a *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.NewBlockBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure properties %s: %w", key, err)
	}
	return true, nil
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	var keys []string
	pager := a.client.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return keys, nil
}

func (a *AzureStore) URL(key string) string {
	return a.client.NewBlockBlobClient(key).URL()
}

// PresignGet issues a read-only SAS URL. This needs an account key in the
// connection string; SAS-token connection strings cannot sign.
func (a *AzureStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := a.client.NewBlockBlobClient(key).GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		if errors.Is(err, bloberror.MissingSharedKeyCredential) {
			return "", ErrPresignUnsupported
		}
		return "", fmt.Errorf("azure sas %s: %w", key, err)
	}
	return u, nil
}
