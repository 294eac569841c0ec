package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureSink mirrors files to a container via a block-blob upload,
// skipping the upload when the blob's last-modified time is not older
// than the source file's mtime.
type AzureSink struct {
	Client    *azblob.Client
	Container string
}

// NewAzureSink builds an AzureSink from a storage account URL and a
// shared-key credential; no other credential type is accepted.
func NewAzureSink(serviceURL, container string, cred azblob.SharedKeyCredential) (*AzureSink, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, &cred, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building azure client: %v", ErrMirror, err)
	}
	return &AzureSink{Client: client, Container: container}, nil
}

func (a *AzureSink) Mirror(ctx context.Context, name, srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("%w: stat source %s: %v", ErrMirror, srcPath, err)
	}

	props, err := a.Client.ServiceClient().NewContainerClient(a.Container).NewBlobClient(name).GetProperties(ctx, nil)
	if err == nil && props.LastModified != nil && mtimeNewer(*props.LastModified, srcInfo.ModTime()) {
		return nil // destination already up to date
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrMirror, srcPath, err)
	}
	defer f.Close()

	_, err = a.Client.UploadFile(ctx, a.Container, name, f, nil)
	if err != nil {
		return fmt.Errorf("%w: uploading %s to container %s: %v", ErrMirror, name, a.Container, err)
	}
	return nil
}
