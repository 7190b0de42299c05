package media

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryStore is the production BlobStore, backed by Cloudinary.
type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinaryStore builds a store from a CLOUDINARY_URL-style credential.
func NewCloudinaryStore(credentialURL, folder string) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromURL(credentialURL)
	if err != nil {
		return nil, fmt.Errorf("media: cloudinary config: %w", err)
	}
	if folder == "" {
		folder = "tably/messages"
	}
	return &CloudinaryStore{cld: cld, folder: folder}, nil
}

func (s *CloudinaryStore) Upload(ctx context.Context, data []byte, ownerID string) (string, error) {
	params := uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     ownerID + "_" + time.Now().Format("20060102150405"),
		ResourceType: "auto",
	}
	res, err := s.cld.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}
