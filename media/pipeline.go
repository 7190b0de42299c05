package media

import (
	"context"
	"log/slog"
)

// MaxClipSeconds is the client-side cap on image/video clip length. Anything
// longer is rejected before a single byte reaches the blob store.
const MaxClipSeconds = 30

// BlobStore is the media-storage collaborator: bytes in, stable public URL
// out. No partial or resumable upload contract is assumed.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, ownerID string) (string, error)
}

// Pipeline validates and uploads message attachments. It owns no message
// state: callers take the returned URL to the conversation session.
type Pipeline struct {
	blobs  BlobStore
	logger *slog.Logger
}

func NewPipeline(blobs BlobStore) *Pipeline {
	return &Pipeline{blobs: blobs, logger: slog.Default()}
}

// UploadImage pushes an image to the blob store and returns its URL.
func (p *Pipeline) UploadImage(ctx context.Context, data []byte, ownerID string) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Reason: "empty image"}
	}
	url, err := p.blobs.Upload(ctx, data, ownerID)
	if err != nil {
		p.logger.Warn("image upload failed", "owner", ownerID, "err", err)
		return "", &UploadError{Err: err}
	}
	return url, nil
}

// UploadVoice pushes a finished voice recording. Voice has no duration cap.
func (p *Pipeline) UploadVoice(ctx context.Context, data []byte, ownerID string) (string, error) {
	if len(data) == 0 {
		return "", &ValidationError{Reason: "empty recording"}
	}
	url, err := p.blobs.Upload(ctx, data, ownerID)
	if err != nil {
		p.logger.Warn("voice upload failed", "owner", ownerID, "err", err)
		return "", &UploadError{Err: err}
	}
	return url, nil
}

// UploadClip pushes a short video/animation clip. The duration gate runs
// first: an oversized clip is a validation error, not an upload error, and
// causes no blob-store call.
func (p *Pipeline) UploadClip(ctx context.Context, data []byte, durationSeconds int, ownerID string) (string, error) {
	if durationSeconds > MaxClipSeconds {
		return "", &ValidationError{Reason: "clip exceeds maximum length"}
	}
	if len(data) == 0 {
		return "", &ValidationError{Reason: "empty clip"}
	}
	url, err := p.blobs.Upload(ctx, data, ownerID)
	if err != nil {
		p.logger.Warn("clip upload failed", "owner", ownerID, "err", err)
		return "", &UploadError{Err: err}
	}
	return url, nil
}
