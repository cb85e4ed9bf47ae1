package capsules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sniffLength = 3072

	// RejectReasonTooLarge is reported for attachments over MaxFileBytes.
	RejectReasonTooLarge = "file_too_large"
)

// BlobStore persists attachment bytes. URL resolves a readable address for a
// stored key at the time of the call, so expiring links are minted on demand.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// FileUpload is one attachment submitted with a create request. Open is
// called once, from the goroutine that uploads the file.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// RejectedFile is an attachment dropped from the batch.
type RejectedFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Reason string `json:"reason"`
}

func (r RejectedFile) Message() string {
	return fmt.Sprintf("%s exceeds the %d MB limit", r.Name, MaxFileBytes/(1024*1024))
}

// partitionUploads separates acceptable uploads from oversized ones. Empty
// files are skipped without a report.
func partitionUploads(uploads []FileUpload) ([]FileUpload, []RejectedFile) {
	accepted := make([]FileUpload, 0, len(uploads))
	rejected := make([]RejectedFile, 0)
	for _, upload := range uploads {
		switch {
		case upload.Size <= 0:
			continue
		case upload.Size > MaxFileBytes:
			rejected = append(rejected, RejectedFile{
				Name:   upload.Name,
				Size:   upload.Size,
				Reason: RejectReasonTooLarge,
			})
		default:
			accepted = append(accepted, upload)
		}
	}
	return accepted, rejected
}

var unsafeKeyCharacters = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	cleaned := strings.Trim(unsafeKeyCharacters.ReplaceAllString(base, "_"), "._")
	if cleaned == "" {
		return "file"
	}
	if len(cleaned) > 120 {
		cleaned = cleaned[len(cleaned)-120:]
	}
	return cleaned
}

// storageKey places a file under a per-owner, time-namespaced prefix.
func storageKey(ownerID string, capsuleID CapsuleID, position int, fileName string, at time.Time) string {
	return fmt.Sprintf("capsules/%s/%s/%d_%02d_%s", ownerID, capsuleID.String(), at.UnixMilli(), position, sanitizeFileName(fileName))
}

type stagedUploads struct {
	mu   sync.Mutex
	keys []string
}

func (s *stagedUploads) add(key string) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

func (s *stagedUploads) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// stageUploads pushes every accepted file to the blob store concurrently and
// returns the attachment records in submission order. On failure the keys
// already written are returned so the caller can clean them up.
func stageUploads(ctx context.Context, blobs BlobStore, ownerID string, capsuleID CapsuleID, uploads []FileUpload, now time.Time) ([]CapsuleFile, []string, error) {
	files := make([]CapsuleFile, len(uploads))
	staged := &stagedUploads{}
	group, groupCtx := errgroup.WithContext(ctx)
	for index, upload := range uploads {
		group.Go(func() error {
			file, err := uploadOne(groupCtx, blobs, storageKey(ownerID, capsuleID, index, upload.Name, now), upload, staged)
			if err != nil {
				return fmt.Errorf("upload %q: %w", upload.Name, err)
			}
			files[index] = file
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, staged.snapshot(), err
	}
	return files, staged.snapshot(), nil
}

func uploadOne(ctx context.Context, blobs BlobStore, key string, upload FileUpload, staged *stagedUploads) (CapsuleFile, error) {
	if upload.Open == nil {
		return CapsuleFile{}, errors.New("no content")
	}
	reader, err := upload.Open()
	if err != nil {
		return CapsuleFile{}, err
	}
	defer reader.Close()

	body, contentType, err := resolveContentType(reader, upload.ContentType)
	if err != nil {
		return CapsuleFile{}, err
	}
	url, err := blobs.Put(ctx, key, body, upload.Size, contentType)
	if err != nil {
		return CapsuleFile{}, err
	}
	staged.add(key)
	return CapsuleFile{
		Name:        upload.Name,
		Type:        CategoryForContentType(contentType),
		ContentType: contentType,
		Size:        upload.Size,
		URL:         url,
		StorageKey:  key,
	}, nil
}

// resolveContentType trusts a declared specific type and sniffs otherwise.
func resolveContentType(reader io.Reader, declared string) (io.Reader, string, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "application/octet-stream") {
		return reader, declared, nil
	}
	head := make([]byte, sniffLength)
	n, err := io.ReadFull(reader, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", err
	}
	head = head[:n]
	detected := mimetype.Detect(head).String()
	return io.MultiReader(bytes.NewReader(head), reader), detected, nil
}

// discardBlobs removes staged blobs after a failed create. Failures are logged
// and otherwise ignored.
func discardBlobs(blobs BlobStore, keys []string, logger *zap.Logger) {
	if len(keys) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := blobs.Delete(cleanupCtx, key); err != nil {
			logger.Warn("orphaned blob cleanup failed", zap.String("storage_key", key), zap.Error(err))
			continue
		}
		logger.Debug("orphaned blob removed", zap.String("storage_key", key))
	}
}
