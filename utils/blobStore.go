package utils

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Blob storage used for raw source payloads (uploaded files, extracted PDF
// pages, API page responses). Objects are immutable; callers persist only
// the returned key, never raw bytes.

// PutBytes stores data under a new object key derived from prefix and ext
// and returns the key.
func PutBytes(ctx context.Context, prefix string, ext string, contentType string, data []byte) (string, error) {
	objectKey := path.Join(prefix, GenerateUniqueFilename()+ext)
	if err := PutBytesAt(ctx, objectKey, contentType, data); err != nil {
		return "", err
	}
	return objectKey, nil
}

// PutBytesAt stores data under an explicit object key.
func PutBytesAt(ctx context.Context, objectKey string, contentType string, data []byte) error {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		return putBytesLocal(objectKey, data)
	default:
		return uploadBytesToGCS(ctx, objectKey, data, contentType)
	}
}

// GetBytes reads an object previously stored with PutBytes.
func GetBytes(ctx context.Context, objectKey string) ([]byte, error) {
	switch GetStorageProvider() {
	case StorageProviderLocal:
		return getBytesLocal(objectKey)
	default:
		return readBytesFromGCS(ctx, objectKey)
	}
}

func localStorageDir() string {
	dir := strings.TrimSpace(os.Getenv("LOCAL_STORAGE_DIR"))
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "qms_blobs")
	}
	return dir
}

func putBytesLocal(objectKey string, data []byte) error {
	full := filepath.Join(localStorageDir(), filepath.FromSlash(objectKey))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func getBytesLocal(objectKey string) ([]byte, error) {
	full := filepath.Join(localStorageDir(), filepath.FromSlash(objectKey))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("local object %q not readable: %v", objectKey, err)
	}
	return data, nil
}
