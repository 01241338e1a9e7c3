// Package local provides a filesystem-backed media.MediaStorageService.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promptkit/treeprompt/runtime/logger"
	"github.com/promptkit/treeprompt/runtime/media"
)

// FileStoreConfig configures the local filesystem storage backend.
type FileStoreConfig struct {
	// BaseDir is the root directory for media storage.
	BaseDir string

	// Organization determines how files are organized in directories.
	Organization media.OrganizationMode

	// EnableDeduplication enables content-based deduplication using
	// SHA-256 hashing of the stored bytes.
	EnableDeduplication bool
}

// FileStore implements media.MediaStorageService using local filesystem storage.
type FileStore struct {
	config FileStoreConfig

	dedupIndex map[string]string
	dedupMu    sync.RWMutex

	refCounts map[string]int
	refMu     sync.RWMutex
}

// NewFileStore creates a local filesystem storage backend rooted at
// config.BaseDir, creating the directory if it doesn't exist.
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if config.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	if config.Organization == "" {
		config.Organization = media.OrganizationBySession
	}

	fs := &FileStore{
		config:     config,
		dedupIndex: make(map[string]string),
		refCounts:  make(map[string]int),
	}

	if config.EnableDeduplication {
		if err := fs.loadDedupIndex(); err != nil {
			logger.Warn("Failed to load deduplication index", "error", err)
		}
	}

	return fs, nil
}

// validatePath checks that path is within the base directory, preventing
// path traversal and symlink-based escapes.
func (fs *FileStore) validatePath(path string) error {
	absBase, err := filepath.Abs(fs.config.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	absBase = filepath.Clean(absBase)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	if !strings.HasPrefix(absPath+string(filepath.Separator), absBase+string(filepath.Separator)) &&
		absPath != absBase {
		return fmt.Errorf("path %q is outside base directory %q", path, fs.config.BaseDir)
	}

	if _, err := os.Lstat(absPath); err == nil {
		realBase, err := filepath.EvalSymlinks(absBase)
		if err != nil {
			realBase = absBase
		}

		realPath, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return fmt.Errorf("failed to resolve symlinks: %w", err)
		}

		if !strings.HasPrefix(realPath+string(filepath.Separator), realBase+string(filepath.Separator)) &&
			realPath != realBase {
			return fmt.Errorf("path %q resolves outside base directory (symlink attack)", path)
		}
	}

	return nil
}

// StoreMedia implements media.MediaStorageService.
func (fs *FileStore) StoreMedia(_ context.Context, content *media.Content, metadata *media.Metadata) (media.Reference, error) {
	if err := content.Validate(); err != nil {
		return "", fmt.Errorf("invalid media content: %w", err)
	}

	rc, err := content.ReadData()
	if err != nil {
		return "", fmt.Errorf("failed to get media data: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read media data: %w", err)
	}

	var hash string
	if fs.config.EnableDeduplication {
		hash = fs.computeHash(data)

		fs.dedupMu.RLock()
		existingPath, exists := fs.dedupIndex[hash]
		fs.dedupMu.RUnlock()

		if exists {
			fs.refMu.Lock()
			fs.refCounts[existingPath]++
			fs.refMu.Unlock()

			return media.Reference(existingPath), nil
		}
	}

	filePath, err := fs.generateFilePath(metadata, hash, content.MIMEType)
	if err != nil {
		return "", fmt.Errorf("failed to generate file path: %w", err)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	if err := fs.writeFileAtomic(filePath, data); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if fs.config.EnableDeduplication && hash != "" {
		fs.dedupMu.Lock()
		fs.dedupIndex[hash] = filePath
		fs.dedupMu.Unlock()

		fs.refMu.Lock()
		fs.refCounts[filePath] = 1
		fs.refMu.Unlock()

		_ = fs.saveDedupIndex()
	}

	if err := fs.storeMetadata(filePath, metadata); err != nil {
		logger.Warn("Failed to store metadata", "path", filePath, "error", err)
	}

	return media.Reference(filePath), nil
}

// RetrieveMedia implements media.MediaStorageService.
func (fs *FileStore) RetrieveMedia(_ context.Context, reference media.Reference) (*media.Content, error) {
	filePath := string(reference)

	if err := fs.validatePath(filePath); err != nil {
		return nil, fmt.Errorf("invalid media reference: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("media not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to access media: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("reference points to directory, not file: %s", filePath)
	}

	mimeType := fs.loadMIMEType(filePath)
	if mimeType == "" {
		mimeType = inferMIMETypeFromPath(filePath)
	}

	return &media.Content{FilePath: &filePath, MIMEType: mimeType}, nil
}

// DeleteMedia implements media.MediaStorageService.
func (fs *FileStore) DeleteMedia(_ context.Context, reference media.Reference) error {
	filePath := string(reference)

	if err := fs.validatePath(filePath); err != nil {
		return fmt.Errorf("invalid media reference: %w", err)
	}

	if fs.config.EnableDeduplication {
		fs.refMu.Lock()
		count := fs.refCounts[filePath]
		if count > 1 {
			fs.refCounts[filePath]--
			fs.refMu.Unlock()
			return nil
		}
		delete(fs.refCounts, filePath)
		fs.refMu.Unlock()
	}

	metadataPath := filePath + ".meta"
	_ = os.Remove(metadataPath)

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete media: %w", err)
	}

	if fs.config.EnableDeduplication {
		fs.dedupMu.Lock()
		for hash, path := range fs.dedupIndex {
			if path == filePath {
				delete(fs.dedupIndex, hash)
				break
			}
		}
		fs.dedupMu.Unlock()
		_ = fs.saveDedupIndex()
	}

	fs.cleanupEmptyDirs(filepath.Dir(filePath))

	return nil
}

// GetURL implements media.MediaStorageService.
func (fs *FileStore) GetURL(_ context.Context, reference media.Reference, _ time.Duration) (string, error) {
	filePath := string(reference)

	if err := fs.validatePath(filePath); err != nil {
		return "", fmt.Errorf("invalid media reference: %w", err)
	}

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("media not found: %s", filePath)
		}
		return "", fmt.Errorf("failed to access media: %w", err)
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return "file://" + absPath, nil
}

func (fs *FileStore) computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (fs *FileStore) generateFilePath(metadata *media.Metadata, hash, mimeType string) (string, error) {
	ext := getExtensionFromMIME(mimeType)

	filename := hash
	if filename == "" {
		filename = fmt.Sprintf("%d_%d_%d", metadata.MessageIdx, metadata.PartIdx, time.Now().UnixNano())
	}
	filename += ext

	var subdir string
	switch fs.config.Organization {
	case media.OrganizationBySession:
		if metadata.SessionID == "" {
			return "", fmt.Errorf("session ID required for by-session organization")
		}
		subdir = filepath.Join("sessions", sanitizeFilename(metadata.SessionID))
	case media.OrganizationByConversation:
		if metadata.ConversationID == "" {
			return "", fmt.Errorf("conversation ID required for by-conversation organization")
		}
		subdir = filepath.Join("conversations", sanitizeFilename(metadata.ConversationID))
	case media.OrganizationByRun:
		if metadata.RunID == "" {
			return "", fmt.Errorf("run ID required for by-run organization")
		}
		subdir = filepath.Join("runs", sanitizeFilename(metadata.RunID))
	default:
		return "", fmt.Errorf("unknown organization mode: %s", fs.config.Organization)
	}

	return filepath.Join(fs.config.BaseDir, subdir, filename), nil
}

func (fs *FileStore) writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (fs *FileStore) storeMetadata(filePath string, metadata *media.Metadata) error {
	metadataPath := filePath + ".meta"

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(metadataPath, data, 0600)
}

func (fs *FileStore) loadMIMEType(filePath string) string {
	metadataPath := filePath + ".meta"

	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return ""
	}

	var metadata media.Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return ""
	}

	return metadata.MIMEType
}

func (fs *FileStore) loadDedupIndex() error {
	indexPath := filepath.Join(fs.config.BaseDir, ".dedup_index.json")

	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	fs.dedupMu.Lock()
	defer fs.dedupMu.Unlock()

	return json.Unmarshal(data, &fs.dedupIndex)
}

func (fs *FileStore) saveDedupIndex() error {
	indexPath := filepath.Join(fs.config.BaseDir, ".dedup_index.json")

	fs.dedupMu.RLock()
	data, err := json.MarshalIndent(fs.dedupIndex, "", "  ")
	fs.dedupMu.RUnlock()

	if err != nil {
		return err
	}

	return os.WriteFile(indexPath, data, 0600)
}

func (fs *FileStore) cleanupEmptyDirs(dir string) {
	if dir == fs.config.BaseDir || !strings.HasPrefix(dir, fs.config.BaseDir) {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}

	_ = os.Remove(dir)
	fs.cleanupEmptyDirs(filepath.Dir(dir))
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}

func getExtensionFromMIME(mimeType string) string {
	switch mimeType {
	case media.MIMETypeJPEG:
		return ".jpg"
	case media.MIMETypePNG:
		return ".png"
	case media.MIMETypeGIF:
		return ".gif"
	case media.MIMETypeWebP:
		return ".webp"
	default:
		return ".bin"
	}
}

func inferMIMETypeFromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg":
		return media.MIMETypeJPEG
	case ".png":
		return media.MIMETypePNG
	case ".gif":
		return media.MIMETypeGIF
	case ".webp":
		return media.MIMETypeWebP
	default:
		return ""
	}
}
