package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
)

// FileProcessor fetches message attachments and converts them into something a model can consume:
// extracted text or a binary part carrying the file's media type.
type FileProcessor struct {
	client   *http.Client
	maxBytes int64

	localPrefix string
	blobs       BlobReader

	logger *slog.Logger
}

// BlobReader reads files hosted by this server.
type BlobReader interface {
	Blob(ctx context.Context, id string) (models.Upload, []byte, error)
}

// ProcessedFile is the result of processing one attachment. Exactly one of Text and Data is set.
type ProcessedFile struct {
	Text      string
	Data      []byte
	MediaType string
}

// FileProcessorOption configures a FileProcessor.
type FileProcessorOption func(*FileProcessor)

var mediaTypesByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

const defaultMediaType = "application/octet-stream"

// MediaTypeFor returns the media type of a supported file name, or application/octet-stream.
func MediaTypeFor(name string) string {
	if mt, ok := mediaTypesByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return defaultMediaType
}

// SupportedMediaType reports whether files of mediaType may be uploaded and sent to a model.
func SupportedMediaType(mediaType string) bool {
	mediaType = baseMediaType(mediaType)
	for _, mt := range mediaTypesByExt {
		if mt == mediaType {
			return true
		}
	}
	return false
}

func baseMediaType(mediaType string) string {
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func isTextMediaType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "text/") || mediaType == "application/json"
}

// WithLocalFiles makes the processor read URLs starting with prefix straight from blobs instead of
// fetching them over HTTP. The blob id is the remainder of the URL.
func WithLocalFiles(prefix string, blobs BlobReader) FileProcessorOption {
	return func(p *FileProcessor) {
		p.localPrefix = prefix
		p.blobs = blobs
	}
}

// WithHTTPClient replaces the client used to fetch remote files.
func WithHTTPClient(client *http.Client) FileProcessorOption {
	return func(p *FileProcessor) {
		p.client = client
	}
}

// NewFileProcessor creates a FileProcessor that refuses files larger than maxBytes.
func NewFileProcessor(maxBytes int64, logger *slog.Logger, opts ...FileProcessorOption) FileProcessor {
	p := FileProcessor{
		client:   &http.Client{},
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("module", "fileproc")),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Process fetches file and converts it. Plain text and JSON are returned as text; every other
// supported type, images and PDFs included, is returned as binary data. Failures are reported as
// *models.FileProcessingError.
func (p FileProcessor) Process(ctx context.Context, file models.File) (ProcessedFile, error) {
	data, fetchedType, err := p.Fetch(ctx, file.URL)
	if err != nil {
		return ProcessedFile{}, &models.FileProcessingError{Name: file.Name, Err: err}
	}

	mediaType := baseMediaType(file.MediaType)
	if mediaType == "" || mediaType == defaultMediaType {
		mediaType = MediaTypeFor(file.Name)
	}
	// The response type only stands in for names without an extension; a known-bad extension stays bad.
	if mediaType == defaultMediaType && fetchedType != "" && filepath.Ext(file.Name) == "" {
		mediaType = baseMediaType(fetchedType)
	}
	if !SupportedMediaType(mediaType) {
		return ProcessedFile{}, &models.FileProcessingError{
			Name: file.Name,
			Err:  fmt.Errorf("unsupported media type %q", mediaType),
		}
	}

	p.logger.Debug("Processed file",
		slog.String("name", file.Name),
		slog.String("mediaType", mediaType),
		slog.Int("size", len(data)))

	if isTextMediaType(mediaType) {
		return ProcessedFile{Text: string(data), MediaType: mediaType}, nil
	}
	return ProcessedFile{Data: data, MediaType: mediaType}, nil
}

// Fetch downloads rawURL, refusing bodies larger than the processor's limit. It returns the content and the
// reported media type.
func (p FileProcessor) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if p.blobs != nil && p.localPrefix != "" && strings.HasPrefix(rawURL, p.localPrefix) {
		upload, data, err := p.blobs.Blob(ctx, strings.TrimPrefix(rawURL, p.localPrefix))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read hosted file: %w", err)
		}
		return data, upload.FileType, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch file: %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if p.maxBytes > 0 {
		body = io.LimitReader(resp.Body, p.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", p.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
