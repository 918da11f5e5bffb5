package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/OmChillure/memochat/internal/services"
	"github.com/dustin/go-humanize"
)

type remoteUploadRequest struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// FilesPath is the path prefix hosted files are served under.
const FilesPath = "/files/"

// HandleUpload hosts a file for the caller. The file is either posted directly as the multipart field "file"
// or fetched from the fileUrl of a JSON body. Files above the size ceiling or of an unsupported type are
// rejected.
func (m Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.methodNotAllowed(w, r)
		return
	}

	ownerID, ok := m.identify(w, r)
	if !ok {
		return
	}

	var (
		upload models.Upload
		data   []byte
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		upload, data, err = m.readMultipart(w, r)
	} else {
		upload, data, err = m.readRemote(r)
	}
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	upload.OwnerID = ownerID

	if err := m.validateUpload(upload.FileType, int64(len(data))); err != nil {
		m.writeError(w, r, err)
		return
	}

	hosted, err := m.blobs.PutBlob(r.Context(), upload, data, m.fileURL)
	if err != nil {
		m.writeError(w, r, fmt.Errorf("failed to host upload: %w", err))
		return
	}

	m.logger.Info("Hosted upload",
		slog.String("ownerID", ownerID),
		slog.String("id", hosted.ID),
		slog.String("fileType", hosted.FileType),
		slog.String("size", humanize.Bytes(uint64(hosted.FileSize))))

	writeJSON(w, http.StatusOK, hosted)
}

func (m Main) readMultipart(w http.ResponseWriter, r *http.Request) (models.Upload, []byte, error) {
	// Leave room for the multipart envelope around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, m.cfg.MaxUploadBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return models.Upload{}, nil, m.tooLarge()
		}
		return models.Upload{}, nil, models.ValidationError{Field: "file", Reason: "no file provided"}
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, m.cfg.MaxUploadBytes+1))
	if err != nil {
		return models.Upload{}, nil, fmt.Errorf("failed to read upload: %w", err)
	}

	fileType := header.Header.Get("Content-Type")
	if fileType == "" || fileType == "application/octet-stream" {
		fileType = services.MediaTypeFor(header.Filename)
	}
	return models.Upload{FileName: header.Filename, FileType: fileType}, data, nil
}

func (m Main) readRemote(r *http.Request) (models.Upload, []byte, error) {
	var req remoteUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		return models.Upload{}, nil, err
	}
	if err := required("fileUrl", req.FileURL); err != nil {
		return models.Upload{}, nil, err
	}
	// Reject what the client already declares too large or unsupported before fetching anything.
	if req.FileSize > 0 || req.FileType != "" {
		if err := m.validateUpload(req.FileType, req.FileSize); err != nil {
			return models.Upload{}, nil, err
		}
	}

	data, fetchedType, err := m.files.Fetch(r.Context(), req.FileURL)
	if err != nil {
		return models.Upload{}, nil, models.ValidationError{Field: "fileUrl", Reason: "could not be fetched"}
	}

	name := req.FileName
	if name == "" {
		name = path.Base(req.FileURL)
	}
	fileType := req.FileType
	if fileType == "" {
		fileType = services.MediaTypeFor(name)
	}
	if fileType == "application/octet-stream" && fetchedType != "" {
		fileType = fetchedType
	}
	return models.Upload{FileName: name, FileType: fileType}, data, nil
}

func (m Main) validateUpload(fileType string, size int64) error {
	if size > m.cfg.MaxUploadBytes {
		return m.tooLarge()
	}
	if fileType != "" && !services.SupportedMediaType(fileType) {
		return models.ValidationError{Field: "fileType", Reason: fmt.Sprintf("%s is not supported", fileType)}
	}
	if fileType == "" {
		return models.ValidationError{Field: "fileType", Reason: "could not be determined"}
	}
	return nil
}

func (m Main) tooLarge() error {
	return models.ValidationError{
		Field:  "file",
		Reason: fmt.Sprintf("too large, maximum size is %s", humanize.IBytes(uint64(m.cfg.MaxUploadBytes))),
	}
}

func (m Main) fileURL(id string) string {
	return strings.TrimSuffix(m.cfg.PublicURL, "/") + FilesPath + id
}

// HandleFiles serves a hosted file by id. Hosted files are readable by anyone holding their URL.
func (m Main) HandleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		m.methodNotAllowed(w, r)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, FilesPath)
	if err := required("id", id); err != nil {
		m.writeError(w, r, err)
		return
	}

	upload, data, err := m.blobs.Blob(r.Context(), id)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", upload.FileType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", upload.FileName))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
