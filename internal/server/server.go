// Package server provides the S3-compatible HTTP interface over the block
// engine. It is a thin translation layer: request routing, XML/JSON
// formatting and status-code mapping live here, all storage semantics live
// in the engine.
package server

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castore/castore/internal/engine"
	"github.com/castore/castore/pkg/bytesize"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe; only used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an error and HTTP status into a metric status
// label.
func classifyStatus(httpStatus int, err error) string {
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrLocked):
			return "conflict"
		case errors.Is(err, engine.ErrInvalidRequest):
			return "invalid"
		case errors.Is(err, engine.ErrObjectNotFound):
			return "not_found"
		case errors.Is(err, engine.ErrBlockMissing):
			return "block_missing"
		}
	}
	if httpStatus >= 200 && httpStatus < 300 {
		return "success"
	}
	return "error"
}

// DefaultMaxPartSize caps uploaded parts when no limit is configured.
const DefaultMaxPartSize = 100 * bytesize.MB

// Server routes S3-compatible object requests to the engine.
type Server struct {
	engine  *engine.Engine
	metrics *Metrics

	// MaxPartSize caps a single uploaded part in bytes. Set before the
	// handler is installed.
	MaxPartSize int64
}

// NewServer creates a server over the engine. If metrics is nil, metrics
// are not recorded.
func NewServer(e *engine.Engine, metrics *Metrics) *Server {
	return &Server{
		engine:      e,
		metrics:     metrics,
		MaxPartSize: DefaultMaxPartSize,
	}
}

// Handler returns the HTTP handler for object requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// handleRequest routes requests based on path and method.
//
// Path formats:
//
//	/files/{bucket}/{parent...}         directory listing
//	/{bucket}/{parent...}/{name}        object operations
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")

	if rest, ok := strings.CutPrefix(path, "files/"); ok {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
			return
		}
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			s.writeError(w, http.StatusBadRequest, "InvalidRequest", "Listing path must be /files/{bucket}/{parent}")
			return
		}
		s.listFolder(w, r, parts[0], parts[1])
		return
	}

	segs := strings.Split(path, "/")
	if len(segs) < 3 || segs[0] == "" {
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", "Object path must be /{bucket}/{parent}/{name}")
		return
	}
	bucket := segs[0]
	name := segs[len(segs)-1]
	parent := strings.Join(segs[1:len(segs)-1], "/")

	log.Debug().
		Str("method", r.Method).
		Str("bucket", bucket).
		Str("parent", parent).
		Str("name", name).
		Msg("Object request")

	switch r.Method {
	case http.MethodPost:
		s.handleMultipart(w, r, bucket, parent, name)
	case http.MethodPut:
		s.uploadPart(w, r, bucket, parent, name)
	case http.MethodGet:
		s.downloadObject(w, r, bucket, parent, name)
	case http.MethodDelete:
		s.deleteObject(w, r, bucket, parent, name)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
	}
}

// handleMultipart handles POST /{bucket}/{parent}/{name}: session begin
// when the "uploads" marker is present, session completion when "uploadId"
// is present.
func (s *Server) handleMultipart(w http.ResponseWriter, r *http.Request, bucket, parent, name string) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var opErr error
	operation := "MultipartUpload"
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest(operation, classifyStatus(rec.getStatus(), opErr), time.Since(startTime).Seconds())
		}
	}()

	query := r.URL.Query()

	switch {
	case query.Has("uploads"):
		operation = "InitiateMultipartUpload"
		session, err := s.engine.BeginSession(bucket, parent, name)
		if err != nil {
			opErr = err
			s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		s.writeXML(rec, http.StatusOK, InitiateMultipartUploadResult{
			Bucket:   bucket,
			Key:      engine.FullKey(parent, name),
			UploadID: session,
		})

	case query.Has("uploadId"):
		operation = "CompleteMultipartUpload"
		key, err := s.engine.CompleteSession(bucket, parent, name, query.Get("uploadId"))
		if err != nil {
			opErr = err
			if errors.Is(err, engine.ErrInvalidRequest) {
				s.writeError(rec, http.StatusBadRequest, "InvalidRequest", err.Error())
				return
			}
			s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		s.writeXML(rec, http.StatusOK, CompleteMultipartUploadResult{
			Location: fmt.Sprintf("http://%s/%s/%s", r.Host, bucket, key),
			Bucket:   bucket,
			Key:      key,
		})

	default:
		s.writeError(rec, http.StatusMethodNotAllowed, "MethodNotAllowed", "POST requires uploads or uploadId")
	}
}

// uploadPart handles PUT /{bucket}/{parent}/{name}?uploadId=&partNumber=.
func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, bucket, parent, name string) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var opErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest("UploadPart", classifyStatus(rec.getStatus(), opErr), time.Since(startTime).Seconds())
		}
	}()

	query := r.URL.Query()
	session := query.Get("uploadId")
	partStr := query.Get("partNumber")
	if session == "" || partStr == "" {
		opErr = engine.ErrInvalidRequest
		s.writeError(rec, http.StatusBadRequest, "InvalidRequest", "uploadId and partNumber are required")
		return
	}
	part, err := strconv.Atoi(partStr)
	if err != nil {
		opErr = engine.ErrInvalidRequest
		s.writeError(rec, http.StatusBadRequest, "InvalidRequest", "partNumber must be an integer")
		return
	}

	if r.ContentLength > s.MaxPartSize {
		opErr = engine.ErrInvalidRequest
		s.writeError(rec, http.StatusRequestEntityTooLarge, "EntityTooLarge",
			fmt.Sprintf("Part exceeds the %s limit", bytesize.Format(s.MaxPartSize)))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(rec, r.Body, s.MaxPartSize))
	if err != nil {
		opErr = err
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(rec, http.StatusRequestEntityTooLarge, "EntityTooLarge",
				fmt.Sprintf("Part exceeds the %s limit", bytesize.Format(s.MaxPartSize)))
			return
		}
		s.writeError(rec, http.StatusInternalServerError, "InternalError", "failed to read request body")
		return
	}

	id, err := s.engine.WritePart(r.Context(), bucket, parent, name, session, part, data)
	if err != nil {
		opErr = err
		switch {
		case errors.Is(err, engine.ErrInvalidRequest):
			s.writeError(rec, http.StatusBadRequest, "InvalidRequest", err.Error())
		case errors.Is(err, engine.ErrLocked):
			if s.metrics != nil {
				s.metrics.RecordLockConflict()
			}
			s.writeError(rec, http.StatusConflict, "OperationConflict", "Object is locked by another operation")
		default:
			s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
		}
		return
	}

	rec.Header().Set("ETag", fmt.Sprintf("%q", id.Hex()))
	rec.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.RecordUpload(int64(len(data)))
	}
}

// downloadObject handles GET /{bucket}/{parent}/{name}.
func (s *Server) downloadObject(w http.ResponseWriter, r *http.Request, bucket, parent, name string) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var opErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest("GetObject", classifyStatus(rec.getStatus(), opErr), time.Since(startTime).Seconds())
		}
	}()

	data, err := s.engine.ReadObject(r.Context(), bucket, parent, name)
	if err != nil {
		opErr = err
		switch {
		case errors.Is(err, engine.ErrObjectNotFound):
			s.writeError(rec, http.StatusNotFound, "NoSuchKey", "Object not found")
		case errors.Is(err, engine.ErrBlockMissing):
			// Metadata references bytes the blob store lost: a
			// data-integrity failure, not a client error.
			s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
		default:
			s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
		}
		return
	}

	rec.Header().Set("Content-Type", "application/octet-stream")
	rec.Header().Set("Content-Length", strconv.Itoa(len(data)))
	rec.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := rec.Write(data); err != nil {
		log.Error().Err(err).Msg("Failed to stream object")
	}

	if s.metrics != nil {
		s.metrics.RecordDownload(int64(len(data)))
	}
}

// deleteObject handles DELETE /{bucket}/{parent}/{name}.
func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, bucket, parent, name string) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var opErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest("DeleteObject", classifyStatus(rec.getStatus(), opErr), time.Since(startTime).Seconds())
		}
	}()

	result, err := s.engine.DeleteObject(r.Context(), bucket, parent, name)
	if s.metrics != nil {
		s.metrics.RecordReclaimed(result.Reclaimed())
	}
	if err != nil {
		opErr = err
		if errors.Is(err, engine.ErrObjectNotFound) {
			s.writeError(rec, http.StatusNotFound, "NoSuchKey", "Object not found")
			return
		}
		s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	rec.WriteHeader(http.StatusNoContent)
}

// listFolder handles GET /files/{bucket}/{parent}.
func (s *Server) listFolder(w http.ResponseWriter, r *http.Request, bucket, parent string) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	var opErr error
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRequest("ListFolder", classifyStatus(rec.getStatus(), opErr), time.Since(startTime).Seconds())
		}
	}()

	entries, err := s.engine.ListFolder(r.Context(), parent)
	if err != nil {
		opErr = err
		s.writeError(rec, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	listing := FolderListing{
		Parent: parent,
		Files:  make([]FileInfo, 0, len(entries)),
	}
	for _, e := range entries {
		listing.Files = append(listing.Files, FileInfo{
			Name:         e.Child,
			LastModified: e.ModifiedAt.UTC().Format(time.RFC3339),
		})
	}

	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(rec).Encode(listing); err != nil {
		log.Error().Err(err).Msg("Failed to encode folder listing")
	}
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	resp := ErrorResponse{
		Code:    code,
		Message: message,
	}

	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeXML writes an XML response.
func (s *Server) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	if err := xml.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode XML response")
	}
}

// XML and JSON response types

// ErrorResponse represents an S3-style error.
type ErrorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// InitiateMultipartUploadResult acknowledges a new upload session.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUploadResult acknowledges the end of an upload session.
type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
}

// FolderListing is the JSON body of a directory listing.
type FolderListing struct {
	Parent string     `json:"parent"`
	Files  []FileInfo `json:"files"`
}

// FileInfo is one child in a directory listing.
type FileInfo struct {
	Name         string `json:"name"`
	LastModified string `json:"last_modified"`
}
