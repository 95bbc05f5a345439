// Package httpapi exposes the adbfs facade over a small HTTP+JSON API for
// inspection, ranged reads and metadata changes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/adbfs/pkg/chunk"
	afs "github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/server/middleware"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

// WindowSource reports chunk cache windows. *chunk.Cache satisfies it.
type WindowSource interface {
	Window(p string) (chunk.WindowInfo, bool)
}

// Server exposes Filesystem over HTTP.
type Server struct {
	FS afs.Filesystem
	// Windows enables /windows/ when set.
	Windows WindowSource
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     *zerolog.Logger
	Opts    Options
}

// Options configure auth, pagination, and rate limiting.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if s.Log != nil {
		s.Log.Info().Str("addr", addr).Msg("http serving")
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/attr/", s.handleAttr)
	mux.HandleFunc("/dirs/", s.handleDirs)
	mux.HandleFunc("/files/", s.handleFiles)
	if s.Windows != nil {
		mux.HandleFunc("/windows/", s.handleWindows)
	}
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return s.applyMiddleware(mux)
}

func (s *Server) handleAttr(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/attr"))
	attr, err := s.FS.GetAttr(r.Context(), p)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, toAttrView(p, attr))
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/windows"))
	info, ok := s.Windows.Window(p)
	if !ok {
		http.Error(w, "no window", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/files"))
	switch r.Method {
	case http.MethodGet:
		s.serveFile(ctx, w, r, p)
	case http.MethodHead:
		s.headFile(ctx, w, p)
	case http.MethodPut:
		http.Error(w, "file content is read-only", http.StatusForbidden)
	case http.MethodPost:
		s.postFile(ctx, w, r, p)
	case http.MethodDelete:
		s.deleteFile(ctx, w, p)
	case http.MethodPatch:
		s.patchFile(ctx, w, r, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	attr, err := s.FS.GetAttr(ctx, p)
	if err != nil {
		httpError(w, err)
		return
	}
	if attr.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	if err := s.FS.Open(ctx, p, afs.OpenFlagReadOnly); err != nil {
		httpError(w, err)
		return
	}
	size := attr.Size
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Last-Modified", attr.ModTime().UTC().Format(http.TimeFormat))
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, parseErr := parseRangeHeader(rangeHeader, size)
		if parseErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		data, err := s.FS.Read(ctx, p, int(end-start+1), start)
		if err != nil {
			httpError(w, err)
			return
		}
		if len(data) == 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "range beyond end of file", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		actualEnd := start + int64(len(data)) - 1
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, actualEnd, size))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	s.streamFile(ctx, w, p, size)
}

// streamBlock is the facade read size used when streaming whole files.
const streamBlock = 256 << 10

func (s *Server) streamFile(ctx context.Context, w http.ResponseWriter, p string, size int64) {
	var offset int64
	for offset < size {
		data, err := s.FS.Read(ctx, p, streamBlock, offset)
		if err != nil {
			if offset == 0 {
				httpError(w, err)
			} else if s.Log != nil {
				s.Log.Warn().Err(err).Str("path", p).Int64("offset", offset).Msg("stream aborted")
			}
			return
		}
		if len(data) == 0 {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		offset += int64(len(data))
	}
}

func (s *Server) headFile(ctx context.Context, w http.ResponseWriter, p string) {
	attr, err := s.FS.GetAttr(ctx, p)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(attr.Size, 10))
	w.Header().Set("Last-Modified", attr.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("X-Posix-Mode", fmt.Sprintf("%o", attr.Perm()))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteFile(ctx context.Context, w http.ResponseWriter, p string) {
	attr, err := s.FS.GetAttr(ctx, p)
	if err != nil {
		httpError(w, err)
		return
	}
	if attr.IsDir() {
		err = s.FS.Rmdir(ctx, p)
	} else {
		err = s.FS.Unlink(ctx, p)
	}
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/dirs"))
	limit, token := s.listingParams(r)
	names, err := s.FS.ReadDir(ctx, p)
	if err != nil {
		httpError(w, err)
		return
	}
	sort.Strings(names)
	entries := make([]dirEntry, 0, limit)
	var nextToken string
	for _, name := range names {
		if name == "." || name == ".." || (token != "" && name <= token) {
			continue
		}
		if len(entries) == limit {
			nextToken = entries[limit-1].Name
			break
		}
		attr, err := s.FS.GetAttr(ctx, path.Join(p, name))
		if errors.Is(err, afs.ErrNotFound) {
			continue
		}
		if err != nil {
			httpError(w, err)
			return
		}
		entries = append(entries, toDirEntry(name, attr))
	}
	response := struct {
		Entries       []dirEntry `json:"entries"`
		NextPageToken string     `json:"next_page_token,omitempty"`
	}{
		Entries:       entries,
		NextPageToken: nextToken,
	}
	writeJSON(w, response)
}

type attrPayload struct {
	Mode     *uint32 `json:"mode"`
	UID      *uint32 `json:"uid"`
	GID      *uint32 `json:"gid"`
	Atime    *int64  `json:"atime"`
	Mtime    *int64  `json:"mtime"`
	Size     *int64  `json:"size"`
	RenameTo string  `json:"rename_to"`
}

type createPayload struct {
	Type   string  `json:"type"`
	Mode   *uint32 `json:"mode"`
	Target string  `json:"target"`
}

func (s *Server) patchFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	var payload attrPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.RenameTo != "" {
		if err := s.FS.Rename(ctx, p, cleanPath(payload.RenameTo)); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if payload.Size != nil {
		http.Error(w, "file content is read-only", http.StatusForbidden)
		return
	}
	if payload.Mode == nil && payload.UID == nil && payload.GID == nil && payload.Atime == nil && payload.Mtime == nil {
		http.Error(w, "no attributes to update", http.StatusBadRequest)
		return
	}
	if payload.Mode != nil {
		if err := s.FS.Chmod(ctx, p, *payload.Mode); err != nil {
			httpError(w, err)
			return
		}
	}
	if payload.UID != nil || payload.GID != nil {
		if err := s.chown(ctx, p, payload.UID, payload.GID); err != nil {
			httpError(w, err)
			return
		}
	}
	if payload.Atime != nil || payload.Mtime != nil {
		if err := s.utime(ctx, p, payload.Atime, payload.Mtime); err != nil {
			httpError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// chown keeps the current owner when only the group changes.
func (s *Server) chown(ctx context.Context, p string, uid, gid *uint32) error {
	user := ""
	if uid != nil {
		user = strconv.FormatUint(uint64(*uid), 10)
	} else {
		attr, err := s.FS.GetAttr(ctx, p)
		if err != nil {
			return err
		}
		user = strconv.FormatUint(uint64(attr.UID), 10)
	}
	group := ""
	if gid != nil {
		group = strconv.FormatUint(uint64(*gid), 10)
	}
	return s.FS.Chown(ctx, p, user, group)
}

func (s *Server) utime(ctx context.Context, p string, atime, mtime *int64) error {
	if atime == nil || mtime == nil {
		attr, err := s.FS.GetAttr(ctx, p)
		if err != nil {
			return err
		}
		if atime == nil {
			atime = &attr.Atime
		}
		if mtime == nil {
			mtime = &attr.Mtime
		}
	}
	return s.FS.Utime(ctx, p, time.Unix(*atime, 0), time.Unix(*mtime, 0))
}

func (s *Server) postFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	var payload createPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var err error
	switch strings.ToLower(payload.Type) {
	case "dir":
		mode := uint32(0o755)
		if payload.Mode != nil {
			mode = *payload.Mode
		}
		err = s.FS.Mkdir(ctx, p, mode)
	case "symlink":
		if payload.Target == "" {
			http.Error(w, "target required", http.StatusBadRequest)
			return
		}
		err = s.FS.Symlink(ctx, payload.Target, p)
	case "link":
		if payload.Target == "" {
			http.Error(w, "target required", http.StatusBadRequest)
			return
		}
		err = s.FS.Link(ctx, cleanPath(payload.Target), p)
	case "fifo", "node":
		mode := uint32(0o644)
		if payload.Mode != nil {
			mode = *payload.Mode
		}
		err = s.FS.Mknod(ctx, p, afs.ModeFIFO|mode, 0)
	default:
		http.Error(w, "unsupported type", http.StatusBadRequest)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch xerrors.KindOf(err) {
		case xerrors.KindNotFound:
			status = http.StatusNotFound
		case xerrors.KindPermission:
			status = http.StatusForbidden
		case xerrors.KindInvalid:
			status = http.StatusBadRequest
		case xerrors.KindNotSupported:
			status = http.StatusNotImplemented
		case xerrors.KindUnavailable:
			status = http.StatusGatewayTimeout
		case xerrors.KindTransport:
			status = http.StatusBadGateway
		}
	}
	http.Error(w, err.Error(), status)
}

type attrView struct {
	Path  string `json:"path"`
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	Size  int64  `json:"size"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Nlink uint32 `json:"nlink"`
	Ino   uint64 `json:"ino"`
	Atime int64  `json:"atime"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
}

func toAttrView(p string, attr afs.FileAttr) attrView {
	return attrView{
		Path:  p,
		Type:  typeName(attr),
		Mode:  fmt.Sprintf("%04o", attr.Perm()),
		Size:  attr.Size,
		UID:   attr.UID,
		GID:   attr.GID,
		Nlink: attr.Nlink,
		Ino:   attr.Ino,
		Atime: attr.Atime,
		Mtime: attr.Mtime,
		Ctime: attr.Ctime,
	}
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func toDirEntry(name string, attr afs.FileAttr) dirEntry {
	entry := dirEntry{Name: name, Type: typeName(attr)}
	if attr.IsRegular() {
		entry.Size = attr.Size
	}
	return entry
}

func typeName(attr afs.FileAttr) string {
	switch {
	case attr.IsDir():
		return "dir"
	case attr.IsRegular():
		return "file"
	case attr.IsSymlink():
		return "link"
	default:
		return "special"
	}
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	startRaw, endRaw, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startRaw), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	end := size - 1
	if endRaw != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(endRaw), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit, r.URL.Query().Get("page_token")
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if s.Log != nil {
		chain = append(chain, middleware.RequestLogger(*s.Log))
	}
	if auth := middleware.APIKeyAuth(s.Opts.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	if len(chain) == 0 {
		return handler
	}
	return middleware.Wrap(handler, chain...)
}
