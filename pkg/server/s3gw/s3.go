// Package s3gw serves one remote directory as a read-only S3 bucket.
package s3gw

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"

	afs "github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/server/middleware"
)

// DefaultBucket names the bucket when Options.Bucket is empty.
const DefaultBucket = "adbfs"

// Options configure the S3 gateway.
type Options struct {
	Bucket string
	// Root is the remote directory the bucket exposes (default "/").
	Root      string
	APIKey    string
	RateLimit middleware.RateLimitOptions
	Logger    *zerolog.Logger
}

// Server exposes a subset of the S3 API backed by an adbfs filesystem.
type Server struct {
	FS  afs.Filesystem
	Opt Options

	handlerOnce sync.Once
	handler     http.Handler
	backend     *Backend
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler()}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	if s.Opt.Logger != nil {
		s.Opt.Logger.Info().Str("addr", addr).Str("bucket", s.bucket()).Str("root", s.Opt.Root).Msg("s3 serving")
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) bucket() string {
	if s.Opt.Bucket == "" {
		return DefaultBucket
	}
	return s.Opt.Bucket
}

// objectKey strips the bucket from a request path.
func (s *Server) objectKey(p string) string {
	trimmed := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, "/")), "/")
	if trimmed == s.bucket() {
		return ""
	}
	return strings.TrimPrefix(trimmed, s.bucket()+"/")
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		s.backend = NewBackend(s.FS, s.bucket(), s.Opt.Root)
		s3 := gofakes3.New(s.backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.handleRename(w, r) {
				return
			}
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		if chain := s.middlewares(); len(chain) > 0 {
			handler = middleware.Wrap(handler, chain...)
		}
		s.handler = handler
	})
	return s.handler
}

// handleRename serves POST /key?rename=/newkey, a non-S3 extension.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	err := s.backend.Rename(r.Context(), s.objectKey(r.URL.Path), s.objectKey(renameTo))
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return true
	}
	w.WriteHeader(http.StatusOK)
	return true
}

// rewriteBucketPath lets clients omit the bucket from object paths.
func (s *Server) rewriteBucketPath(r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, s.bucket()+"/") || trimmed == s.bucket() {
		return
	}
	newPath := path.Join("/", s.bucket(), trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	var chain []middleware.HTTPMiddleware
	if s.Opt.Logger != nil {
		chain = append(chain, middleware.RequestLogger(*s.Opt.Logger))
	}
	if auth := middleware.APIKeyAuth(s.Opt.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opt.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return chain
}

func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, afs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, afs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, afs.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, afs.ErrTransportUnavailable):
		return http.StatusGatewayTimeout
	case errors.Is(err, afs.ErrTransport):
		return http.StatusBadGateway
	default:
		var s3err gofakes3.ErrorCode
		if errors.As(err, &s3err) {
			return s3err.Status()
		}
		return http.StatusInternalServerError
	}
}
