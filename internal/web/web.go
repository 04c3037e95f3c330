// Package web implements the static asset role: it serves the browser client
// from a configured directory over the same TLS listener stack as the other
// roles.
//
// The site root maps to index.html and every other path maps to a file under
// the web root. Directories never render listings; a directory without its
// own index.html answers 404 like any missing file.
package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/health"
)

// Server is the web role.
type Server struct {
	cfg   config.WebConfig
	log   *slog.Logger
	files http.Handler
}

// New builds a web server over cfg.Root. A missing index.html is only a
// warning here; the directory may be populated after startup.
func New(cfg config.WebConfig, log *slog.Logger) *Server {
	if cfg.Root == "" {
		cfg.Root = "./web"
	}
	log = log.With("service", "web")

	if _, err := os.Stat(filepath.Join(cfg.Root, "index.html")); err != nil {
		log.Warn("web root has no index.html", "root", cfg.Root)
	}

	return &Server{
		cfg:   cfg,
		log:   log,
		files: http.FileServer(noListing{http.Dir(cfg.Root)}),
	}
}

// HandleHTTP serves one asset request.
func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	s.files.ServeHTTP(w, r)
}

// ReadyCheck reports whether the web root is a servable directory.
func (s *Server) ReadyCheck() health.Checker {
	return health.Checker{
		Name: "webroot",
		Check: func(context.Context) error {
			info, err := os.Stat(s.cfg.Root)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", s.cfg.Root)
			}
			return nil
		},
	}
}

// noListing wraps a filesystem so directory requests resolve only through an
// index.html inside the directory. http.FileServer serves that index itself;
// without this wrapper it would fall back to a generated listing.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		idx, err := n.fs.Open(path.Join(name, "index.html"))
		if err != nil {
			f.Close()
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fs.ErrNotExist
			}
			return nil, err
		}
		idx.Close()
	}
	return f, nil
}
