package webview

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// ContentServer serves a directory of page assets over a loopback
// listener, so a view can navigate to local content by plain HTTP URL
// instead of file: paths with their origin quirks. Responses are
// compressed per Accept-Encoding, brotli preferred.
type ContentServer struct {
	dir string
	log *zap.Logger
	srv *http.Server
	ln  net.Listener
	url string

	closeOnce sync.Once
	closeErr  error
}

// ServeDir starts a content server rooted at dir on an ephemeral
// loopback port.
func ServeDir(dir string, logger *zap.Logger) (*ContentServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("content dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content dir %s is not a directory", dir)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening on loopback: %w", err)
	}
	s := &ContentServer{
		dir: dir,
		log: logger.Named("content"),
		ln:  ln,
		url: "http://" + ln.Addr().String(),
	}
	s.srv = &http.Server{Handler: http.HandlerFunc(s.serve)}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("content server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// URL returns the server's base URL, without a trailing slash.
func (s *ContentServer) URL() string { return s.url }

func (s *ContentServer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.srv.Close()
	})
	return s.closeErr
}

func (s *ContentServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") {
		name = path.Join(name, "index.html")
	}
	file := filepath.Join(s.dir, filepath.FromSlash(name))

	data, err := os.ReadFile(file)
	if err != nil {
		if info, statErr := os.Stat(file); statErr == nil && info.IsDir() {
			data, err = os.ReadFile(filepath.Join(file, "index.html"))
		}
		if err != nil {
			http.NotFound(w, r)
			return
		}
	}

	ctype := mime.TypeByExtension(filepath.Ext(file))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ctype)

	if enc := negotiateEncoding(r.Header.Get("Accept-Encoding"), ctype, len(data)); enc != "" {
		compressed, err := compress(data, enc)
		if err == nil {
			w.Header().Set("Content-Encoding", enc)
			w.Header().Set("Vary", "Accept-Encoding")
			data = compressed
		} else {
			s.log.Warn("compression failed", zap.String("encoding", enc), zap.Error(err))
		}
	}

	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}

// minCompressSize skips compression for payloads too small to gain.
const minCompressSize = 256

// negotiateEncoding picks brotli over gzip when the client accepts
// both and the content type is worth compressing.
func negotiateEncoding(acceptEncoding, ctype string, size int) string {
	if size < minCompressSize || !isCompressible(ctype) {
		return ""
	}
	var hasBr, hasGzip bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc := strings.TrimSpace(part)
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		switch enc {
		case "br":
			hasBr = true
		case "gzip":
			hasGzip = true
		}
	}
	if hasBr {
		return "br"
	}
	if hasGzip {
		return "gzip"
	}
	return ""
}

func isCompressible(ctype string) bool {
	if i := strings.IndexByte(ctype, ';'); i >= 0 {
		ctype = ctype[:i]
	}
	ctype = strings.TrimSpace(ctype)
	if strings.HasPrefix(ctype, "text/") {
		return true
	}
	switch ctype {
	case "application/javascript", "application/json", "application/xml",
		"application/wasm", "image/svg+xml":
		return true
	}
	return false
}

func compress(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	var wc io.WriteCloser
	switch encoding {
	case "br":
		wc = brotli.NewWriter(&buf)
	case "gzip":
		wc = gzip.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
