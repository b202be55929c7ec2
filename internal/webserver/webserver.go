// Package webserver implements C8: the decoy/static web server that
// every connection which speaks plain HTTP without a proxy request
// falls through to, so the listener is indistinguishable from a plain
// web server (spec.md §1, §4.C8).
//
// Grounded on original_source/proxy/include/proxy/proxy_server.hpp's
// web_server()/on_http_root()/on_http_get(): the same two-route split
// (a direct "/getfile/<name>" fetch vs. everything else falling
// through to a directory listing or a file serve), the same
// "Index of <path>" listing page shape, and the same MIME table and
// Range/416 handling, re-expressed with net/http types instead of
// boost::beast ones.
package webserver

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/ARwMq9b6/proxygate/internal/config"
)

// camouflage matches the "Server" banner the original advertises on
// its canned error pages (spec.md §7: "nginx/1.20.2 to camouflage the
// server").
const camouflage = "nginx/1.20.2"

var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".js":   "application/javascript",
	".json": "application/json",
	".css":  "text/css",
	".woff": "application/x-font-woff",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpg",
	".jpeg": "image/jpg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".wav":  "audio/x-wav",
	".ogg":  "video/ogg",
	".mp4":  "video/mp4",
	".flv":  "video/x-flv",
	".ts":   "video/MP2T",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".mkv":  "video/x-matroska",
	".7z":   "application/x-7z-compressed",
	".zip":  "application/zip",
	".xz":   "application/x-xz",
	".xml":  "application/xml",
	".webm": "video/webm",
}

// Server is the web-server component; an empty Root means "no document
// root configured," in which case every request gets the fake page
// (mirrors the original's early-return when doc_directory_ is empty).
type Server struct {
	Root      string
	Autoindex bool
	Htpasswd  bool
	AuthUsers []config.AuthUser
}

func New(root string, autoindex, htpasswd bool, authUsers []config.AuthUser) *Server {
	return &Server{Root: root, Autoindex: autoindex, Htpasswd: htpasswd, AuthUsers: authUsers}
}

// Handle builds the http.Response for req, per spec.md §4.C8's request
// dispatch: a file GET under "/getfile/", otherwise a directory
// listing or file serve depending on whether the target ends in "/".
func (s *Server) Handle(req *http.Request) *http.Response {
	if s.Root == "" {
		return fakePage(req)
	}

	if s.Htpasswd && len(s.AuthUsers) > 0 {
		if resp, ok := s.checkAuth(req); !ok {
			return resp
		}
	}

	target, err := url.PathUnescape(req.URL.Path)
	if err != nil {
		target = req.URL.Path
	}

	if name, ok := strings.CutPrefix(target, "/getfile/"); ok {
		return s.serveFile(req, name)
	}
	if strings.HasSuffix(target, "/") {
		return s.serveDir(req, target)
	}
	return s.serveFile(req, target)
}

func (s *Server) checkAuth(req *http.Request) (*http.Response, bool) {
	user, pass, ok := req.BasicAuth()
	if ok {
		for _, u := range s.AuthUsers {
			if u.Username == user && u.Password == pass {
				return nil, true
			}
		}
	}
	resp := textResponse(http.StatusUnauthorized, "401 Unauthorized\n")
	resp.Header.Set("WWW-Authenticate", `Basic realm="proxy"`)
	return resp, false
}

// resolvePath joins Root with a client-controlled target after
// cleaning it, and rejects any path that still escapes Root — spec.md
// §4.C8 "reject traversal that escapes the root."
func (s *Server) resolvePath(target string) (string, bool) {
	cleaned := path.Clean("/" + target)
	full := filepath.Join(s.Root, filepath.FromSlash(cleaned))
	rootAbs, err1 := filepath.Abs(s.Root)
	fullAbs, err2 := filepath.Abs(full)
	if err1 != nil || err2 != nil {
		return "", false
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return fullAbs, true
}

func (s *Server) serveDir(req *http.Request, target string) *http.Response {
	full, ok := s.resolvePath(target)
	if !ok {
		return textResponse(http.StatusBadRequest, "400 Bad Request\n")
	}

	if !s.Autoindex {
		if _, err := os.Stat(full); err == nil {
			return textResponse(http.StatusForbidden, "403 Forbidden\n")
		}
	}

	for _, index := range []string{"index.html", "index.htm"} {
		if data, err := os.ReadFile(filepath.Join(full, index)); err == nil {
			resp := okResponse(data)
			resp.Header.Set("Content-Type", mimeFor(index))
			return resp
		}
	}

	if !s.Autoindex {
		return textResponse(http.StatusForbidden, "403 Forbidden\n")
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		glog.V(1).Infof("webserver: readdir %s: %v", full, err)
		return textResponse(http.StatusNotFound, notFoundPage())
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "<html><head><meta charset=\"UTF-8\"><title>Index of %s</title></head>"+
		"<body bgcolor=\"white\"><h1>Index of %s</h1><hr><pre>\n", html.EscapeString(target), html.EscapeString(target))
	body.WriteString("<a href=\"../\">../</a>\n")

	type row struct {
		name  string
		isDir bool
		line  string
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		href := name
		display := name
		mtime := info.ModTime().Local().Format("01-02-2006 15:04")
		if e.IsDir() {
			href += "/"
			display += "/"
			rows = append(rows, row{name: display, isDir: true,
				line: fmt.Sprintf("<a href=\"%s\">%s</a>%s%s              [DIRECTORY]\n",
					url.PathEscape(href), html.EscapeString(display), pad(display), mtime)})
		} else {
			rows = append(rows, row{name: display, isDir: false,
				line: fmt.Sprintf("<a href=\"%s\">%s</a>%s%s              %s\n",
					url.PathEscape(href), html.EscapeString(display), pad(display), mtime, humanSize(info.Size()))})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].isDir != rows[j].isDir {
			return rows[i].isDir
		}
		return rows[i].name < rows[j].name
	})
	for _, r := range rows {
		body.WriteString(r.line)
	}
	body.WriteString("</pre><hr></body></html>")

	resp := okResponse(body.Bytes())
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}

func pad(name string) string {
	width := 50 - len(name)
	if width < 1 {
		width = 1
	}
	return strings.Repeat(" ", width)
}

func humanSize(n int64) string {
	const unit = 1024.0
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := float64(unit), 0
	for f := float64(n) / unit; f >= unit; f /= unit {
		div *= unit
		exp++
	}
	suffixes := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f%s", float64(n)/div, suffixes[exp])
}

func (s *Server) serveFile(req *http.Request, target string) *http.Response {
	full, ok := s.resolvePath(target)
	if !ok {
		return textResponse(http.StatusBadRequest, "400 Bad Request\n")
	}

	info, err := os.Stat(full)
	if err != nil {
		return textResponse(http.StatusNotFound, notFoundPage())
	}
	if info.IsDir() {
		return redirectResponse(req.URL.Path + "/")
	}

	f, err := os.Open(full)
	if err != nil {
		return textResponse(http.StatusNotFound, notFoundPage())
	}

	size := info.Size()
	mime := mimeFor(full)

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
			Header:        make(http.Header),
			Body:          f,
			ContentLength: size,
		}
		resp.Header.Set("Server", camouflage)
		resp.Header.Set("Content-Type", mime)
		resp.Header.Set("Accept-Ranges", "bytes")
		resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		return resp
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		f.Close()
		resp := textResponse(http.StatusRequestedRangeNotSatisfiable, rangeNotSatisfiablePage())
		resp.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return resp
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return textResponse(http.StatusInternalServerError, "500 Internal Server Error\n")
	}

	length := end - start + 1
	resp := &http.Response{
		StatusCode: http.StatusPartialContent,
		Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header:        make(http.Header),
		Body:          io.NopCloser(io.LimitReader(f, length)),
		ContentLength: length,
	}
	resp.Header.Set("Server", camouflage)
	resp.Header.Set("Content-Type", mime)
	resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	return resp
}

// parseRange implements spec.md §4.C8's single-range subset:
// "N-M", "N-" (to EOF), "-N" (last N bytes). Multiple ranges or
// anything malformed is rejected (caller replies 416).
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	if strings.Contains(spec, ",") {
		return 0, 0, false // multiple ranges unsupported, spec.md §4.C8
	}
	spec = strings.TrimSpace(spec)
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	left, right := spec[:dash], spec[dash+1:]

	switch {
	case left == "" && right != "":
		n, err := strconv.ParseInt(right, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	case left != "" && right == "":
		n, err := strconv.ParseInt(left, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = n
		end = size - 1
	case left != "" && right != "":
		s, err1 := strconv.ParseInt(left, 10, 64)
		e, err2 := strconv.ParseInt(right, 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		start, end = s, e
	default:
		return 0, 0, false
	}

	if start < 0 || end < start || start >= size {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

func mimeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if m, ok := mimeTypes[ext]; ok {
		return m
	}
	return "text/plain"
}

func okResponse(body []byte) *http.Response {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Server", camouflage)
	resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	return resp
}

// redirectResponse is spec.md §4.C8's "target resolves to a directory"
// case: a bare 301 to the same URL with a trailing slash, letting the
// client's next request land on serveDir's autoindex/index.html logic.
func redirectResponse(location string) *http.Response {
	resp := textResponse(http.StatusMovedPermanently, "301 Moved Permanently\n")
	resp.Header.Set("Location", location)
	return resp
}

func textResponse(status int, body string) *http.Response {
	resp := okResponse([]byte(body))
	resp.StatusCode = status
	resp.Header.Set("Content-Type", "text/html")
	return resp
}

func notFoundPage() string {
	return `<html>
<head><title>404 Not Found</title></head>
<body>
<center><h1>404 Not Found</h1></center>
<hr><center>` + camouflage + `</center>
</body>
</html>
`
}

func rangeNotSatisfiablePage() string {
	return `<html>
<head><title>416 Requested Range Not Satisfiable</title></head>
<body>
<center><h1>416 Requested Range Not Satisfiable</h1></center>
<hr><center>` + camouflage + `</center>
</body>
</html>
`
}

// fakePage is what the original returns verbatim when no document
// root is configured: a bare decoy page, not a 404, so that probing
// the listener with no proxy request gives no indication of its real
// purpose.
func fakePage(req *http.Request) *http.Response {
	body := `<html>
<head><title>Welcome</title></head>
<body>
<center><h1>It works!</h1></center>
<hr><center>` + camouflage + `</center>
</body>
</html>
`
	resp := okResponse([]byte(body))
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return resp
}
