// Package davtest runs an in-process server speaking the WebDAV, chunked
// upload and end-to-end encryption endpoints used by davsync.
package davtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filesPrefix   = "/remote.php/dav/files/"
	uploadsPrefix = "/remote.php/dav/uploads/"
	e2ePrefix     = "/ocs/v2.php/apps/end_to_end_encryption/api/"
	capsPath      = "/ocs/v1.php/cloud/capabilities"
)

type node struct {
	name      string
	dir       bool
	content   []byte
	etag      string
	fileID    int64
	mtime     time.Time
	encrypted bool
	favorite  bool
	parent    *node
	children  map[string]*node
}

type uploadSession struct {
	destination string
	total       string
	chunks      map[string][]byte
}

type fault struct {
	method string
	prefix string
	status int
	times  int
}

// Server is a fake file server backed by an in-memory tree.
type Server struct {
	*httptest.Server

	User     string
	Password string

	// BeforeRequest runs before every authenticated request is served.
	BeforeRequest func(r *http.Request)

	mu       sync.Mutex
	root     *node
	seq      int64
	uploads  map[string]*uploadSession
	locks    map[int64]string
	lockCtr  map[int64]int64
	counters map[int64]int64
	metadata map[int64]string
	faults   []*fault
	requests []string

	e2eEnabled bool
	e2eVersion string
	privateKey string
	publicKeys map[string]string
}

// NewServer starts a server for user. Call Close when done.
func NewServer(user, password string) *Server {
	s := &Server{
		User:       user,
		Password:   password,
		uploads:    make(map[string]*uploadSession),
		locks:      make(map[int64]string),
		lockCtr:    make(map[int64]int64),
		counters:   make(map[int64]int64),
		metadata:   make(map[int64]string),
		publicKeys: make(map[string]string),
		e2eVersion: "2.0",
	}
	s.root = s.newNode("", true, nil)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

func (s *Server) newNode(name string, dir bool, parent *node) *node {
	s.seq++
	n := &node{
		name:   name,
		dir:    dir,
		fileID: s.seq,
		etag:   fmt.Sprintf("%08x", s.seq),
		mtime:  time.Now().UTC().Truncate(time.Second),
		parent: parent,
	}
	if dir {
		n.children = make(map[string]*node)
	}
	if parent != nil {
		parent.children[name] = n
	}
	return n
}

// touch assigns a new etag to n and every ancestor.
func (s *Server) touch(n *node) {
	for ; n != nil; n = n.parent {
		s.seq++
		n.etag = fmt.Sprintf("%08x", s.seq)
	}
}

func (s *Server) lookup(p string) *node {
	n := s.root
	for _, seg := range splitPath(p) {
		if !n.dir {
			return nil
		}
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

func (n *node) path() string {
	if n.parent == nil {
		return "/"
	}
	p := path.Join(n.parent.path(), n.name)
	if n.dir {
		p += "/"
	}
	return p
}

func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func (s *Server) findByID(id int64, n *node) *node {
	if n.fileID == id {
		return n
	}
	for _, c := range n.children {
		if found := s.findByID(id, c); found != nil {
			return found
		}
	}
	return nil
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.User || pass != s.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.BeforeRequest != nil {
		s.BeforeRequest(r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	if status := s.takeFault(r); status != 0 {
		w.WriteHeader(status)
		return
	}

	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, filesPrefix+s.User):
		s.serveFiles(w, r, strings.TrimPrefix(p, filesPrefix+s.User))
	case strings.HasPrefix(p, uploadsPrefix+s.User+"/"):
		s.serveUploads(w, r, strings.TrimPrefix(p, uploadsPrefix+s.User+"/"))
	case p == capsPath:
		s.serveCapabilities(w)
	case strings.HasPrefix(p, e2ePrefix):
		s.serveE2E(w, r, strings.TrimPrefix(p, e2ePrefix))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) takeFault(r *http.Request) int {
	for i, f := range s.faults {
		if f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
			f.times--
			if f.times <= 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
			return f.status
		}
	}
	return 0
}

// FilesPath returns the URL path of a remote file path.
func (s *Server) FilesPath(p string) string {
	return filesPrefix + s.User + "/" + strings.TrimPrefix(p, "/")
}

// UploadsPath returns the URL path of an upload session or member.
func (s *Server) UploadsPath(session string, member ...string) string {
	p := uploadsPrefix + s.User + "/" + session
	for _, m := range member {
		p += "/" + m
	}
	return p
}

// FailRequests makes the next times requests with method whose URL path
// starts with prefix answer status.
func (s *Server) FailRequests(method, prefix string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, prefix: prefix, status: status, times: times})
}

// Requests returns "METHOD /path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many requests used method on a URL path starting with prefix.
func (s *Server) Count(method, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		m, p, _ := strings.Cut(r, " ")
		if m == method && strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// MkdirAll creates p and any missing parents. It returns the folder's file id.
func (s *Server) MkdirAll(p string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mkdirAll(p).fileID
}

func (s *Server) mkdirAll(p string) *node {
	n := s.root
	for _, seg := range splitPath(p) {
		child, ok := n.children[seg]
		if !ok {
			child = s.newNode(seg, true, n)
			s.touch(n)
		}
		n = child
	}
	return n
}

// PutFile creates or replaces a file, creating parents as needed. It
// returns the new etag.
func (s *Server) PutFile(p string, content []byte, mtime time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(p, content, mtime).etag
}

func (s *Server) writeFile(p string, content []byte, mtime time.Time) *node {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	parent := s.mkdirAll(dir)

	n, ok := parent.children[name]
	if !ok {
		n = s.newNode(name, false, parent)
	}
	n.content = append([]byte(nil), content...)
	if !mtime.IsZero() {
		n.mtime = mtime.UTC().Truncate(time.Second)
	}
	s.touch(n)
	return n
}

// File returns the content of a file.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(p)
	if n == nil || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.content...), true
}

// Exists reports whether p exists.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(p) != nil
}

// Etag returns the current etag of p, or "" when p does not exist.
func (s *Server) Etag(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lookup(p); n != nil {
		return n.etag
	}
	return ""
}

// FileID returns the file id of p, or 0 when p does not exist.
func (s *Server) FileID(p string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lookup(p); n != nil {
		return n.fileID
	}
	return 0
}

// ModTime returns the modification time of p.
func (s *Server) ModTime(p string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lookup(p); n != nil {
		return n.mtime
	}
	return time.Time{}
}

// Remove deletes p and its subtree.
func (s *Server) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lookup(p); n != nil && n.parent != nil {
		delete(n.parent.children, n.name)
		s.touch(n.parent)
	}
}

// Children lists the names under folder p.
func (s *Server) Children(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(p)
	if n == nil || !n.dir {
		return nil
	}
	var names []string
	for _, c := range n.sortedChildren() {
		names = append(names, c.name)
	}
	return names
}

// SetEncrypted flags the folder p as end-to-end encrypted.
func (s *Server) SetEncrypted(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lookup(p); n != nil && n.dir {
		n.encrypted = true
		s.touch(n)
	}
}

// SetE2E configures the advertised end-to-end encryption capability.
func (s *Server) SetE2E(enabled bool, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.e2eEnabled = enabled
	s.e2eVersion = version
}

// SetPrivateKey stores the mnemonic protected private key of the user.
func (s *Server) SetPrivateKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = key
}

// SetPublicKey stores the certificate of a user.
func (s *Server) SetPublicKey(user, cert string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[user] = cert
}

// Metadata returns the stored metadata document of a folder.
func (s *Server) Metadata(fileID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[fileID]
	return m, ok
}

// SetMetadata replaces the metadata document of a folder.
func (s *Server) SetMetadata(fileID int64, doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[fileID] = doc
}

// Counter returns the last committed e2e counter of a folder.
func (s *Server) Counter(fileID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[fileID]
}

// LockHeld reports whether the folder is locked.
func (s *Server) LockHeld(fileID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[fileID]
	return ok
}

// HoldLock locks a folder on behalf of another client and returns the token.
func (s *Server) HoldLock(fileID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	token := fmt.Sprintf("foreign-%d", s.seq)
	s.locks[fileID] = token
	return token
}

// Chunks lists the member names of an upload session, sorted.
func (s *Server) Chunks(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[session]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(u.chunks))
	for name := range u.chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PutChunk stores a chunk directly, creating the session when needed.
func (s *Server) PutChunk(session, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[session]
	if !ok {
		u = &uploadSession{chunks: make(map[string][]byte)}
		s.uploads[session] = u
	}
	u.chunks[name] = append([]byte(nil), data...)
}

// HasSession reports whether an upload session exists.
func (s *Server) HasSession(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uploads[session]
	return ok
}

// LockPath returns the URL path of the lock endpoint of a folder.
func (s *Server) LockPath(version string, fileID int64) string {
	return fmt.Sprintf("%s%s/lock/%d", e2ePrefix, version, fileID)
}
