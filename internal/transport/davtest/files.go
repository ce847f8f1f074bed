package davtest

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

func (s *Server) serveFiles(w http.ResponseWriter, r *http.Request, p string) {
	switch r.Method {
	case "PROPFIND":
		s.propfindFiles(w, r, p)
	case http.MethodGet:
		n := s.lookup(p)
		if n == nil || n.dir {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"`+n.etag+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(n.content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(n.content)
	case http.MethodPut:
		s.putFile(w, r, p)
	case "MKCOL":
		s.mkcol(w, r, p)
	case http.MethodDelete:
		n := s.lookup(p)
		if n == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n.parent == nil || !s.tokenValid(n.parent, r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		delete(n.parent.children, n.name)
		s.touch(n.parent)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// tokenValid reports whether r may modify the contents of folder.
func (s *Server) tokenValid(folder *node, r *http.Request) bool {
	if !folder.encrypted {
		return true
	}
	token := r.Header.Get("e2e-token")
	if token == "" {
		token = r.URL.Query().Get("e2e-token")
	}
	held, ok := s.locks[folder.fileID]
	return ok && token != "" && held == token
}

func (s *Server) propfindFiles(w http.ResponseWriter, r *http.Request, p string) {
	n := s.lookup(p)
	if n == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	nodes := []*node{n}
	if r.Header.Get("Depth") == "1" && n.dir {
		nodes = append(nodes, n.sortedChildren()...)
	}

	var b strings.Builder
	for _, c := range nodes {
		b.WriteString(s.nodeResponse(c))
	}
	writeMultistatus(w, b.String())
}

func (s *Server) nodeResponse(n *node) string {
	props := []string{
		prop("d:getetag", `"`+n.etag+`"`),
		prop("d:getlastmodified", n.mtime.Format(http.TimeFormat)),
		prop("oc:id", fmt.Sprintf("%08docfake", n.fileID)),
		prop("oc:fileid", strconv.FormatInt(n.fileID, 10)),
		prop("oc:favorite", boolProp(n.favorite)),
	}
	if n.dir {
		props = append(props,
			"<d:resourcetype><d:collection/></d:resourcetype>",
			prop("oc:permissions", "RGDNVCK"),
			prop("oc:size", strconv.FormatInt(n.size(), 10)),
			prop("nc:is-encrypted", boolProp(n.encrypted)),
		)
	} else {
		props = append(props,
			"<d:resourcetype/>",
			prop("oc:permissions", "RGDNVW"),
			prop("d:getcontentlength", strconv.Itoa(len(n.content))),
			prop("d:getcontenttype", contentType(n.name)),
		)
	}
	return response(filesPrefix+s.User+n.path(), props)
}

func (n *node) size() int64 {
	if !n.dir {
		return int64(len(n.content))
	}
	var total int64
	for _, c := range n.children {
		total += c.size()
	}
	return total
}

func (s *Server) putFile(w http.ResponseWriter, r *http.Request, p string) {
	dir, name := path.Split(p)
	parent := s.lookup(dir)
	if parent == nil || !parent.dir || name == "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if existing, ok := parent.children[name]; ok && existing.dir {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if !s.tokenValid(parent, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := readBody(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	_, existed := parent.children[name]
	n := s.writeFile(p, body, parseMtime(r))
	writeFileHeaders(w, n)
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) mkcol(w http.ResponseWriter, r *http.Request, p string) {
	p = strings.TrimSuffix(p, "/")
	if s.lookup(p) != nil {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dir, name := path.Split(p)
	parent := s.lookup(dir)
	if parent == nil || !parent.dir || name == "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if !s.tokenValid(parent, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	n := s.newNode(name, true, parent)
	s.touch(parent)
	w.Header().Set("OC-FileId", fmt.Sprintf("%08docfake", n.fileID))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) serveUploads(w http.ResponseWriter, r *http.Request, rest string) {
	session, member, _ := strings.Cut(strings.TrimSuffix(rest, "/"), "/")
	u, exists := s.uploads[session]

	switch r.Method {
	case "MKCOL":
		if exists {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.uploads[session] = &uploadSession{
			destination: r.Header.Get("Destination"),
			total:       r.Header.Get("OC-Total-Length"),
			chunks:      make(map[string][]byte),
		}
		w.WriteHeader(http.StatusCreated)
	case "PROPFIND":
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		href := uploadsPrefix + s.User + "/" + session + "/"
		props := []string{"<d:resourcetype><d:collection/></d:resourcetype>"}
		if member != "" {
			data, ok := u.chunks[member]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			href = uploadsPrefix + s.User + "/" + session + "/" + member
			props = []string{"<d:resourcetype/>", prop("d:getcontentlength", strconv.Itoa(len(data)))}
		}
		writeMultistatus(w, response(href, props))
	case http.MethodPut:
		if !exists || member == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := readBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		u.chunks[member] = body
		w.WriteHeader(http.StatusCreated)
	case "MOVE":
		if !exists || member != ".file" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.assemble(w, r, session, u)
	case http.MethodDelete:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.uploads, session)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) assemble(w http.ResponseWriter, r *http.Request, session string, u *uploadSession) {
	names := make([]string, 0, len(u.chunks))
	for name := range u.chunks {
		names = append(names, name)
	}
	sort.Strings(names)

	var content []byte
	for _, name := range names {
		content = append(content, u.chunks[name]...)
	}
	if total := r.Header.Get("OC-Total-Length"); total != "" && total != strconv.Itoa(len(content)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	dest, err := url.Parse(r.Header.Get("Destination"))
	if err != nil || !strings.HasPrefix(dest.Path, filesPrefix+s.User+"/") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p := strings.TrimPrefix(dest.Path, filesPrefix+s.User)

	dir, name := path.Split(p)
	parent := s.lookup(dir)
	if parent == nil || !parent.dir || name == "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if !s.tokenValid(parent, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	_, existed := parent.children[name]
	n := s.writeFile(p, content, parseMtime(r))
	delete(s.uploads, session)

	writeFileHeaders(w, n)
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeFileHeaders(w http.ResponseWriter, n *node) {
	w.Header().Set("OC-ETag", `"`+n.etag+`"`)
	w.Header().Set("ETag", `"`+n.etag+`"`)
	w.Header().Set("OC-FileId", fmt.Sprintf("%08docfake", n.fileID))
}

func parseMtime(r *http.Request) time.Time {
	secs, err := strconv.ParseInt(r.Header.Get("X-OC-Mtime"), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".txt", ".md":
		return "text/plain"
	}
	return "application/octet-stream"
}

func boolProp(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
