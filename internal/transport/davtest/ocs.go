package davtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func writeOCS(w http.ResponseWriter, status int, data interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	env := map[string]interface{}{
		"ocs": map[string]interface{}{
			"meta": map[string]interface{}{
				"status":     "ok",
				"statuscode": status,
				"message":    http.StatusText(status),
			},
			"data": data,
		},
	}
	if status != http.StatusOK {
		env["ocs"].(map[string]interface{})["meta"].(map[string]interface{})["status"] = "failure"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) serveCapabilities(w http.ResponseWriter) {
	writeOCS(w, http.StatusOK, map[string]interface{}{
		"capabilities": map[string]interface{}{
			"end-to-end-encryption": map[string]interface{}{
				"enabled":     s.e2eEnabled,
				"api-version": s.e2eVersion,
			},
		},
	})
}

// serveE2E handles "{v1|v2}/{kind}[/{fileId}]".
func (s *Server) serveE2E(w http.ResponseWriter, r *http.Request, rest string) {
	version, tail, _ := strings.Cut(rest, "/")
	kind, idStr, _ := strings.Cut(tail, "/")

	switch kind {
	case "private-key":
		if s.privateKey == "" {
			writeOCS(w, http.StatusNotFound, nil)
			return
		}
		writeOCS(w, http.StatusOK, map[string]string{"private-key": s.privateKey})
		return
	case "public-key":
		var users []string
		_ = json.Unmarshal([]byte(r.URL.Query().Get("users")), &users)
		keys := make(map[string]string)
		for _, u := range users {
			if cert, ok := s.publicKeys[u]; ok {
				keys[u] = cert
			}
		}
		writeOCS(w, http.StatusOK, map[string]interface{}{"public-keys": keys})
		return
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeOCS(w, http.StatusBadRequest, nil)
		return
	}
	folder := s.findByID(id, s.root)
	if folder == nil || !folder.dir {
		writeOCS(w, http.StatusNotFound, nil)
		return
	}

	switch kind {
	case "lock":
		s.serveLock(w, r, version, folder)
	case "meta-data":
		s.serveMetadata(w, r, version, folder)
	case "encrypted":
		switch r.Method {
		case http.MethodPut:
			folder.encrypted = true
		case http.MethodDelete:
			folder.encrypted = false
		default:
			writeOCS(w, http.StatusMethodNotAllowed, nil)
			return
		}
		s.touch(folder)
		writeOCS(w, http.StatusOK, nil)
	default:
		writeOCS(w, http.StatusNotFound, nil)
	}
}

func (s *Server) serveLock(w http.ResponseWriter, r *http.Request, version string, folder *node) {
	id := folder.fileID

	switch r.Method {
	case http.MethodPost:
		if !folder.encrypted {
			writeOCS(w, http.StatusForbidden, nil)
			return
		}
		if _, held := s.locks[id]; held {
			writeOCS(w, http.StatusLocked, nil)
			return
		}
		if version == "v2" {
			counter, err := strconv.ParseInt(r.Header.Get("X-NC-E2EE-COUNTER"), 10, 64)
			if err != nil || counter <= s.counters[id] {
				writeOCS(w, http.StatusPreconditionFailed, nil)
				return
			}
			s.lockCtr[id] = counter
		}
		s.seq++
		token := fmt.Sprintf("token-%d", s.seq)
		s.locks[id] = token
		writeOCS(w, http.StatusOK, map[string]string{"e2e-token": token})
	case http.MethodDelete:
		held, ok := s.locks[id]
		if !ok {
			writeOCS(w, http.StatusNotFound, nil)
			return
		}
		if held != r.Header.Get("e2e-token") {
			writeOCS(w, http.StatusForbidden, nil)
			return
		}
		delete(s.locks, id)
		delete(s.lockCtr, id)
		writeOCS(w, http.StatusOK, nil)
	default:
		writeOCS(w, http.StatusMethodNotAllowed, nil)
	}
}

func (s *Server) serveMetadata(w http.ResponseWriter, r *http.Request, version string, folder *node) {
	id := folder.fileID
	existing, exists := s.metadata[id]

	if r.Method == http.MethodGet {
		if !exists {
			writeOCS(w, http.StatusNotFound, nil)
			return
		}
		writeOCS(w, http.StatusOK, map[string]string{"meta-data": existing})
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeOCS(w, http.StatusMethodNotAllowed, nil)
		return
	}
	held, locked := s.locks[id]
	if !locked || held != r.Header.Get("e2e-token") {
		writeOCS(w, http.StatusForbidden, nil)
		return
	}
	if r.Method == http.MethodPost && exists {
		writeOCS(w, http.StatusConflict, nil)
		return
	}
	if r.Method == http.MethodPut && !exists {
		writeOCS(w, http.StatusNotFound, nil)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOCS(w, http.StatusBadRequest, nil)
		return
	}
	doc := r.PostForm.Get("metaData")
	if doc == "" {
		writeOCS(w, http.StatusBadRequest, nil)
		return
	}

	s.metadata[id] = doc
	if version == "v2" {
		s.counters[id] = s.lockCtr[id]
	}
	writeOCS(w, http.StatusOK, map[string]string{"meta-data": doc})
}
