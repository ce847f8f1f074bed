package davtest

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
)

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func prop(name, value string) string {
	return "<" + name + ">" + escape(value) + "</" + name + ">"
}

func response(href string, props []string) string {
	var b bytes.Buffer
	b.WriteString("<d:response><d:href>")
	b.WriteString(escape((&url.URL{Path: href}).EscapedPath()))
	b.WriteString("</d:href><d:propstat><d:prop>")
	for _, p := range props {
		b.WriteString(p)
	}
	b.WriteString("</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>")
	return b.String()
}

func writeMultistatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:nc="http://nextcloud.org/ns">`+
		responses+`</d:multistatus>`)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(r.Body)
}
