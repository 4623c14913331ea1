// Package warc builds WARC/1.1 containers for captured pages.
package warc

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nlnwa/gowarc"
)

// Exchange is one fetched document.
type Exchange struct {
	URL            string
	Method         string
	RequestHeader  http.Header
	StatusCode     int
	ResponseHeader http.Header
	Body           []byte
	Date           time.Time
	// Software names the producer in the warcinfo record.
	Software string
}

var recordOptions = []gowarc.WarcRecordOption{
	gowarc.WithVersion(gowarc.V1_1),
	gowarc.WithAddMissingRecordId(true),
	gowarc.WithAddMissingContentLength(true),
	gowarc.WithAddMissingDigest(true),
}

// Build returns a complete WARC container holding a warcinfo record, the
// request and the response of ex. The response names the request in
// WARC-Concurrent-To.
func Build(ex Exchange) ([]byte, error) {
	if ex.URL == "" {
		return nil, fmt.Errorf("warc exchange url is required")
	}
	if ex.Date.IsZero() {
		ex.Date = time.Now()
	}
	if ex.Method == "" {
		ex.Method = http.MethodGet
	}
	if ex.StatusCode == 0 {
		ex.StatusCode = http.StatusOK
	}

	info, err := buildRecord(gowarc.Warcinfo, ex, "", "application/warc-fields", warcinfoBlock(ex))
	if err != nil {
		return nil, err
	}
	req, err := buildRecord(gowarc.Request, ex, "", "application/http;msgtype=request", requestBlock(ex))
	if err != nil {
		return nil, err
	}
	resp, err := buildRecord(gowarc.Response, ex, req.WarcHeader().Get(gowarc.WarcRecordID),
		"application/http;msgtype=response", responseBlock(ex))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	marshaler := gowarc.NewMarshaler()
	for _, rec := range []gowarc.WarcRecord{info, req, resp} {
		_, _, err := marshaler.Marshal(&buf, rec, 0)
		_ = rec.Close()
		if err != nil {
			return nil, fmt.Errorf("write warc %s record: %w", rec.Type(), err)
		}
	}
	return buf.Bytes(), nil
}

func buildRecord(kind gowarc.RecordType, ex Exchange, concurrentTo, contentType string, block []byte) (gowarc.WarcRecord, error) {
	rb := gowarc.NewRecordBuilder(kind, recordOptions...)
	rb.AddWarcHeaderTime(gowarc.WarcDate, ex.Date.UTC())
	if kind != gowarc.Warcinfo {
		rb.AddWarcHeader(gowarc.WarcTargetURI, ex.URL)
	}
	if concurrentTo != "" {
		rb.AddWarcHeader(gowarc.WarcConcurrentTo, concurrentTo)
	}
	rb.AddWarcHeader(gowarc.ContentType, contentType)
	if _, err := rb.Write(block); err != nil {
		_ = rb.Close()
		return nil, fmt.Errorf("write warc %s block: %w", kind, err)
	}
	rec, _, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build warc %s record: %w", kind, err)
	}
	return rec, nil
}

func warcinfoBlock(ex Exchange) []byte {
	software := ex.Software
	if software == "" {
		software = "parker"
	}
	return []byte("software: " + software + "\r\nformat: WARC File Format 1.1\r\n")
}

func requestBlock(ex Exchange) []byte {
	var b bytes.Buffer
	path := "/"
	host := ""
	if req, err := http.NewRequest(ex.Method, ex.URL, nil); err == nil {
		path = req.URL.RequestURI()
		host = req.URL.Host
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", ex.Method, path)
	h := ex.RequestHeader.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("Host") == "" && host != "" {
		h.Set("Host", host)
	}
	_ = h.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

// responseBlock re-serialises the response as the browser saw it after
// decoding, so transfer and content encodings are dropped.
func responseBlock(ex Exchange) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", ex.StatusCode, http.StatusText(ex.StatusCode))
	h := ex.ResponseHeader.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/html; charset=utf-8")
	}
	h.Del("Content-Encoding")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(ex.Body)))
	_ = h.Write(&b)
	b.WriteString("\r\n")
	b.Write(ex.Body)
	return b.Bytes()
}
