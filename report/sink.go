package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/joeycumines/go-utilpkg/jsonenc"
)

// HTTPSink POSTs reports to URL, as newline delimited JSON objects.
type HTTPSink struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Header is added to each request.
	Header http.Header
	// URL must be set.
	URL string
}

var _ Sink = (*HTTPSink)(nil)

func (x *HTTPSink) Send(ctx context.Context, reports []*Error) error {
	if len(reports) == 0 {
		return nil
	}

	var body []byte
	for _, r := range reports {
		body = AppendJSON(body, r)
		body = append(body, '\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range x.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	req.Header.Set(`Content-Type`, `application/x-ndjson`)

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf(`taskwrap: report sink: unexpected status %d`, res.StatusCode)
	}

	return nil
}

// AppendJSON appends the JSON encoding of e to dst, as a single object.
func AppendJSON(dst []byte, e *Error) []byte {
	dst = append(dst, `{"id":`...)
	dst = jsonenc.AppendString(dst, e.ID)
	dst = append(dst, `,"kind":`...)
	dst = jsonenc.AppendString(dst, e.Kind.String())
	dst = append(dst, `,"time":`...)
	dst = jsonenc.AppendString(dst, e.Time.UTC().Format(time.RFC3339Nano))
	dst = append(dst, `,"message":`...)
	dst = jsonenc.AppendString(dst, e.Message)
	if e.Cause != nil {
		dst = append(dst, `,"cause":`...)
		dst = jsonenc.AppendString(dst, e.Cause.Error())
	}
	if e.Stack != `` {
		dst = append(dst, `,"stack":`...)
		dst = jsonenc.AppendString(dst, e.Stack)
	}
	dst = append(dst, `,"code":`...)
	dst = strconv.AppendInt(dst, int64(e.Kind), 10)
	return append(dst, '}')
}
