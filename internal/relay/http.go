package relay

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
)

var chunkedTerminator = []byte("0\r\n\r\n")

// httpCodec reads exactly one HTTP response and returns its raw bytes as
// they came off the wire. Requests are written verbatim.
type httpCodec struct {
	req *http.Request
}

// newHTTPCodec parses the outgoing request so responses to HEAD and similar
// requests are delimited correctly. Unparseable requests are still forwarded.
func newHTTPCodec(request []byte) httpCodec {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(request)))
	if err != nil {
		return httpCodec{}
	}
	return httpCodec{req: req}
}

func (c httpCodec) ReadFrame(r io.Reader) ([]byte, error) {
	var captured bytes.Buffer
	br := bufio.NewReader(io.TeeReader(r, &captured))

	resp, err := http.ReadResponse(br, c.req)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	raw := captured.Bytes()[:captured.Len()-br.Buffered()]
	if isChunked(resp) && len(resp.Trailer) == 0 && !bytes.HasSuffix(raw, chunkedTerminator) {
		raw = append(raw, chunkedTerminator...)
	}
	return raw, nil
}

func (c httpCodec) WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(payload)
	return err
}

func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}
