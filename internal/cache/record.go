package cache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// record 是条目的持久化格式，磁盘与 Redis 后端共用同一份 msgpack 编码。
type record struct {
	Method   string              `msgpack:"method"`
	URL      string              `msgpack:"url"`
	Status   int                 `msgpack:"status"`
	Header   map[string][]string `msgpack:"header"`
	Body     []byte              `msgpack:"body"`
	Type     string              `msgpack:"type"`
	FinalURL string              `msgpack:"final_url"`
	StoredAt time.Time           `msgpack:"stored_at"`
}

// EncodeEntry 将请求标识与响应快照编码为字节串，StoredAt 为空时取当前时间。
func EncodeEntry(req *Request, resp *Response) ([]byte, error) {
	if req == nil || req.URL == nil || resp == nil {
		return nil, fmt.Errorf("encode entry: request and response required")
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	rec := record{
		Method:   req.Method,
		URL:      NormalizeURL(req.URL),
		Status:   resp.Status,
		Header:   map[string][]string(shareableHeader(resp.Header)),
		Body:     resp.Body,
		Type:     string(resp.Type),
		FinalURL: resp.URL,
		StoredAt: storedAt,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

// DecodeEntry 是 EncodeEntry 的逆过程。
func DecodeEntry(data []byte) (*Request, *Response, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("decode entry: %w", err)
	}
	req, err := NewRequest(rec.Method, rec.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("decode entry: %w", err)
	}
	header := http.Header(rec.Header)
	if header == nil {
		header = http.Header{}
	}
	resp := &Response{
		Status:   rec.Status,
		Header:   header,
		Body:     rec.Body,
		Type:     ResponseType(rec.Type),
		URL:      rec.FinalURL,
		StoredAt: rec.StoredAt,
	}
	return req, resp, nil
}

// shareableHeader 复制响应头并去掉 Set-Cookie：条目会被回放给所有访客。
func shareableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	out.Del("Set-Cookie")
	return out
}
