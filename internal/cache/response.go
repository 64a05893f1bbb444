package cache

import (
	"net/http"
	"time"
)

// ResponseType mirrors the platform notion of a response type: basic responses
// come from the controller's own origin, opaque ones from anywhere else.
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeOpaque ResponseType = "opaque"
	ResponseTypeError  ResponseType = "error"
)

// Response 是一次上游响应的完整快照（状态码、响应头、正文），缓存中存放的就是它。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// OK 对应 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Cacheable 表示响应满足拦截策略的写缓存条件：状态码 200 且类型为 basic。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseTypeBasic
}

// Clone 深拷贝响应头与正文，返回给调用方的副本与写入缓存的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// SetsCookie 表示响应携带 Set-Cookie，这类响应属于单个访客，不能进入共享缓存。
func (r *Response) SetsCookie() bool {
	return r != nil && len(r.Header.Values("Set-Cookie")) > 0
}
