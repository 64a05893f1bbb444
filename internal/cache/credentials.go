package cache

import "net/http"

// credentialHeaders 标识访客身份的请求头，缓存条目在所有访客之间共享，不能依赖它们。
var credentialHeaders = []string{"Cookie", "Authorization"}

// HasCredentials 判断请求头是否携带 Cookie 或 Authorization。
func HasCredentials(h http.Header) bool {
	for _, key := range credentialHeaders {
		if len(h.Values(key)) > 0 {
			return true
		}
	}
	return false
}

// StripCredentials 就地删除身份凭据头。
func StripCredentials(h http.Header) {
	for _, key := range credentialHeaders {
		h.Del(key)
	}
}
