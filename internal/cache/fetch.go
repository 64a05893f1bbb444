package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Fetcher 负责真正访问网络。拦截策略与 AddAll 都通过它回源，测试中可以替换为桩实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// FetchError 描述一次回源失败：要么网络不可达（Err 非空），要么上游返回了非成功状态码。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// maxConcurrentFetches 限制 AddAll 的并发回源数量。
const maxConcurrentFetches = 6

// FetchAll 并发拉取全部请求并按输入顺序返回响应，供各后端实现 AddAll。
// 任意一个请求失败都会取消其余请求，并返回第一个错误；成功时所有响应都满足 OK()。
func FetchAll(ctx context.Context, fetcher Fetcher, reqs []*Request) ([]*Response, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if req == nil || req.URL == nil {
			return nil, errors.New("nil request in batch")
		}
		if req.Method != http.MethodGet {
			return nil, fmt.Errorf("%w: %s", ErrMethodNotCacheable, req.Key())
		}
		key := req.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
		seen[key] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		results  = make([]*Response, len(reqs))
		slots    = make(chan struct{}, maxConcurrentFetches)
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-slots }()

			resp, err := fetcher.Fetch(ctx, req)
			if err != nil {
				var fetchErr *FetchError
				if !errors.As(err, &fetchErr) {
					err = &FetchError{URL: req.URL.String(), Err: err}
				}
				fail(err)
				return
			}
			if !resp.OK() {
				fail(&FetchError{URL: req.URL.String(), Status: resp.Status})
				return
			}
			results[i] = resp
		}(i, req)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	for i, resp := range results {
		if resp == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			return nil, &FetchError{URL: reqs[i].URL.String(), Err: err}
		}
	}
	return results, nil
}
