package sei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

type pageInfo struct {
	TotalPages int `json:"TotalPaginas"`
	TotalItems int `json:"TotalItens"`
}

// decodePage normalizes the two shapes the API returns for list endpoints:
// an envelope {<listKey>: [...], "Info": {"TotalPaginas": n, "TotalItens": m}}
// or a bare array, which implies a single page. The ambiguity stops here;
// callers only ever see items plus page info.
func decodePage(body []byte, listKey string) ([]json.RawMessage, pageInfo, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, pageInfo{}, fmt.Errorf("decode list body: %w", err)
		}
		return items, pageInfo{TotalPages: 1, TotalItems: len(items)}, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, pageInfo{}, fmt.Errorf("decode envelope: %w", err)
	}

	var items []json.RawMessage
	if raw, ok := envelope[listKey]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, pageInfo{}, fmt.Errorf("decode %s list: %w", listKey, err)
		}
	}

	info := pageInfo{TotalPages: 1, TotalItems: len(items)}
	if raw, ok := envelope["Info"]; ok {
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, pageInfo{}, fmt.Errorf("decode page info: %w", err)
		}
		if info.TotalPages < 1 {
			info.TotalPages = 1
		}
	}

	return items, info, nil
}

// fetchAllPages fetches page 1 to learn the page count, then the remainder
// concurrently, and concatenates. Each page call still passes through the
// executor's semaphore, so total outbound concurrency stays bounded. A
// failed page is logged and omitted: the merged list is a best-effort union
// and carries no cross-page ordering guarantee.
func (c *Client) fetchAllPages(ctx context.Context, path string, baseQuery url.Values, listKey string, pageSize int) ([]json.RawMessage, error) {
	first, err := c.request(ctx, http.MethodGet, path, pagedQuery(baseQuery, 1, pageSize))
	if err != nil {
		return nil, err
	}

	items, info, err := decodePage(first, listKey)
	if err != nil {
		return nil, err
	}
	if info.TotalPages <= 1 {
		return items, nil
	}

	pages := make([][]json.RawMessage, info.TotalPages+1)
	pages[1] = items

	var wg sync.WaitGroup
	for page := 2; page <= info.TotalPages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			body, err := c.request(ctx, http.MethodGet, path, pagedQuery(baseQuery, page, pageSize))
			if err != nil {
				c.logger.Error("page fetch failed, omitting",
					"path", path, "page", page, "error", err)
				return
			}
			pageItems, _, err := decodePage(body, listKey)
			if err != nil {
				c.logger.Error("page decode failed, omitting",
					"path", path, "page", page, "error", err)
				return
			}
			pages[page] = pageItems
		}(page)
	}
	wg.Wait()

	merged := make([]json.RawMessage, 0, info.TotalItems)
	for _, pageItems := range pages {
		merged = append(merged, pageItems...)
	}
	return merged, nil
}

func pagedQuery(base url.Values, page, pageSize int) url.Values {
	query := url.Values{}
	for key, values := range base {
		query[key] = values
	}
	query.Set("pagina", strconv.Itoa(page))
	query.Set("quantidade", strconv.Itoa(pageSize))
	return query
}
