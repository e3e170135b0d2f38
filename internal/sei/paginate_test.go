package sei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
)

func TestDecodePageBareArray(t *testing.T) {
	t.Parallel()

	items, info, err := decodePage([]byte(`  [{"a":1},{"a":2}]`), "Documentos")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if info.TotalPages != 1 || info.TotalItems != 2 {
		t.Fatalf("unexpected page info: %+v", info)
	}
}

func TestDecodePageEnvelope(t *testing.T) {
	t.Parallel()

	body := []byte(`{"Documentos":[{"a":1}],"Info":{"TotalPaginas":4,"TotalItens":50}}`)
	items, info, err := decodePage(body, "Documentos")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if info.TotalPages != 4 || info.TotalItems != 50 {
		t.Fatalf("unexpected page info: %+v", info)
	}
}

func TestDecodePageEnvelopeWithoutInfo(t *testing.T) {
	t.Parallel()

	items, info, err := decodePage([]byte(`{"Andamentos":[{"a":1},{"a":2},{"a":3}]}`), "Andamentos")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 3 || info.TotalPages != 1 || info.TotalItems != 3 {
		t.Fatalf("unexpected result: %d items, info %+v", len(items), info)
	}
}

func TestDecodePageMalformed(t *testing.T) {
	t.Parallel()

	if _, _, err := decodePage([]byte(`not json`), "Documentos"); err == nil {
		t.Fatal("expected decode error")
	}
}

func pageBody(page, totalPages int, values ...int) []byte {
	items := make([]map[string]int, 0, len(values))
	for _, v := range values {
		items = append(items, map[string]int{"v": v})
	}
	body, _ := json.Marshal(map[string]any{
		"Documentos": items,
		"Info":       map[string]int{"TotalPaginas": totalPages, "TotalItens": totalPages * len(values)},
	})
	return body
}

func TestFetchAllPagesMergesPages(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pagina") {
		case "1":
			_, _ = w.Write(pageBody(1, 3, 1, 2))
		case "2":
			_, _ = w.Write(pageBody(2, 3, 3, 4))
		case "3":
			_, _ = w.Write(pageBody(3, 3, 5))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("pagina"))
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	items, err := c.fetchAllPages(context.Background(), "/v1/list", nil, "Documentos", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got := make(map[int]bool, len(items))
	for _, item := range items {
		var entry struct {
			V int `json:"v"`
		}
		if err := json.Unmarshal(item, &entry); err != nil {
			t.Fatalf("decode item: %v", err)
		}
		got[entry.V] = true
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 distinct items, got %d", len(got))
	}
	for v := 1; v <= 5; v++ {
		if !got[v] {
			t.Fatalf("item %d missing from merge", v)
		}
	}
}

func TestFetchAllPagesSinglePage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"v":1}]`))
	})

	items, err := c.fetchAllPages(context.Background(), "/v1/list", nil, "Documentos", 15)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("bare array means one page, got %d calls", got)
	}
}

func TestFetchAllPagesOmitsFailedPage(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pagina") {
		case "1":
			_, _ = w.Write(pageBody(1, 3, 1, 2))
		case "2":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(detailBody("validation failed"))
		case "3":
			_, _ = w.Write(pageBody(3, 3, 5, 6))
		}
	})

	items, err := c.fetchAllPages(context.Background(), "/v1/list", nil, "Documentos", 2)
	if err != nil {
		t.Fatalf("a failed inner page must not fail the fetch: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items with page 2 omitted, got %d", len(items))
	}
}

func TestFetchAllPagesFirstPageFailureIsFatal(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write(detailBody("Processo não encontrado."))
	})

	_, err := c.fetchAllPages(context.Background(), "/v1/list", nil, "Documentos", 15)
	if !IsNotFound(err) {
		t.Fatalf("expected first-page error to surface, got %v", err)
	}
}

func TestPagedQueryDoesNotMutateBase(t *testing.T) {
	t.Parallel()

	base := url.Values{}
	base.Set("protocolo_procedimento", "00002.000001/2025-01")

	query := pagedQuery(base, 2, 15)
	if query.Get("pagina") != "2" || query.Get("quantidade") != "15" {
		t.Fatalf("unexpected paging params: %v", query)
	}
	if query.Get("protocolo_procedimento") == "" {
		t.Fatal("base params must carry over")
	}
	if len(base) != 1 {
		t.Fatalf("base query mutated: %v", base)
	}
}
