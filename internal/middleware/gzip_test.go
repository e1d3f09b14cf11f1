package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// echoListingHandler разбирает объявление из тела запроса и возвращает его
// обратно как JSON.
func echoListingHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var l model.Listing
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(l)
}

func gzipBody(t *testing.T, b []byte) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware_RoundTrip(t *testing.T) {
	listing := model.Listing{ID: 7, Title: "ceramic mugs", Kind: model.ListingSell, PricePerUnit: 12.5}
	payload, err := json.Marshal(listing)
	if err != nil {
		t.Fatalf("marshal listing: %v", err)
	}

	tests := []struct {
		name         string
		compressBody bool
		acceptGzip   bool
	}{
		{name: "plain request, gzip response", compressBody: false, acceptGzip: true},
		{name: "gzip request, gzip response", compressBody: true, acceptGzip: true},
		{name: "gzip request, plain response", compressBody: true, acceptGzip: false},
		{name: "plain both ways", compressBody: false, acceptGzip: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = bytes.NewReader(payload)
			if tt.compressBody {
				body = gzipBody(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoListingHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", res.StatusCode)
			}

			wantEncoding := ""
			if tt.acceptGzip {
				wantEncoding = "gzip"
			}
			if got := res.Header.Get("Content-Encoding"); got != wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", got, wantEncoding)
			}

			reader := res.Body
			if tt.acceptGzip {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			var echoed model.Listing
			if err := json.NewDecoder(reader).Decode(&echoed); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if echoed != listing {
				t.Fatalf("listing = %+v, want %+v", echoed, listing)
			}
		})
	}
}

func TestGzipMiddleware_CorruptRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/listings", strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoListingHandler)).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
