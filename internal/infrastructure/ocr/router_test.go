package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PenaltyScanner/internal/domain"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHTMLIsExtractedLocally(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "决定书.html", []byte(`<html><head><style>p{}</style></head><body>
		<p>当事人：某银行</p><div>罚款<br>二十万元</div><script>var x=1</script></body></html>`))

	text, err := NewRouter(nil, nil).ExtractText(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "当事人：某银行\n罚款\n二十万元", text)
}

func TestTextDecodesGBK(t *testing.T) {
	t.Parallel()
	// "罚款" in GBK.
	path := writeFile(t, "a.txt", []byte{0xb7, 0xa3, 0xbf, 0xee})
	text, err := NewRouter(nil, nil).ExtractText(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "罚款", text)
}

func TestSniffsTypeWithoutExtension(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "noext", []byte("<!DOCTYPE html><html><body><p>处罚</p></body></html>"))
	text, err := NewRouter(nil, nil).ExtractText(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "处罚", text)

	text, err = NewRouter(nil, nil).ExtractText(context.Background(), writeFile(t, "x.bin", []byte("纯文本")), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "纯文本", text)
}

func TestRemoteConversion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "pdf", r.FormValue("file_type"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "a.pdf", hdr.Filename)
		assert.Equal(t, "%PDF-1.4", string(data))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " 识别结果 "})
	}))
	defer srv.Close()

	router := NewRouter(NewClient(srv.URL, "k", time.Second), nil)
	text, err := router.ExtractText(context.Background(), writeFile(t, "a.pdf", []byte("%PDF-1.4")), "")
	require.NoError(t, err)
	assert.Equal(t, "识别结果", text)
}

func TestRemoteFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("file_type") == "doc" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.Error(w, "unsupported", http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()
	router := NewRouter(NewClient(srv.URL, "", time.Second), nil)

	_, err := router.ExtractText(context.Background(), writeFile(t, "a.doc", []byte("x")), "")
	assert.Equal(t, domain.KindTransientNetwork, domain.KindOf(err))
	_, err = router.ExtractText(context.Background(), writeFile(t, "a.wps", []byte("x")), "")
	assert.Equal(t, domain.KindPermanentRemote, domain.KindOf(err))

	_, err = NewRouter(nil, nil).ExtractText(context.Background(), writeFile(t, "a.pdf", []byte("x")), "")
	assert.Error(t, err)
	_, err = NewRouter(nil, nil).ExtractText(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), "")
	assert.Equal(t, domain.KindLocalIO, domain.KindOf(err))
}
