package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadSendsPresetAndReturnsURL(t *testing.T) {
	var gotPreset, gotCloud, gotPath string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotPreset = r.FormValue("upload_preset")
		gotCloud = r.FormValue("cloud_name")
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile, _ = io.ReadAll(f)
		_, _ = io.WriteString(w, `{"secure_url":"https://res.cloudinary.com/demo/image/upload/v1/a.png"}`)
	}))
	defer srv.Close()

	c := NewCloudinary(Config{CloudName: "demo", UploadPreset: "finet", Endpoint: srv.URL})
	got, err := c.Upload(context.Background(), "avatar.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)

	assert.Equal(t, "https://res.cloudinary.com/demo/image/upload/v1/a.png", got)
	assert.Equal(t, "/demo/image/upload", gotPath)
	assert.Equal(t, "finet", gotPreset)
	assert.Equal(t, "demo", gotCloud)
	assert.Equal(t, pngHeader, gotFile)
}

func TestUploadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Upload preset must be whitelisted"}}`)
	}))
	defer srv.Close()

	ctx := context.Background()

	_, err := NewCloudinary(Config{}).Upload(ctx, "a.png", bytes.NewReader(pngHeader))
	assert.ErrorIs(t, err, ErrNotConfigured)

	c := NewCloudinary(Config{CloudName: "demo", UploadPreset: "p", Endpoint: srv.URL})

	_, err = c.Upload(ctx, "a.txt", bytes.NewReader([]byte("hello")))
	assert.ErrorIs(t, err, ErrNotImage)

	big := append(append([]byte{}, pngHeader...), make([]byte, MaxImageSize)...)
	_, err = c.Upload(ctx, "big.png", bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = c.Upload(ctx, "a.png", bytes.NewReader(pngHeader))
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadRequest, upErr.Status)
	assert.Equal(t, "Upload preset must be whitelisted", upErr.Message)
}
