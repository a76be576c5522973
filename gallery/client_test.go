package gallery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGetImages(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base/api/images" || r.Header.Get("Accept") != "application/json" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "no credentials expected", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"` + id.String() + `","title":"An image by Frank","fileName":"frank.jpg"}]`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/base", time.Second)
	require.NoError(t, err)

	images, err := c.GetImages(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, id, images[0].ID)
	require.Equal(t, "An image by Frank", images[0].Title)
	require.Equal(t, "frank.jpg", images[0].FileName)
}

func TestGetImagesReportsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	_, err = c.GetImages(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestNewClientRejectsRelativeRoot(t *testing.T) {
	_, err := NewClient("/api", 0)
	require.Error(t, err)
}
