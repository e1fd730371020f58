package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

func TestHTTPClient_Create(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 123, "updated_at": "2024-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{
		Side:     models.SideForum,
		BaseURL:  srv.URL + "/",
		Token:    "secret",
		FieldMap: map[string]string{"body": "raw"},
	})
	resp, err := c.Push(context.Background(), Request{
		EntityType: "topic",
		Operation:  models.OperationCreate,
		Payload:    models.Payload{"title": "t", "body": "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/topic", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "b", gotBody["raw"])
	assert.NotContains(t, gotBody, "body")
	assert.Equal(t, "123", resp.RemoteID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), resp.UpdatedAt)
	assert.Equal(t, models.SideForum, c.Side())
}

func TestHTTPClient_UpdateAndDelete(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Side: models.SideCMS, BaseURL: srv.URL})
	resp, err := c.Push(context.Background(), Request{EntityType: "course", Operation: models.OperationUpdate, RemoteID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "7", resp.RemoteID)

	_, err = c.Push(context.Background(), Request{EntityType: "course", Operation: models.OperationDelete, RemoteID: "7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PUT /api/course/7", "DELETE /api/course/7"}, calls)
}

func TestHTTPClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.ErrorCode
	}{
		{http.StatusServiceUnavailable, apperrors.ErrTransientRemote},
		{http.StatusInternalServerError, apperrors.ErrTransientRemote},
		{http.StatusTooManyRequests, apperrors.ErrTransientRemote},
		{http.StatusRequestTimeout, apperrors.ErrTransientRemote},
		{http.StatusBadRequest, apperrors.ErrPermanentRemote},
		{http.StatusNotFound, apperrors.ErrPermanentRemote},
		{http.StatusUnprocessableEntity, apperrors.ErrPermanentRemote},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(HTTPConfig{Side: models.SideCMS, BaseURL: srv.URL})
			_, err := c.Push(context.Background(), Request{EntityType: "course", Operation: models.OperationCreate})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, "nope", statusErr.Body)
		})
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{Side: models.SideCMS, BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Push(context.Background(), Request{EntityType: "course", Operation: models.OperationCreate})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransientRemote))
	assert.False(t, IsPermanent(err))
}

func TestHTTPClient_MissingRemoteIDIsPermanent(t *testing.T) {
	c := NewHTTPClient(HTTPConfig{Side: models.SideCMS, BaseURL: "http://127.0.0.1:1"})
	_, err := c.Push(context.Background(), Request{EntityType: "course", Operation: models.OperationUpdate})
	assert.True(t, IsPermanent(err))
}

func TestClients_For(t *testing.T) {
	cms := NewHTTPClient(HTTPConfig{Side: models.SideCMS, BaseURL: "http://cms"})
	clients := Clients{models.SideCMS: cms}

	got, err := clients.For(models.SideCMS)
	require.NoError(t, err)
	assert.Same(t, cms, got)

	_, err = clients.For(models.SideForum)
	assert.True(t, apperrors.Is(err, apperrors.ErrPermanentRemote))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.True(t, apperrors.Is(Classify(context.DeadlineExceeded), apperrors.ErrTransientRemote))

	already := apperrors.New(apperrors.ErrInvalid, "bad")
	assert.Same(t, already, Classify(already))
}

func TestRename(t *testing.T) {
	in := models.Payload{"a": 1, "b": 2}
	out := Rename(in, map[string]string{"a": "x"})
	assert.Equal(t, models.Payload{"x": 1, "b": 2}, out)
	assert.Equal(t, models.Payload{"a": 1, "b": 2}, in)
}
