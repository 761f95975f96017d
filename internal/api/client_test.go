package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/testsupport/backendstub"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(baseURL, token string) *Client {
	return NewClient(baseURL, token, 5*time.Second, zap.NewNop().Sugar())
}

func TestCreate_ReturnsCredentials(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{ManualServerURL: "rtmp://ingest.example.com/live"})
	defer backend.Close()

	c := newTestClient(backend.URL(), "did:plc:alice")
	creds, err := c.Create(context.Background(), "My Show")
	require.NoError(t, err)

	assert.NotEmpty(t, creds.ID)
	assert.NotEmpty(t, creds.StreamKey)
	assert.NotEmpty(t, creds.PlaybackID)
	assert.Equal(t, "rtmp://ingest.example.com/live", creds.ManualServerURL)

	ops := backend.Operations()
	require.Len(t, ops, 1)
	assert.NotEmpty(t, ops[0].RequestID)
}

func TestCreate_ConflictCarriesActiveTitle(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()

	c := newTestClient(backend.URL(), "did:plc:alice")
	_, err := c.Create(context.Background(), "My Show")
	require.NoError(t, err)

	_, err = c.Create(context.Background(), "My Show 2")
	require.ErrorIs(t, err, domain.ErrSessionConflict)

	e, ok := domain.AsError(err)
	require.True(t, ok)
	require.NotNil(t, e.ActiveStream)
	assert.Equal(t, "My Show", e.ActiveStream.Title)
}

func TestCreate_ServerErrorIsBackendKind(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{FailCreates: true})
	defer backend.Close()

	_, err := newTestClient(backend.URL(), "did:plc:alice").Create(context.Background(), "My Show")
	assert.Equal(t, domain.KindBackend, domain.KindOf(err))
}

func TestCreate_MissingKeyIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"s1","playbackId":"pb"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "t").Create(context.Background(), "My Show")
	assert.Error(t, err)
}

func TestLookupActive(t *testing.T) {
	backend := backendstub.Start(backendstub.Options{})
	defer backend.Close()

	c := newTestClient(backend.URL(), "did:plc:alice")

	got, err := c.LookupActive(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = c.Create(context.Background(), "Evening Stream")
	require.NoError(t, err)

	got, err = c.LookupActive(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Evening Stream", got.Title)
	assert.NotEmpty(t, got.PlaybackURL)
}

func TestLookupActive_RequiresCreator(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1", "t").LookupActive(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreatorFromToken(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "did:plc:alice",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	sub, err := CreatorFromToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", sub)

	_, err = CreatorFromToken("not-a-jwt")
	assert.Error(t, err)
}
