package pds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
	"github.com/pdsmove/pdsmove/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	session := &models.Session{PDSHost: srv.URL, AccessToken: "initial-token", RefreshToken: "refresh-token"}
	return New(session, 0), srv
}

func TestCreateSessionPopulatesSession(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"did": "did:plc:test", "handle": "alice.test",
			"accessJwt": "access", "refreshJwt": "refresh",
		})
	})
	defer srv.Close()

	err := c.CreateSession(context.Background(), "alice", "password")
	require.NoError(t, err)
	require.Equal(t, "did:plc:test", c.session.DID)
	require.Equal(t, "access", c.session.AccessToken)
}

func TestDoRetriesOnceAfterRefreshOn401(t *testing.T) {
	calls := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.refreshSession":
			json.NewEncoder(w).Encode(map[string]string{"accessJwt": "new-access", "refreshJwt": "new-refresh"})
		case "/xrpc/com.atproto.server.checkAccountStatus":
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken"})
				return
			}
			json.NewEncoder(w).Encode(map[string]bool{"validDid": true})
		}
	})
	defer srv.Close()

	status, err := c.CheckAccountStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.ValidDid)
	require.Equal(t, 2, calls)
	require.Equal(t, "new-access", c.session.AccessToken)
}

func TestClassifyMapsStatusCodesToKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   migerr.Kind
	}{
		{http.StatusForbidden, migerr.KindAuthPermanent},
		{http.StatusInternalServerError, migerr.KindNetworkTransient},
		{http.StatusTooManyRequests, migerr.KindNetworkTransient},
		{http.StatusBadRequest, migerr.KindProtocol},
	}
	for _, tc := range cases {
		c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]string{"error": "SomeError", "message": "boom"})
		})
		_, err := c.DescribeServer(context.Background())
		require.Error(t, err)
		require.Equal(t, tc.kind, migerr.KindOf(err))
		srv.Close()
	}
}

func TestGetBlobStreamsBody(t *testing.T) {
	payload := []byte("blob bytes")
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.sync.getBlob", r.URL.Path)
		w.Write(payload)
	})
	defer srv.Close()

	s, err := c.GetBlob(context.Background(), "did:plc:test", "bafyabc", 4)
	require.NoError(t, err)
	defer s.Close()

	var got []byte
	for {
		chunk, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk.Bytes...)
		if chunk.IsLast {
			break
		}
	}
	require.Equal(t, payload, got)
}

func TestUploadBlobStreamsRequestBody(t *testing.T) {
	var received []byte
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.repo.uploadBlob", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	n, err := c.UploadBlob(context.Background(), "image/png", bytestream.FromBytes([]byte("png bytes"), 4))
	require.NoError(t, err)
	require.EqualValues(t, len(received), n)
	require.Equal(t, []byte("png bytes"), received)
}

func TestListMissingBlobsParsesBlobRefs(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"blobRefs": []map[string]string{{"cid": "bafy1"}, {"cid": "bafy2"}},
		})
	})
	defer srv.Close()

	cids, err := c.ListMissingBlobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bafy1", "bafy2"}, cids)
}
