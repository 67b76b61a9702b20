package didres

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func fakeDoH(t *testing.T, did string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		query := new(dns.Msg)
		require.NoError(t, query.Unpack(body))

		reply := new(dns.Msg)
		reply.SetReply(query)
		if did != "" {
			rr, err := dns.NewRR(query.Question[0].Name + " 300 IN TXT \"did=" + did + "\"")
			require.NoError(t, err)
			reply.Answer = append(reply.Answer, rr)
		}
		packed, err := reply.Pack()
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
}

func TestResolveHandleExtractsDidFromTXTRecord(t *testing.T) {
	srv := fakeDoH(t, "did:plc:abc123xyz")
	defer srv.Close()

	r := New(srv.URL, srv.Client())
	did, err := r.ResolveHandle(context.Background(), "alice.example.com")
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc123xyz", did)
}

func TestResolveHandleFailsWhenNoTXTRecordPresent(t *testing.T) {
	srv := fakeDoH(t, "")
	defer srv.Close()

	r := New(srv.URL, srv.Client())
	_, err := r.ResolveHandle(context.Background(), "nobody.example.com")
	require.Error(t, err)
}

func TestResolveHandleFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := New(srv.URL, srv.Client())
	_, err := r.ResolveHandle(context.Background(), "alice.example.com")
	require.Error(t, err)
}

func TestNewDefaultsToDefaultDoHEndpoint(t *testing.T) {
	r := New("", nil)
	require.NotNil(t, r)
}
