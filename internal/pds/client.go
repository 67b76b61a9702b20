// Package pds is the AT Protocol HTTP client: every endpoint the
// migration pipeline consumes, session-refresh coalescing, and JSON
// error classification into the migerr taxonomy.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
	"github.com/pdsmove/pdsmove/pkg/models"
)

// Client talks to one PDS host on behalf of one Session. A Client does
// not own the Session's lifetime; Refresh mutates the Session it was
// built with in place, under the coalescing group.
type Client struct {
	httpClient *http.Client
	session    *models.Session
	refresh    singleflight.Group
}

// New builds a Client for session, with the given per-request timeout.
func New(session *models.Session, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		session:    session,
	}
}

func (c *Client) url(path string) string {
	return c.session.PDSHost + "/xrpc/" + path
}

// DID returns the session's current DID, populated once CreateSession or
// CreateAccount has run.
func (c *Client) DID() string { return c.session.DID }

// Handle returns the session's current handle.
func (c *Client) Handle() string { return c.session.Handle }

// do issues an authenticated request, retrying once after a coalesced
// refresh if the first attempt is a 401. A body that implements
// io.Seeker is rewound before the retry.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) (*http.Response, error) {
	resp, err := c.rawRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		if s, ok := body.(io.Seeker); ok {
			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return nil, migerr.Wrap(migerr.KindProtocol, "rewind request body for retry", err)
			}
		}
		resp, err = c.rawRequest(ctx, method, path, body, contentType)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode >= 300 {
		return nil, classify(resp)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, migerr.Wrap(migerr.KindProtocol, "decode response body", err)
		}
	}
	return resp, nil
}

func (c *Client) rawRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	return c.rawRequestWithToken(ctx, method, path, body, contentType, c.session.AccessToken)
}

// rawRequestWithToken is rawRequest with an explicit bearer token, used
// when the caller must authenticate with something other than this
// Client's own session token (e.g. a service-auth token minted by the
// other side of a migration, proving DID ownership before this Client's
// session has an access token of its own).
func (c *Client) rawRequestWithToken(ctx context.Context, method, path string, body io.Reader, contentType, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindProtocol, "build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, migerr.Wrap(migerr.KindCancelled, "request cancelled", ctx.Err())
		}
		return nil, migerr.Wrap(migerr.KindNetworkTransient, "request failed: "+path, err)
	}
	return resp, nil
}

// classify turns a non-2xx response into a Kind-tagged error, the
// generalization of the registry's OCI-error-code mapping to AT
// Protocol's {error, message} JSON error bodies.
func classify(resp *http.Response) error {
	defer resp.Body.Close()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return migerr.New(migerr.KindAuthExpired, msg)
	case resp.StatusCode == http.StatusForbidden:
		return migerr.New(migerr.KindAuthPermanent, msg)
	case resp.StatusCode >= 500:
		return migerr.New(migerr.KindNetworkTransient, fmt.Sprintf("server error %d: %s", resp.StatusCode, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		return migerr.New(migerr.KindNetworkTransient, "rate limited: "+msg)
	default:
		return migerr.New(migerr.KindProtocol, fmt.Sprintf("http %d: %s", resp.StatusCode, msg))
	}
}

// Refresh rotates the session's tokens via refreshSession, coalescing
// concurrent callers into one in-flight request per session.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, _ := c.refresh.Do(c.session.DID, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("com.atproto.server.refreshSession"), nil)
		if err != nil {
			return nil, migerr.Wrap(migerr.KindProtocol, "build refresh request", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.session.RefreshToken)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, migerr.Wrap(migerr.KindNetworkTransient, "refresh session", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, classify2(resp)
		}
		var out struct {
			AccessJwt  string `json:"accessJwt"`
			RefreshJwt string `json:"refreshJwt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, migerr.Wrap(migerr.KindProtocol, "decode refresh response", err)
		}
		c.session.AccessToken = out.AccessJwt
		c.session.RefreshToken = out.RefreshJwt
		c.session.ExpiresAt = time.Now().Add(2 * time.Hour)
		return nil, nil
	})
	return err
}

// classify2 avoids double-closing resp.Body from classify, which also
// defers a Close; refresh already holds its own defer.
func classify2(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return migerr.New(migerr.KindAuthPermanent, "refresh token rejected: "+msg)
	}
	return migerr.New(migerr.KindProtocol, fmt.Sprintf("refresh http %d: %s", resp.StatusCode, msg))
}

// DescribeServer calls com.atproto.server.describeServer.
func (c *Client) DescribeServer(ctx context.Context) (ServerDescription, error) {
	var out ServerDescription
	_, err := c.do(ctx, http.MethodGet, "com.atproto.server.describeServer", nil, "", &out)
	return out, err
}

// CreateSession logs in, populating the Client's Session.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) error {
	body, _ := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	var out struct {
		Did        string `json:"did"`
		Handle     string `json:"handle"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
	}
	resp, err := c.rawRequest(ctx, http.MethodPost, "com.atproto.server.createSession", bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classify(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return migerr.Wrap(migerr.KindProtocol, "decode createSession response", err)
	}
	c.session.DID = out.Did
	c.session.Handle = out.Handle
	c.session.AccessToken = out.AccessJwt
	c.session.RefreshToken = out.RefreshJwt
	c.session.ExpiresAt = time.Now().Add(2 * time.Hour)
	return nil
}

// GetServiceAuth mints a cross-PDS auth token scoped to aud/lxm.
func (c *Client) GetServiceAuth(ctx context.Context, aud, lxm string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("com.atproto.server.getServiceAuth?aud=%s&lxm=%s", aud, lxm)
	_, err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out.Token, err
}

// CreateAccount creates a deactivated account on this (target) PDS.
// serviceAuthToken proves ownership of the DID being migrated in; it is
// minted by the source PDS via GetServiceAuth and carried here instead
// of this Client's own session token, which has no access token yet at
// account-creation time.
func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest, serviceAuthToken string) (CreateAccountResponse, error) {
	body, _ := json.Marshal(req)
	resp, err := c.rawRequestWithToken(ctx, http.MethodPost, "com.atproto.server.createAccount", bytes.NewReader(body), "application/json", serviceAuthToken)
	if err != nil {
		return CreateAccountResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return CreateAccountResponse{}, classify(resp)
	}
	var out CreateAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CreateAccountResponse{}, migerr.Wrap(migerr.KindProtocol, "decode createAccount response", err)
	}
	c.session.DID = out.Did
	c.session.AccessToken = out.AccessJwt
	c.session.RefreshToken = out.RefreshJwt
	return out, nil
}

// CheckAccountStatus reports account readiness, including validDid
// (checked after identity rotation) and blob counts. The blob counts are
// decoded but not consulted anywhere in this module.
func (c *Client) CheckAccountStatus(ctx context.Context) (AccountStatus, error) {
	var out AccountStatus
	_, err := c.do(ctx, http.MethodGet, "com.atproto.server.checkAccountStatus", nil, "", &out)
	return out, err
}

// GetRepo opens a streaming GET of the repo CAR for did. Repo exports
// carry no per-record CID in this data model, so Content-Length (when
// the server sends one) is the only cross-check available that a
// connection drop mid-export doesn't silently produce a short import.
func (c *Client) GetRepo(ctx context.Context, did string, chunkSize int) (bytestream.Stream, error) {
	resp, err := c.rawRequest(ctx, http.MethodGet, "com.atproto.sync.getRepo?did="+did, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, classify(resp)
	}
	return bytestream.FromReaderExpectingSize(resp.Body, chunkSize, resp.ContentLength), nil
}

// ImportRepo streams a CAR body into this (target) PDS.
func (c *Client) ImportRepo(ctx context.Context, s bytestream.Stream) (int64, error) {
	return c.streamUpload(ctx, "com.atproto.repo.importRepo", "application/vnd.ipld.car", s)
}

// ListMissingBlobs enumerates blob CIDs the target still needs.
func (c *Client) ListMissingBlobs(ctx context.Context) ([]string, error) {
	var out struct {
		BlobRefs []struct {
			Cid string `json:"cid"`
		} `json:"blobRefs"`
	}
	_, err := c.do(ctx, http.MethodGet, "com.atproto.repo.listMissingBlobs", nil, "", &out)
	if err != nil {
		return nil, err
	}
	cids := make([]string, 0, len(out.BlobRefs))
	for _, r := range out.BlobRefs {
		cids = append(cids, r.Cid)
	}
	return cids, nil
}

// ListBlobs enumerates blob CIDs known to the source.
func (c *Client) ListBlobs(ctx context.Context, did string) ([]string, error) {
	var out struct {
		Cids []string `json:"cids"`
	}
	_, err := c.do(ctx, http.MethodGet, "com.atproto.sync.listBlobs?did="+did, nil, "", &out)
	return out.Cids, err
}

// GetBlob opens a streaming GET of one blob.
func (c *Client) GetBlob(ctx context.Context, did, cid string, chunkSize int) (bytestream.Stream, error) {
	resp, err := c.rawRequest(ctx, http.MethodGet, "com.atproto.sync.getBlob?did="+did+"&cid="+cid, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, classify(resp)
	}
	return bytestream.FromReaderExpectingSize(resp.Body, chunkSize, resp.ContentLength), nil
}

// UploadBlob streams s to the target as a new blob.
func (c *Client) UploadBlob(ctx context.Context, mimeType string, s bytestream.Stream) (int64, error) {
	return c.streamUpload(ctx, "com.atproto.repo.uploadBlob", mimeType, s)
}

func (c *Client) streamUpload(ctx context.Context, path, contentType string, s bytestream.Stream) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	go func() {
		_, err := bytestream.WriteTo(ctx, s, counter)
		pw.CloseWithError(err)
	}()
	resp, err := c.rawRequest(ctx, http.MethodPost, path, pr, contentType)
	if err != nil {
		return counter.n, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return counter.n, classify(resp)
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// GetPreferences fetches the opaque preferences JSON blob, passed
// through byte-for-byte to PutPreferences per the spec's "no
// schema-aware transform" decision.
func (c *Client) GetPreferences(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	_, err := c.do(ctx, http.MethodGet, "app.bsky.actor.getPreferences", nil, "", &out)
	return out, err
}

// PutPreferences submits raw preferences JSON unchanged.
func (c *Client) PutPreferences(ctx context.Context, raw json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, "app.bsky.actor.putPreferences", bytes.NewReader(raw), "application/json", nil)
	return err
}

// GetRecommendedDidCredentials fetches the DID-document parameters the
// new PDS recommends for the rotated identity.
func (c *Client) GetRecommendedDidCredentials(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	_, err := c.do(ctx, http.MethodGet, "com.atproto.identity.getRecommendedDidCredentials", nil, "", &out)
	return out, err
}

// RequestPlcOperationSignature asks the old PDS to email a signing token.
func (c *Client) RequestPlcOperationSignature(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "com.atproto.identity.requestPlcOperationSignature", nil, "", nil)
	return err
}

// SignPlcOperation submits the email token plus recommended credentials
// to the old PDS and returns the signed operation.
func (c *Client) SignPlcOperation(ctx context.Context, token string, credentials json.RawMessage) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]any{"token": token, "rotationKeys": nil, "credentials": credentials})
	var out struct {
		Operation json.RawMessage `json:"operation"`
	}
	_, err := c.do(ctx, http.MethodPost, "com.atproto.identity.signPlcOperation", bytes.NewReader(body), "application/json", &out)
	return out.Operation, err
}

// SubmitPlcOperation publishes the signed operation through the new PDS.
func (c *Client) SubmitPlcOperation(ctx context.Context, op json.RawMessage) error {
	body, _ := json.Marshal(map[string]any{"operation": op})
	_, err := c.do(ctx, http.MethodPost, "com.atproto.identity.submitPlcOperation", bytes.NewReader(body), "application/json", nil)
	return err
}

// ActivateAccount and DeactivateAccount drive the final lifecycle step.
func (c *Client) ActivateAccount(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "com.atproto.server.activateAccount", nil, "", nil)
	return err
}

func (c *Client) DeactivateAccount(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "com.atproto.server.deactivateAccount", nil, "", nil)
	return err
}
