// Package didres resolves an AT Protocol handle to a DID via
// DNS-over-HTTPS when the well-known HTTP path is unavailable, reading
// the `_atproto.<handle>` TXT record's `did=` value.
package didres

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/miekg/dns"

	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// DefaultDoHEndpoint is Cloudflare's DNS-over-HTTPS resolver, the one
// named in the migration spec.
const DefaultDoHEndpoint = "https://cloudflare-dns.com/dns-query"

// Resolver resolves handles via DoH TXT lookups.
type Resolver struct {
	endpoint   string
	httpClient *http.Client
}

// New builds a Resolver against endpoint (DefaultDoHEndpoint if empty).
func New(endpoint string, httpClient *http.Client) *Resolver {
	if endpoint == "" {
		endpoint = DefaultDoHEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{endpoint: endpoint, httpClient: httpClient}
}

// ResolveHandle looks up the _atproto.<handle> TXT record and extracts
// its did= value.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	name := "_atproto." + dns.Fqdn(handle)

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	packed, err := msg.Pack()
	if err != nil {
		return "", migerr.Wrap(migerr.KindProtocol, "pack dns query", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(packed))
	if err != nil {
		return "", migerr.Wrap(migerr.KindProtocol, "build doh request", err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", migerr.Wrap(migerr.KindNetworkTransient, "doh request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", migerr.New(migerr.KindNetworkPermanent, "doh resolver returned non-200")
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", migerr.Wrap(migerr.KindNetworkTransient, "read doh response", err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(buf.Bytes()); err != nil {
		return "", migerr.Wrap(migerr.KindProtocol, "unpack dns response", err)
	}

	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if did, ok := strings.CutPrefix(s, "did="); ok {
				return did, nil
			}
		}
	}
	return "", migerr.New(migerr.KindProtocol, "no did= txt record found for "+handle)
}
