// Package identity drives PLC identity rotation: the four-call
// handshake that moves a DID's rotation keys and service endpoints
// from the source PDS to the target, gated on an email-delivered
// signing token that arrives out of band from whatever is driving the
// migration.
package identity

import (
	"context"
	"encoding/json"

	"github.com/pdsmove/pdsmove/internal/pds"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// TokenSource supplies the PLC operation signing token once the owner
// has retrieved it from the email the source PDS sends in response to
// RequestPlcOperationSignature. Rotate blocks on WaitForToken, so it is
// the suspension point between "email requested" and "email received".
type TokenSource interface {
	WaitForToken(ctx context.Context) (string, error)
}

// ChannelTokenSource is a TokenSource fed by an external caller (a CLI
// prompt, a webhook handler) via Submit, decoupling token delivery
// from whatever goroutine is blocked in Rotate.
type ChannelTokenSource struct {
	tokens chan string
}

// NewChannelTokenSource builds a TokenSource ready to receive exactly
// one token per rotation attempt.
func NewChannelTokenSource() *ChannelTokenSource {
	return &ChannelTokenSource{tokens: make(chan string, 1)}
}

// Submit delivers token to a pending WaitForToken call. It does not
// block; a second Submit before the first is consumed replaces it.
func (c *ChannelTokenSource) Submit(token string) {
	select {
	case <-c.tokens:
	default:
	}
	c.tokens <- token
}

func (c *ChannelTokenSource) WaitForToken(ctx context.Context) (string, error) {
	select {
	case token := <-c.tokens:
		if token == "" {
			return "", migerr.New(migerr.KindEmailTokenMissing, "empty plc signing token submitted")
		}
		return token, nil
	case <-ctx.Done():
		return "", migerr.Wrap(migerr.KindCancelled, "wait for plc signing token cancelled", ctx.Err())
	}
}

// HandleResolver looks up the DID a handle currently advertises,
// independent of whatever PDS/PLC directory the migration itself talks
// to. didres.Resolver (DNS-over-HTTPS) is the production implementation.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Rotator performs identity rotation between a source (old) PDS, which
// signs the PLC operation, and a target (new) PDS, which recommends
// the new credentials and submits the signed operation.
type Rotator struct {
	Source *pds.Client
	Target *pds.Client

	// Resolver, when set, cross-checks the DID the target PDS reports
	// after rotation against the DID the handle's own DNS record
	// advertises, catching PLC-directory/DNS propagation divergence
	// that checkAccountStatus's validDid alone cannot see. Nil disables
	// the check.
	Resolver HandleResolver
}

// Result records the signed PLC operation so the caller can persist
// its content hash into the checkpoint.
type Result struct {
	Operation json.RawMessage
}

// Rotate runs the full handshake: fetch the target's recommended DID
// credentials, ask the source to email a signing token, wait for that
// token via tokens, have the source sign the operation, submit it
// through the target, then confirm the target's view of the DID is
// valid. Any step failing aborts the rotation. A failed signing call is
// reported as KindEmailTokenInvalid and every other failed PDS call as
// KindProtocol, whatever the underlying cause, so a transient network
// failure or expired session is not reported with a retryable kind; a
// failed token wait keeps the kind the TokenSource returned.
func (r *Rotator) Rotate(ctx context.Context, tokens TokenSource) (Result, error) {
	credentials, err := r.Target.GetRecommendedDidCredentials(ctx)
	if err != nil {
		return Result{}, migerr.Wrap(migerr.KindProtocol, "get recommended did credentials", err)
	}

	if err := r.Source.RequestPlcOperationSignature(ctx); err != nil {
		return Result{}, migerr.Wrap(migerr.KindProtocol, "request plc operation signature", err)
	}

	token, err := tokens.WaitForToken(ctx)
	if err != nil {
		return Result{}, err
	}

	op, err := r.Source.SignPlcOperation(ctx, token, credentials)
	if err != nil {
		return Result{}, migerr.Wrap(migerr.KindEmailTokenInvalid, "sign plc operation", err)
	}

	if err := r.Target.SubmitPlcOperation(ctx, op); err != nil {
		return Result{}, migerr.Wrap(migerr.KindProtocol, "submit plc operation", err)
	}

	if err := r.verify(ctx); err != nil {
		return Result{}, err
	}

	return Result{Operation: op}, nil
}

// verify confirms the target now reports a valid DID, the signal that
// the PLC directory has propagated the new operation. When Resolver is
// set, it additionally cross-checks the handle's DNS-advertised DID
// against the target's own DID, an independent signal from a different
// propagation path than checkAccountStatus.
func (r *Rotator) verify(ctx context.Context) error {
	status, err := r.Target.CheckAccountStatus(ctx)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "check account status after rotation", err)
	}
	if !status.ValidDid {
		return migerr.New(migerr.KindProtocol, "target reports invalid did after plc operation submitted")
	}

	if r.Resolver != nil {
		handle := r.Target.Handle()
		if handle != "" {
			resolved, err := r.Resolver.ResolveHandle(ctx, handle)
			if err != nil {
				return migerr.Wrap(migerr.KindProtocol, "resolve handle after rotation", err)
			}
			if resolved != r.Target.DID() {
				return migerr.New(migerr.KindProtocol, "handle resolves to a different did than the target reports after rotation")
			}
		}
	}

	return nil
}
