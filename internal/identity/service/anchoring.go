package service

import (
	"context"
	"errors"
	"log"

	"identity-pairing/backend/internal/anchor"
	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	"identity-pairing/backend/internal/identity/domain"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// anchorIdentity records the identity's anchor as pending and hands its DID hash to the
// relayer in the background. Registration never waits for the ledger.
func (s *PairingService) anchorIdentity(ctx context.Context, ident *domain.Identity) domain.AnchorStatus {
	if ident.DIDHash == "" || ident.WalletAddress == "" {
		return ident.AnchorStatus
	}
	if ident.AnchorStatus == domain.AnchorStatusConfirmed {
		return ident.AnchorStatus
	}
	bg := context.WithoutCancel(ctx)
	if !s.cfg.LedgerConfigured || s.anchorer == nil {
		s.recordAnchor(bg, ident, anchor.Result{}, anchor.ErrAnchorUnavailable)
		return domain.AnchorStatusUnavailable
	}
	if err := s.identities.SetAnchor(bg, ident.ID, "", domain.AnchorStatusPending); err != nil {
		log.Printf("pairing: mark anchor pending for %s: %v", ident.ID, err)
	}
	s.anchoring.Add(1)
	go func() {
		defer s.anchoring.Done()
		res, err := s.anchorer.Anchor(bg, ident.DIDHash, ident.WalletAddress)
		s.recordAnchor(bg, ident, res, err)
	}()
	return domain.AnchorStatusPending
}

func (s *PairingService) recordAnchor(ctx context.Context, ident *domain.Identity, res anchor.Result, err error) {
	status := domain.AnchorStatusConfirmed
	eventType := telemetrydomain.EventAnchorSubmitted
	switch {
	case err == nil:
	case errors.Is(err, anchor.ErrAnchorTimeout):
		status, eventType = domain.AnchorStatusPending, telemetrydomain.EventAnchorPending
	case errors.Is(err, anchor.ErrAnchorUnavailable):
		status, eventType = domain.AnchorStatusUnavailable, telemetrydomain.EventAnchorFailed
	default:
		status, eventType = domain.AnchorStatusFailed, telemetrydomain.EventAnchorFailed
	}
	if serr := s.identities.SetAnchor(ctx, ident.ID, res.TxRef, status); serr != nil {
		log.Printf("pairing: store anchor status for %s: %v", ident.ID, serr)
	}
	meta := map[string]any{"status": string(status)}
	if res.TxRef != "" {
		meta["tx"] = res.TxRef
	}
	if err != nil {
		log.Printf("pairing: anchoring %s degraded: %v", ident.DIDHash, err)
		meta["error"] = err.Error()
		if status != domain.AnchorStatusPending {
			s.audit.LogEvent(ctx, audit.Entry{
				UserID:   ident.ID,
				Action:   auditdomain.ActionAnchorDegraded,
				Resource: "identity",
				Metadata: metadata("status", string(status), "error", err.Error()),
			})
		}
	}
	s.emit(ctx, eventType, nil, ident.ID, meta)
}

// Wait blocks until background anchoring started by this service has finished.
// The relayer must still be running, or must have been stopped, for Wait to return.
func (s *PairingService) Wait() {
	s.anchoring.Wait()
}
