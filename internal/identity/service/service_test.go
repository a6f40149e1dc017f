package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-pairing/backend/internal/anchor"
	"identity-pairing/backend/internal/audit"
	auditrepo "identity-pairing/backend/internal/audit/repository"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/devlink"
	"identity-pairing/backend/internal/identity/domain"
	identityrepo "identity-pairing/backend/internal/identity/repository"
	"identity-pairing/backend/internal/notify"
	oauthrepo "identity-pairing/backend/internal/oauthclient/repository"
	"identity-pairing/backend/internal/security"
	sessionrepo "identity-pairing/backend/internal/session/repository"
)

type harness struct {
	svc        *PairingService
	sessions   *sessionrepo.MemoryStore
	identities *identityrepo.MemoryRepository
	clients    *oauthrepo.MemoryRepository
	auditLogs  *auditrepo.MemoryRepository
	ledger     *anchor.MemoryLedger
	devLinks   *devlink.MemoryStore
	hub        *notify.Hub
	tokens     *security.TokenProvider
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	issuer, err := challenge.NewIssuer([]byte("test-pairing-secret"))
	require.NoError(t, err)

	h := &harness{
		sessions:   sessionrepo.NewMemoryStore(),
		identities: identityrepo.NewMemoryRepository(),
		clients:    oauthrepo.NewMemoryRepository(),
		auditLogs:  auditrepo.NewMemoryRepository(),
		ledger:     anchor.NewMemoryLedger(0),
		devLinks:   devlink.NewMemoryStore(),
		hub:        notify.NewHub(),
		tokens:     tokens,
	}
	relayer := anchor.NewRelayer(h.ledger, nil, anchor.Options{ConfirmTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go relayer.Run(ctx)

	cfg := Config{
		PublicBaseURL:    "https://pair.example/",
		PasswordPepper:   []byte("test-pepper"),
		LedgerConfigured: true,
	}
	for _, f := range tweak {
		f(&cfg)
	}
	h.svc, err = NewPairingService(Deps{
		Sessions:   h.sessions,
		Identities: h.identities,
		Clients:    h.clients,
		Issuer:     issuer,
		Verifier:   ceremony.FakeVerifier{},
		Anchorer:   relayer,
		Hub:        h.hub,
		Tokens:     tokens,
		Hasher:     security.NewHasher(4),
		Audit:      audit.NewLogger(h.auditLogs, nil),
		AuditLogs:  h.auditLogs,
		DevLinks:   h.devLinks,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.svc.Wait()
		cancel()
	})
	return h
}

func (h *harness) actions() []string {
	var out []string
	for _, e := range h.auditLogs.All() {
		out = append(out, e.Action)
	}
	return out
}

func (h *harness) seedWebAuthn(t *testing.T, email string, credID []byte, counter uint32) *domain.Identity {
	t.Helper()
	cred, err := json.Marshal(map[string]any{"id": credID, "publicKey": []byte("pk"), "counter": counter})
	require.NoError(t, err)
	ident, err := h.identities.UpsertByEmail(context.Background(), email, func(i *domain.Identity) error {
		i.CredentialID = credID
		i.CredentialPublicKey = []byte("pk")
		i.SignCount = counter
		i.Credential = cred
		i.AuthMethod = domain.AuthMethodWebAuthn
		return nil
	})
	require.NoError(t, err)
	return ident
}

func decodeChallenge(t *testing.T, publicKey []byte) []byte {
	t.Helper()
	var opts struct {
		Challenge []byte `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(publicKey, &opts))
	require.Len(t, opts.Challenge, challenge.ChallengeBytes)
	return opts.Challenge
}

func waitFor(t *testing.T, ch <-chan notify.Event, want notify.EventType) notify.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed before %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func intPtr(n int) *int { return &n }

func wrongCandidate(t *testing.T, view *SessionView, number int) int {
	t.Helper()
	for _, c := range view.Candidates {
		if c != number {
			return c
		}
	}
	t.Fatal("no decoy candidate")
	return 0
}

func TestNewPairingService_RequiresDeps(t *testing.T) {
	_, err := NewPairingService(Deps{}, Config{})
	require.Error(t, err)
}

func TestCreateSession_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var verr *ValidationError

	_, err := h.svc.CreateSession(ctx, CreateSessionRequest{})
	assert.ErrorAs(t, err, &verr)
	_, err = h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "bogus"})
	assert.ErrorAs(t, err, &verr)
	_, err = h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "password-login"})
	assert.ErrorAs(t, err, &verr)
	_, err = h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-signup", Email: "not-an-email"})
	assert.ErrorAs(t, err, &verr)
	_, err = h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-signup", Email: "a@example.com", WalletAddress: "0x12"})
	assert.ErrorAs(t, err, &verr)
}

func TestCreateSession_QRLoginIsContextBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	assert.Equal(t, "https://pair.example/pair/"+res.SessionID, res.PairingURL)
	assert.GreaterOrEqual(t, res.ContextNumber, 10)
	assert.LessOrEqual(t, res.ContextNumber, 99)

	view, err := h.svc.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)
	require.Len(t, view.Candidates, 3)
	assert.Contains(t, view.Candidates, res.ContextNumber)

	again, err := h.svc.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, view.Candidates, again.Candidates, "candidates are stable across polls")
}

func TestQRLogin_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-1")
	ident := h.seedWebAuthn(t, "alice@example.com", credID, 4)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	events, cancel, view, err := h.svc.Subscribe(ctx, created.SessionID, created.ClaimSecret)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "pending", view.Status)

	_, err = h.svc.IssueChallenge(ctx, created.SessionID, intPtr(wrongCandidate(t, view, created.ContextNumber)))
	require.ErrorIs(t, err, ErrContextMismatch)
	_, err = h.svc.IssueChallenge(ctx, created.SessionID, nil)
	require.ErrorIs(t, err, ErrContextMismatch, "a bound session requires the number")
	after, err := h.svc.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "pending", after.Status, "mismatch leaves the session unchanged")
	assert.Contains(t, h.actions(), "context_mismatch")

	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	waitFor(t, events, notify.EventContextVerified)
	chal := decodeChallenge(t, ch.PublicKey)

	_, err = h.svc.Claim(ctx, created.SessionID, created.ClaimSecret)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	resp := ceremony.FakeResponse{CredentialID: credID, Challenge: chal, Counter: 5}.Encode()
	res, err := h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	require.NoError(t, err)
	assert.Equal(t, "authenticated", res.Status)
	assert.Equal(t, ident.ID, res.Identity.ID)
	ev := waitFor(t, events, notify.EventAuthenticated)
	assert.Equal(t, ident.ID, ev.UserID)

	stored, err := h.identities.GetByID(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)

	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = h.svc.Claim(ctx, created.SessionID, "")
	require.ErrorIs(t, err, ErrNotFound, "the session id alone cannot claim")
	_, err = h.svc.Claim(ctx, created.SessionID, created.SessionID)
	require.ErrorIs(t, err, ErrNotFound)

	auth, err := h.svc.Claim(ctx, created.SessionID, created.ClaimSecret)
	require.NoError(t, err)
	claims, err := h.tokens.ValidateAccess(auth.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, claims.Subject)
	assert.Equal(t, "webauthn", claims.Method)

	_, err = h.svc.Claim(ctx, created.SessionID, created.ClaimSecret)
	require.ErrorIs(t, err, ErrNotFound, "a session is claimed once")
	assert.Contains(t, h.actions(), "login")
}

func TestSubscribe_RequiresClaimSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ClaimSecret)
	assert.NotContains(t, created.PairingURL, created.ClaimSecret)

	_, _, _, err = h.svc.Subscribe(ctx, created.SessionID, "")
	require.ErrorIs(t, err, ErrNotFound)
	_, _, _, err = h.svc.Subscribe(ctx, created.SessionID, "not-the-secret")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.hub.Subscribers(created.SessionID))

	_, cancel, view, err := h.svc.Subscribe(ctx, created.SessionID, created.ClaimSecret)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "pending", view.Status)
}

func TestQRLogin_ReplayedCounterIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-replay")
	h.seedWebAuthn(t, "bob@example.com", credID, 7)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	resp := ceremony.FakeResponse{CredentialID: credID, Challenge: decodeChallenge(t, ch.PublicKey), Counter: 7}.Encode()

	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	require.ErrorIs(t, err, ErrReplayDetected)
	assert.ErrorIs(t, err, ErrCeremonyRejected)
	assert.Contains(t, h.actions(), "replay_detected")

	view, err := h.svc.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, "authenticated", view.Status)

	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	assert.ErrorIs(t, err, ErrCeremonyRejected, "the challenge was consumed by the failed attempt")
}

func TestQRLogin_ZeroCounterIsReplayByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-zero")
	h.seedWebAuthn(t, "zero@example.com", credID, 0)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	resp := ceremony.FakeResponse{CredentialID: credID, Challenge: decodeChallenge(t, ch.PublicKey)}.Encode()
	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestQRLogin_ZeroCounterOptIn(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowZeroSignCount = true })
	ctx := context.Background()
	credID := []byte("cred-zero")
	h.seedWebAuthn(t, "zero@example.com", credID, 0)

	for i := 0; i < 2; i++ {
		created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
		require.NoError(t, err)
		ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
		require.NoError(t, err)
		resp := ceremony.FakeResponse{CredentialID: credID, Challenge: decodeChallenge(t, ch.PublicKey)}.Encode()
		_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
		require.NoError(t, err)
	}
}

func TestCounterAdvanced(t *testing.T) {
	testCases := []struct {
		presented, stored uint32
		allowZero         bool
		want              bool
	}{
		{5, 4, false, true},
		{4, 4, false, false},
		{3, 4, false, false},
		{0, 0, false, false},
		{0, 0, true, true},
		{0, 3, true, false},
		{1, 0, false, true},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, counterAdvanced(tc.presented, tc.stored, tc.allowZero),
			"presented=%d stored=%d allowZero=%v", tc.presented, tc.stored, tc.allowZero)
	}
}

func TestSubmitCeremony_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-known")
	h.seedWebAuthn(t, "carol@example.com", credID, 1)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)

	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: []byte(`{}`)})
	require.ErrorIs(t, err, ErrCeremonyRejected, "no challenge issued yet")

	events, cancel := h.hub.Subscribe(ctx, created.SessionID)
	defer cancel()
	_, err = h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	wrong := ceremony.FakeResponse{CredentialID: credID, Challenge: []byte("not the challenge"), Counter: 2}.Encode()
	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: wrong})
	require.ErrorIs(t, err, ErrCeremonyRejected)
	waitFor(t, events, notify.EventRejected)

	_, err = h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err, "a fresh challenge may be requested after a rejection")

	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: "missing", Response: wrong})
	require.ErrorIs(t, err, ErrNotFound)
	var verr *ValidationError
	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID})
	require.ErrorAs(t, err, &verr)
}

func TestSubmitCeremony_ConcurrentSubmissionsSucceedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-race")
	h.seedWebAuthn(t, "race@example.com", credID, 0)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	resp := ceremony.FakeResponse{CredentialID: credID, Challenge: decodeChallenge(t, ch.PublicKey), Counter: 1}.Encode()

	const n = 8
	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			<-start
			_, err := h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
			results <- err
		}()
	}
	close(start)
	ok := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestIssueChallenge_RotationInvalidatesEarlierChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	credID := []byte("cred-rotate")
	h.seedWebAuthn(t, "dave@example.com", credID, 0)

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	first, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	_, err = h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)

	stale := ceremony.FakeResponse{CredentialID: credID, Challenge: decodeChallenge(t, first.PublicKey), Counter: 1}.Encode()
	_, err = h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: stale})
	require.ErrorIs(t, err, ErrCeremonyRejected)

	view, err := h.svc.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "challenge-issued", view.Status)
}

func TestQRSignup_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000AB"

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-signup", Email: " New@Example.com ", WalletAddress: wallet})
	require.NoError(t, err)
	require.NotZero(t, created.ContextNumber)
	view, err := h.svc.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", view.Email)

	events, cancel := h.hub.Subscribe(ctx, created.SessionID)
	defer cancel()
	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	resp := ceremony.FakeResponse{CredentialID: []byte("signup-cred"), PublicKey: []byte("pk"), Challenge: decodeChallenge(t, ch.PublicKey), Counter: 0}.Encode()

	res, err := h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{SessionID: created.SessionID, Response: resp})
	require.NoError(t, err)
	assert.Equal(t, "complete", res.Status)
	assert.Nil(t, res.AuthResult, "the waiting device claims the token")
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", res.Identity.WalletAddress)
	assert.Equal(t, anchor.DIDMethod+res.Identity.WalletAddress, res.Identity.DID)
	assert.Equal(t, "pending", res.Identity.AnchorStatus)
	waitFor(t, events, notify.EventSignupComplete)

	h.svc.Wait()
	ident, err := h.identities.GetByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, domain.AnchorStatusConfirmed, ident.AnchorStatus)
	assert.NotEmpty(t, ident.AnchorTx)
	controller, ok := h.ledger.Controller(ident.DIDHash)
	require.True(t, ok)
	assert.Equal(t, ident.WalletAddress, controller)

	auth, err := h.svc.Claim(ctx, created.SessionID, created.ClaimSecret)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, auth.Identity.ID)

	_, err = h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-signup", Email: "new@example.com"})
	require.ErrorIs(t, err, ErrEmailAlreadyRegistered)
	assert.Contains(t, h.actions(), "signup")
}

func TestQRSignup_WithoutLedgerIsDegraded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LedgerConfigured = false })
	ctx := context.Background()

	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-signup", Email: "offline@example.com"})
	require.NoError(t, err)
	ch, err := h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.NoError(t, err)
	resp := ceremony.FakeResponse{CredentialID: []byte("offline-cred"), Challenge: decodeChallenge(t, ch.PublicKey)}.Encode()
	res, err := h.svc.SubmitCeremony(ctx, SubmitCeremonyRequest{
		SessionID:     created.SessionID,
		Response:      resp,
		WalletAddress: "0x00000000000000000000000000000000000000cd",
	})
	require.NoError(t, err, "registration succeeds without a ledger")
	assert.Equal(t, "unavailable", res.Identity.AnchorStatus)
	assert.Contains(t, h.actions(), "anchor_degraded")
	assert.Empty(t, h.ledger.Submissions())
}

func TestSession_Expiry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QRSessionTTL = 20 * time.Millisecond })
	ctx := context.Background()
	created, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	_, err = h.svc.GetSession(ctx, created.SessionID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.IssueChallenge(ctx, created.SessionID, intPtr(created.ContextNumber))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, h.svc.sweepOnce(ctx))
}

func TestRunSweeper_RemovesExpiredSessions(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QRSessionTTL = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.svc.CreateSession(ctx, CreateSessionRequest{Kind: "qr-login"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	n, err := h.sessions.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "the sweeper already removed the expired session")
}

func TestMe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ident := h.seedWebAuthn(t, "me@example.com", []byte("me-cred"), 0)

	me, err := h.svc.Me(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", me.Email)
	assert.True(t, me.HasWebAuthn)
	assert.False(t, me.HasPasswordKey)

	_, err = h.svc.Me(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProfile_RoundTripsOpaqueBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ident := h.seedWebAuthn(t, "blob@example.com", []byte("cred-blob"), 1)

	blob, err := h.svc.Profile(ctx, ident.ID)
	require.NoError(t, err)
	assert.Nil(t, blob)

	sealed := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, h.svc.SetProfile(ctx, ident.ID, sealed))
	sealed[0] = 0x42
	blob, err = h.svc.Profile(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff}, blob)
	assert.Contains(t, h.actions(), "profile_updated")

	stored, err := h.identities.GetByID(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, ident.CredentialID, stored.CredentialID, "setting a profile leaves the credential alone")

	var verr *ValidationError
	require.ErrorAs(t, h.svc.SetProfile(ctx, ident.ID, make([]byte, MaxProfileBytes+1)), &verr)
	require.ErrorIs(t, h.svc.SetProfile(ctx, "missing", sealed), ErrNotFound)
	_, err = h.svc.Profile(ctx, "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
