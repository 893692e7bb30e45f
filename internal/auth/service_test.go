package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mehmetcc/jwtauth/internal/config"
	"github.com/mehmetcc/jwtauth/internal/httpx"
	"github.com/mehmetcc/jwtauth/internal/refresh"
	"github.com/mehmetcc/jwtauth/internal/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "0123456789abcdef0123456789abcdef"

var testMeta = httpx.ClientMeta{UserAgent: "test-agent", IP: "192.0.2.1"}

type fixture struct {
	cfg    *config.JWTConfig
	tokens token.Service
	// stale signs with the same settings but a clock two hours behind
	stale token.Service
	repo  refresh.Repo
	svc   AuthService
}

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "api",
		Key:        testKey,
		Alg:        "HS256",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testJWTConfig()

	tokens, err := token.NewTokenService(zap.NewNop(), cfg)
	require.NoError(t, err)
	stale, err := token.NewTokenService(zap.NewNop(), cfg, token.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := refresh.NewRedisRepo(client, zap.NewNop())

	return &fixture{
		cfg:    cfg,
		tokens: tokens,
		stale:  stale,
		repo:   repo,
		svc:    NewAuthenticationService(tokens, repo, cfg, zap.NewNop()),
	}
}

// login issues a pair and returns it together with an already expired access
// token for the same user.
func (f *fixture) login(t *testing.T, userID uuid.UUID, extra ...token.Claim) (*IssueResult, string) {
	t.Helper()
	res, err := f.svc.Issue(context.Background(), userID, extra, testMeta)
	require.NoError(t, err)

	claims := append([]token.Claim{token.NewClaim(token.ClaimSubject, userID.String())}, extra...)
	expired, err := f.stale.CreateAccessToken(claims)
	require.NoError(t, err)
	return res, expired
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	res, err := f.svc.Issue(context.Background(), userID, []token.Claim{token.NewClaim(token.ClaimRole, "admin")}, testMeta)
	require.NoError(t, err)

	p, err := f.tokens.ValidateAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), p.Subject())
	assert.True(t, p.HasClaim(token.ClaimRole, "admin"))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), res.RefreshExpiresAt, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), res.AccessExpiresAt, 5*time.Second)

	rec, err := f.repo.FindByHash(context.Background(), refresh.HashToken(res.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, "test-agent", rec.UserAgent)
	assert.NotEqual(t, res.RefreshToken, rec.TokenHash)
}

func TestIssue_SubjectMustMatch(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	_, err := f.svc.Issue(context.Background(), userID, []token.Claim{token.NewClaim(token.ClaimSubject, uuid.NewString())}, testMeta)
	assert.ErrorIs(t, err, ErrSubjectMismatch)

	_, err = f.svc.Issue(context.Background(), userID, []token.Claim{token.NewClaim(token.ClaimSubject, userID.String())}, testMeta)
	assert.NoError(t, err)
}

func TestRefresh_ExchangesExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	first, expired := f.login(t, userID, token.NewClaim(token.ClaimRole, "editor"))

	_, err := f.tokens.ValidateAccessToken(expired)
	require.ErrorIs(t, err, token.ErrTokenExpired)

	next, err := f.svc.Refresh(context.Background(), expired, RefreshRequest{UserID: userID, RefreshToken: first.RefreshToken}, testMeta)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, next.RefreshToken)

	p, err := f.tokens.ValidateAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), p.Subject())
	assert.True(t, p.HasClaim(token.ClaimRole, "editor"))

	old, err := f.repo.FindByHash(context.Background(), refresh.HashToken(first.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.RotatedAt)

	cur, err := f.repo.FindByHash(context.Background(), refresh.HashToken(next.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, old.FamilyID, cur.FamilyID)
	assert.Equal(t, cur.ID, *old.ReplacedBy)
}

func TestRefresh_AcceptsLiveAccessToken(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	first, _ := f.login(t, userID)

	_, err := f.svc.Refresh(context.Background(), first.AccessToken, RefreshRequest{UserID: userID, RefreshToken: first.RefreshToken}, testMeta)
	assert.NoError(t, err)
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	first, expired := f.login(t, userID)

	second, err := f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: first.RefreshToken}, testMeta)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: first.RefreshToken}, testMeta)
	assert.ErrorIs(t, err, ErrRefreshTokenReused)

	// the legitimate successor is burned as well
	_, err = f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: second.RefreshToken}, testMeta)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ReuseLeavesOtherSessionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	laptop, expired := f.login(t, userID)
	phone, _ := f.login(t, userID)

	_, err := f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: laptop.RefreshToken}, testMeta)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: laptop.RefreshToken}, testMeta)
	require.ErrorIs(t, err, ErrRefreshTokenReused)

	_, err = f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: phone.RefreshToken}, testMeta)
	assert.NoError(t, err)
}

func TestRefresh_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	aliceTokens, aliceExpired := f.login(t, alice)
	bobTokens, _ := f.login(t, bob)

	otherCfg := testJWTConfig()
	otherCfg.Key = "ffffffffffffffffffffffffffffffff"
	forger, err := token.NewTokenService(zap.NewNop(), otherCfg)
	require.NoError(t, err)
	forged, err := forger.CreateAccessToken([]token.Claim{token.NewClaim(token.ClaimSubject, alice.String())})
	require.NoError(t, err)

	tests := []struct {
		name        string
		accessToken string
		req         RefreshRequest
		want        error
	}{
		{name: "forged access token", accessToken: forged, req: RefreshRequest{UserID: alice, RefreshToken: aliceTokens.RefreshToken}, want: ErrInvalidAccessToken},
		{name: "garbage access token", accessToken: "not.a.jwt", req: RefreshRequest{UserID: alice, RefreshToken: aliceTokens.RefreshToken}, want: ErrInvalidAccessToken},
		{name: "user id differs from subject", accessToken: aliceExpired, req: RefreshRequest{UserID: bob, RefreshToken: bobTokens.RefreshToken}, want: ErrSubjectMismatch},
		{name: "refresh token of another user", accessToken: aliceExpired, req: RefreshRequest{UserID: alice, RefreshToken: bobTokens.RefreshToken}, want: ErrInvalidRefreshToken},
		{name: "unknown refresh token", accessToken: aliceExpired, req: RefreshRequest{UserID: alice, RefreshToken: "nope"}, want: ErrInvalidRefreshToken},
		{name: "empty refresh token", accessToken: aliceExpired, req: RefreshRequest{UserID: alice}, want: ErrInvalidRefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Refresh(ctx, tt.accessToken, tt.req, testMeta)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// none of the rejections consumed alice's token
	_, err = f.svc.Refresh(ctx, aliceExpired, RefreshRequest{UserID: alice, RefreshToken: aliceTokens.RefreshToken}, testMeta)
	assert.NoError(t, err)
}

func TestRefresh_ExpiredRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	_, expired := f.login(t, userID)

	plain, err := f.tokens.GenerateRefreshToken()
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(ctx, &refresh.Record{
		ID:        uuid.New(),
		UserID:    userID,
		FamilyID:  uuid.New(),
		TokenHash: refresh.HashToken(plain),
		CreatedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err = f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: plain}, testMeta)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	first, expired := f.login(t, userID)
	second, _ := f.login(t, userID)

	require.NoError(t, f.svc.Logout(ctx, userID))

	for _, rt := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := f.svc.Refresh(ctx, expired, RefreshRequest{UserID: userID, RefreshToken: rt}, testMeta)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	}
}

func TestRefresh_ConcurrentUseHasOneWinner(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	first, expired := f.login(t, userID)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), expired, RefreshRequest{UserID: userID, RefreshToken: first.RefreshToken}, testMeta)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}
