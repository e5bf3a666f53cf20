package login

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/archive"
	"authgate/internal/autherr"
	"authgate/internal/domain"
	"authgate/internal/jwtauth"
	"authgate/internal/mocks"
	"authgate/internal/observability"
	"authgate/internal/revocation"
	"authgate/internal/store/memory"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (n *recordingNotifier) SendOTP(_ context.Context, user *domain.User, otp string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[user.ID] = otp
	return nil
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	notifier *recordingNotifier
	user     *domain.User
	now      time.Time
}

func newFixture(t *testing.T, echo bool) *fixture {
	t.Helper()

	store := memory.New()
	issuer := jwtauth.NewService(store, revocation.NewMemoryStore(), "secret", "authgate")
	notifier := &recordingNotifier{}
	f := &fixture{store: store, notifier: notifier, now: time.Now().UTC()}

	f.svc = NewService(store, store, issuer, notifier, observability.NopLogger()).
		WithSecurityConfig(3, 15*time.Minute, bcrypt.MinCost, 0).
		WithOTPConfig(6, 5*time.Minute, echo).
		WithClock(func() time.Time { return f.now })

	user, err := f.svc.Register(context.Background(), RegisterInput{Username: "Alice", Email: "Alice@Example.com", Password: "correct horse"})
	require.NoError(t, err)
	f.user = user
	return f
}

func TestRegister(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.Equal(t, "alice", f.user.Username)
	assert.Equal(t, "alice@example.com", f.user.Email)
	assert.True(t, f.user.IsActive)
	assert.NotEqual(t, "correct horse", f.user.PasswordHash)

	_, err := f.svc.Register(ctx, RegisterInput{Username: "ALICE", Email: "x@example.com", Password: "pw"})
	assert.ErrorIs(t, err, autherr.ErrUserExists)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "bob", Password: "pw"})
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestBootstrapAdmin(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.svc.BootstrapAdmin(ctx, RegisterInput{}))

	err := f.svc.BootstrapAdmin(ctx, RegisterInput{Username: "root"})
	assert.EqualError(t, err, "ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")

	input := RegisterInput{Username: "Root", Email: "root@example.com", Password: "admin-pass"}
	require.NoError(t, f.svc.BootstrapAdmin(ctx, input))
	admin, err := f.store.GetByUsername(ctx, "root")
	require.NoError(t, err)
	assert.True(t, admin.Privileged())
	assert.True(t, admin.IsSuperuser)

	require.NoError(t, f.svc.BootstrapAdmin(ctx, input), "an existing admin is left alone")
	again, err := f.store.GetByUsername(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, again.ID)

	result, err := f.svc.PasswordLogin(ctx, Identifier{Username: "root"}, "admin-pass")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, result.User.ID)
}

func TestInitOTPIdentifierRules(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.InitOTP(ctx, Identifier{Username: "alice", Email: "alice@example.com"})
	assert.ErrorIs(t, err, autherr.ErrAmbiguousIdentifier)

	_, err = f.svc.InitOTP(ctx, Identifier{})
	assert.ErrorIs(t, err, autherr.ErrMissingIdentifier)

	_, err = f.svc.InitOTP(ctx, Identifier{Username: "nobody"})
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)

	challenge, err := f.svc.InitOTP(ctx, Identifier{Email: "ALICE@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, challenge.ID)
	assert.Len(t, challenge.OTP, 6)
	assert.Equal(t, f.now.Add(5*time.Minute), challenge.ExpiresAt)
}

func TestInitOTPReplacesEarlierOTP(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)
	second, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)

	_, err = f.svc.ConfirmOTP(ctx, first.ID, first.OTP)
	assert.ErrorIs(t, err, autherr.ErrInvalidOTP)

	_, err = f.svc.ConfirmOTP(ctx, second.ID, second.OTP)
	assert.NoError(t, err)
}

func TestConfirmOTPSucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	challenge, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)

	result, err := f.svc.ConfirmOTP(ctx, challenge.ID, challenge.OTP)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, result.User.ID)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	_, err = f.store.GetOTP(ctx, challenge.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ConfirmOTP(ctx, challenge.ID, challenge.OTP)
	assert.ErrorIs(t, err, autherr.ErrInvalidOTP)

	stored, err := f.store.GetByID(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)
}

func TestConfirmOTPExpired(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	challenge, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	_, err = f.svc.ConfirmOTP(ctx, challenge.ID, challenge.OTP)
	assert.ErrorIs(t, err, autherr.ErrOTPExpired)
}

func TestOTPLockout(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	challenge, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)
	wrong := "000000"
	if challenge.OTP == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		_, err = f.svc.ConfirmOTP(ctx, challenge.ID, wrong)
		assert.ErrorIs(t, err, autherr.ErrInvalidOTP)
	}

	_, err = f.svc.ConfirmOTP(ctx, challenge.ID, wrong)
	require.ErrorIs(t, err, autherr.ErrLoginBlocked)
	var blocked *autherr.Error
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, f.now.Add(15*time.Minute), blocked.Until)

	_, err = f.svc.ConfirmOTP(ctx, challenge.ID, challenge.OTP)
	assert.ErrorIs(t, err, autherr.ErrLoginBlocked)

	_, err = f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	assert.ErrorIs(t, err, autherr.ErrLoginBlocked)

	f.now = f.now.Add(16 * time.Minute)
	fresh, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)
	_, err = f.svc.ConfirmOTP(ctx, fresh.ID, fresh.OTP)
	assert.NoError(t, err)
}

func TestPasswordLoginLockout(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.PasswordLogin(ctx, Identifier{Username: "alice"}, "correct horse")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.PasswordLogin(ctx, Identifier{Username: "alice"}, "wrong")
		assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	}
	_, err = f.svc.PasswordLogin(ctx, Identifier{Username: "alice"}, "wrong")
	assert.ErrorIs(t, err, autherr.ErrLoginBlocked)

	_, err = f.svc.PasswordLogin(ctx, Identifier{Username: "alice"}, "correct horse")
	assert.ErrorIs(t, err, autherr.ErrLoginBlocked)

	_, err = f.svc.PasswordLogin(ctx, Identifier{Username: "ghost"}, "whatever")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

func TestProductionDeliversOTP(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	challenge, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	require.NoError(t, err)
	assert.Empty(t, challenge.OTP)

	code := f.notifier.sent[f.user.ID]
	require.Len(t, code, 6)

	_, err = f.svc.ConfirmOTP(ctx, challenge.ID, code)
	assert.NoError(t, err)
}

func TestDeliveryFailureRemovesOTP(t *testing.T) {
	f := newFixture(t, false)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()

	_, err := f.svc.InitOTP(ctx, Identifier{Username: "alice"})
	assert.ErrorIs(t, err, autherr.ErrDeliveryFailed)

	n, err := f.store.DeleteExpiredOTPs(ctx, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfirmOTPConsumedConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	users := mocks.NewMockUserStore(ctrl)
	otps := mocks.NewMockOTPStore(ctrl)
	issuer := jwtauth.NewService(users, revocation.NewMemoryStore(), "secret", "authgate")
	svc := NewService(users, otps, issuer, &recordingNotifier{}, observability.NopLogger())

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.MinCost)
	require.NoError(t, err)

	otps.EXPECT().GetOTP(gomock.Any(), "otp-1").Return(&domain.LoginOTP{
		ID: "otp-1", UserID: "u-1", OTPHash: string(hash), ExpiresAt: time.Now().Add(time.Minute),
	}, nil)
	users.EXPECT().GetByID(gomock.Any(), "u-1").Return(&domain.User{ID: "u-1", IsActive: true}, nil)
	otps.EXPECT().ConsumeOTP(gomock.Any(), "otp-1").Return(false, nil)

	_, err = svc.ConfirmOTP(context.Background(), "otp-1", "123456")
	assert.ErrorIs(t, err, autherr.ErrInvalidOTP)
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	users := mocks.NewMockUserStore(ctrl)
	otps := mocks.NewMockOTPStore(ctrl)
	svc := NewService(users, otps, nil, &recordingNotifier{}, observability.NopLogger())

	users.EXPECT().GetByUsername(gomock.Any(), "alice").Return(nil, context.DeadlineExceeded)

	_, err := svc.InitOTP(context.Background(), Identifier{Username: "Alice"})
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)

	otps.EXPECT().GetOTP(gomock.Any(), "otp-1").Return(nil, errors.New("connection reset"))
	_, err = svc.ConfirmOTP(context.Background(), "otp-1", "123456")
	assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)
}

type failingArchive struct{}

func (failingArchive) RecordDeletion(context.Context, domain.DeletedUser) error {
	return errors.New("no reachable servers")
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	deleted := archive.NewMemoryStore()
	f.svc.WithDeletionArchive(deleted)

	token := &domain.PermanentToken{ID: "t-1", UserID: f.user.ID, Alias: "ci", ExpiresAt: f.now.Add(time.Hour)}
	require.NoError(t, f.store.CreateToken(ctx, token))

	err := f.svc.DeleteAccount(ctx, f.user, "wrong", "")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	_, err = f.svc.User(ctx, f.user.ID)
	require.NoError(t, err, "a rejected delete keeps the account")

	require.NoError(t, f.svc.DeleteAccount(ctx, f.user, "correct horse", "  "))

	_, err = f.svc.User(ctx, f.user.ID)
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
	tokens, err := f.store.ListTokens(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	records := deleted.Records()
	require.Len(t, records, 1)
	assert.Equal(t, f.user.ID, records[0].ID)
	assert.Equal(t, "alice@example.com", records[0].Email)
	assert.Equal(t, "No reason given.", records[0].Reason)
	assert.Equal(t, f.now, records[0].DeletedAt)

	assert.ErrorIs(t, f.svc.DeleteAccount(ctx, f.user, "correct horse", "again"), autherr.ErrUserNotFound)
}

func TestDeleteAccountSurvivesArchiveFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.svc.WithDeletionArchive(failingArchive{})

	require.NoError(t, f.svc.DeleteAccount(ctx, f.user, "correct horse", "closing"))

	_, err := f.svc.User(ctx, f.user.ID)
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}
