package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []AuthEvent
	last   *Session
}

func (r *eventRecorder) listen(event AuthEvent, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = session
}

func (r *eventRecorder) snapshot() []AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuthEvent(nil), r.events...)
}

func TestClient_SignUpAutoConfirm(t *testing.T) {
	svc, _, _ := newTestService(t)
	client := NewClient(svc, WithAutoConfirm(true))
	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	user, session, err := client.SignUp(context.Background(), "t@x.edu", "Passw0rd!", Claims{TenantID: "t1", Role: RoleTeacher})
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, user.ID, session.User.ID)
	assert.Equal(t, []AuthEvent{EventSignedIn}, rec.snapshot())
}

func TestClient_SignUpNeedsConfirmation(t *testing.T) {
	svc, _, _ := newTestService(t)
	client := NewClient(svc)

	user, session, err := client.SignUp(context.Background(), "t@x.edu", "Passw0rd!", Claims{TenantID: "t1", Role: RoleTeacher})
	require.NoError(t, err)
	assert.NotNil(t, user)
	assert.Nil(t, session)
}

func TestClient_SessionPersistsAcrossClients(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true})
	require.NoError(t, err)

	storage := NewMemorySessionStore()
	first := NewClient(svc, WithStorage(storage, "device-1"))
	_, err = first.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)

	second := NewClient(svc, WithStorage(storage, "device-1"))
	restored, err := second.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, "a@x.edu", restored.User.Email)
}

func TestClient_SignOutIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true})
	require.NoError(t, err)

	client := NewClient(svc)
	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)

	_, err = client.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)
	require.NoError(t, client.SignOut(ctx))
	require.NoError(t, client.SignOut(ctx))

	session, err := client.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Equal(t, []AuthEvent{EventSignedIn, EventSignedOut}, rec.snapshot())
}

func TestClient_UpdateUserReissuesClaims(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true, Claims: Claims{TenantID: "t1", Role: RoleAdmin}})
	require.NoError(t, err)

	client := NewClient(svc)
	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)
	_, err = client.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)

	user, err := client.UpdateUser(ctx, Claims{TenantID: "t2", Role: RoleTeacher})
	require.NoError(t, err)
	assert.Equal(t, "t2", user.Claims.TenantID)

	session, err := client.GetSession(ctx)
	require.NoError(t, err)
	claims, err := svc.Verify(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "t2", claims.TenantID)
	assert.Equal(t, RoleTeacher, claims.Role)
	assert.Equal(t, EventUserUpdated, rec.snapshot()[1])
}

func TestClient_RevokedSessionSignsOutOnRefresh(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true})
	require.NoError(t, err)

	client := NewClient(svc)
	rec := &eventRecorder{}
	client.OnAuthStateChange(rec.listen)
	session, err := client.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, session.RefreshToken))
	fresh, err := client.RefreshSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, fresh)

	events := rec.snapshot()
	assert.Equal(t, EventSignedOut, events[len(events)-1])
	assert.Nil(t, rec.last)
}

func TestClient_ExpiredSessionRefreshesOnGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true})
	require.NoError(t, err)

	client := NewClient(svc)
	session, err := client.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)

	client.now = func() time.Time { return session.ExpiresAt.Add(time.Second) }
	fresh, err := client.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotEqual(t, session.RefreshToken, fresh.RefreshToken)
}

func TestClient_RestoreFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	storage := NewMemorySessionStore()
	storage.SetFailure(true, errors.New("keychain locked"))

	client := NewClient(svc, WithStorage(storage, ""))
	_, err := client.GetSession(context.Background())
	assert.Error(t, err)
}

func TestClient_Unsubscribe(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, CreateUserParams{Email: "a@x.edu", Password: "Passw0rd!", EmailConfirmed: true})
	require.NoError(t, err)

	client := NewClient(svc)
	rec := &eventRecorder{}
	unsubscribe := client.OnAuthStateChange(rec.listen)
	unsubscribe()
	unsubscribe()

	_, err = client.SignInWithPassword(ctx, "a@x.edu", "Passw0rd!")
	require.NoError(t, err)
	assert.Empty(t, rec.snapshot())
}
