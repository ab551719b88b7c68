package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetalk-backend/internal/chat"
	"safetalk-backend/internal/credits"
	"safetalk-backend/internal/presence"
	"safetalk-backend/internal/queue"
	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
	"safetalk-backend/internal/timer"
)

type fakeChat struct {
	findErr   error
	lastAvoid []uuid.UUID
	lastPref  roles.Preference
	skip      chat.SkipResult
	session   error
	useErr    error
	buy       chat.BuyResult
	gift      credits.GiftResult
	giftErr   error
	ended     []uuid.UUID
}

func (f *fakeChat) FindPartner(_ context.Context, userID uuid.UUID, avoid []uuid.UUID, pref roles.Preference) (*queue.Ticket, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.lastAvoid, f.lastPref = avoid, pref
	return &queue.Ticket{ID: uuid.New(), UserID: userID, ExpiresAt: time.Now().Add(30 * time.Second)}, nil
}

func (f *fakeChat) SkipPartner(context.Context, uuid.UUID, roles.Preference) (chat.SkipResult, error) {
	return f.skip, nil
}

func (f *fakeChat) AdWatched(context.Context, uuid.UUID) (int64, error) { return 1, nil }

func (f *fakeChat) Session(uuid.UUID) (chat.SessionView, error) {
	return chat.SessionView{Kind: storage.SessionAI}, f.session
}

func (f *fakeChat) TimerState(uuid.UUID) (chat.TimerView, error) {
	return chat.TimerView{Remaining: 247, Display: "4:07"}, f.session
}

func (f *fakeChat) Pause(uuid.UUID) (chat.TimerView, error) {
	return chat.TimerView{State: timer.State{TimerPaused: true, Status: timer.StatusPaused}}, f.session
}

func (f *fakeChat) Resume(uuid.UUID) (chat.TimerView, error) {
	return chat.TimerView{State: timer.State{Status: timer.StatusRunning}}, f.session
}

func (f *fakeChat) EndSession(_ context.Context, id uuid.UUID) error {
	f.ended = append(f.ended, id)
	return f.session
}

func (f *fakeChat) Logout(context.Context, uuid.UUID) error { return nil }

func (f *fakeChat) UseCredits(_ context.Context, _ uuid.UUID, n int64) (chat.UseResult, error) {
	if f.useErr != nil {
		return chat.UseResult{}, f.useErr
	}
	return chat.UseResult{Credits: n, Seconds: credits.ToSeconds(n)}, nil
}

func (f *fakeChat) BuyTime(context.Context, uuid.UUID, string) (chat.BuyResult, error) {
	return f.buy, nil
}

func (f *fakeChat) GiftPartner(context.Context, uuid.UUID, int64) (credits.GiftResult, error) {
	return f.gift, f.giftErr
}

type fakeQueue struct{ cancelErr error }

func (f *fakeQueue) Cancel(context.Context, uuid.UUID) error { return f.cancelErr }

func (f *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Waiting: 3, Matched: 7, AverageWaitSec: 4.5}, nil
}

type fakeDirectory struct {
	seeker  *roles.Seeker
	exclude []uuid.UUID
}

func (f *fakeDirectory) QueryAvailable(_ context.Context, exclude []uuid.UUID, seeker *roles.Seeker) ([]presence.Record, error) {
	f.exclude, f.seeker = exclude, seeker
	return []presence.Record{{UserID: uuid.New(), Username: "ben", Status: string(presence.Searching)}}, nil
}

func (f *fakeDirectory) Stats(context.Context) (presence.Stats, error) {
	return presence.Stats{Online: 4, Searching: 1, InChat: 2}, nil
}

type fakeBook struct{ historyLimit int }

func (f *fakeBook) Options() []credits.Option { return credits.Options() }

func (f *fakeBook) Balance(context.Context, uuid.UUID) (credits.Balance, error) {
	return credits.Balance{Credits: 12, GiftableCredits: 5}, nil
}

func (f *fakeBook) History(_ context.Context, _ uuid.UUID, limit int) ([]credits.Entry, error) {
	f.historyLimit = limit
	return []credits.Entry{{Kind: credits.KindPurchase, Amount: 10}}, nil
}

type fixture struct {
	chat      *fakeChat
	queue     *fakeQueue
	directory *fakeDirectory
	book      *fakeBook
	router    chi.Router
}

func newFixture() *fixture {
	f := &fixture{chat: &fakeChat{}, queue: &fakeQueue{}, directory: &fakeDirectory{}, book: &fakeBook{}}
	match := NewMatchHandler(f.chat, f.queue)
	pres := NewPresenceHandler(f.directory)
	sess := NewSessionHandler(f.chat)
	cred := NewCreditsHandler(f.chat, f.book)

	r := chi.NewRouter()
	r.Post("/match/request", match.RequestMatch)
	r.Delete("/match/{ticketID}", match.CancelMatch)
	r.Post("/match/skip", match.Skip)
	r.Get("/match/stats", match.Stats)
	r.Get("/presence/available", pres.Available)
	r.Get("/sessions/{userID}/timer", sess.Timer)
	r.Post("/sessions/{userID}/pause", sess.Pause)
	r.Post("/sessions/{userID}/end", sess.End)
	r.Post("/users/{userID}/logout", sess.Logout)
	r.Get("/credits/options", cred.Options)
	r.Post("/credits/use", cred.Use)
	r.Post("/credits/purchase", cred.Purchase)
	r.Post("/credits/gift", cred.Gift)
	r.Get("/credits/{userID}/history", cred.History)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRequestMatch(t *testing.T) {
	f := newFixture()
	user, avoid := uuid.New(), uuid.New()

	rec := f.do(t, http.MethodPost, "/match/request", MatchRequestBody{
		UserID:        user.String(),
		AvoidUsers:    []string{avoid.String()},
		PreferredRole: "listen",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[MatchResponse](t, rec)
	assert.Equal(t, "searching", resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.TicketID)
	assert.Equal(t, []uuid.UUID{avoid}, f.chat.lastAvoid)
	assert.Equal(t, roles.PreferListen, f.chat.lastPref)
}

func TestRequestMatchValidation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		body any
	}{
		{"missing user", MatchRequestBody{}},
		{"bad user", MatchRequestBody{UserID: "nope"}},
		{"bad avoid", MatchRequestBody{UserID: uuid.NewString(), AvoidUsers: []string{"x"}}},
		{"bad preference", MatchRequestBody{UserID: uuid.NewString(), PreferredRole: "sing"}},
		{"unknown field", map[string]any{"user_id": uuid.NewString(), "language": "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/match/request", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_failed", decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{storage.ErrProfileNotFound, http.StatusNotFound, "user_not_found"},
		{chat.ErrSessionActive, http.StatusConflict, "session_active"},
		{credits.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{timer.ErrUnlimitedSession, http.StatusUnprocessableEntity, "unlimited_session"},
		{errors.New("redis: connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newFixture()
			f.chat.findErr = tt.err
			rec := f.do(t, http.MethodPost, "/match/request", MatchRequestBody{UserID: uuid.NewString()})
			assert.Equal(t, tt.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotContains(t, resp.Message, "redis")
		})
	}
}

func TestCancelMatch(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodDelete, "/match/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.queue.cancelErr = queue.ErrTicketResolved
	rec = f.do(t, http.MethodDelete, "/match/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.queue.cancelErr = storage.ErrTicketNotFound
	rec = f.do(t, http.MethodDelete, "/match/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSkipNeedsAd(t *testing.T) {
	f := newFixture()
	f.chat.skip = chat.SkipResult{NeedsAd: true, Skips: 5}

	rec := f.do(t, http.MethodPost, "/match/skip", UserBody{UserID: uuid.NewString()})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SkipResponse](t, rec)
	assert.True(t, resp.NeedsAd)
	assert.Nil(t, resp.TicketID)
}

func TestMatchStats(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/match/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), decode[queue.Stats](t, rec).Waiting)
}

func TestPresenceAvailable(t *testing.T) {
	f := newFixture()
	user, ex := uuid.New(), uuid.New()

	rec := f.do(t, http.MethodGet, "/presence/available?role=talk&user_id="+user.String()+"&exclude="+ex.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[AvailableResponse](t, rec).Count)
	require.NotNil(t, f.directory.seeker)
	assert.Equal(t, roles.Talk, f.directory.seeker.Role)
	assert.Equal(t, roles.PreferAny, f.directory.seeker.Preference)
	assert.Equal(t, []uuid.UUID{ex}, f.directory.exclude)

	rec = f.do(t, http.MethodGet, "/presence/available", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.directory.seeker)

	rec = f.do(t, http.MethodGet, "/presence/available?role=talk", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a role needs the seeker's id")
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture()
	user := uuid.NewString()

	rec := f.do(t, http.MethodGet, "/sessions/"+user+"/timer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4:07", decode[chat.TimerView](t, rec).Display)

	rec = f.do(t, http.MethodPost, "/sessions/"+user+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[chat.TimerView](t, rec).TimerPaused)

	rec = f.do(t, http.MethodPost, "/users/"+user+"/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	f.chat.session = chat.ErrNoActiveSession
	rec = f.do(t, http.MethodPost, "/sessions/"+user+"/end", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, f.chat.ended, 1)

	rec = f.do(t, http.MethodGet, "/sessions/not-a-uuid/timer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditRoutes(t *testing.T) {
	f := newFixture()
	user := uuid.NewString()

	rec := f.do(t, http.MethodGet, "/credits/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	opts := decode[map[string][]credits.Option](t, rec)["options"]
	assert.Len(t, opts, 3)

	rec = f.do(t, http.MethodPost, "/credits/use", UseCreditsBody{UserID: user, Credits: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(720), decode[chat.UseResult](t, rec).Seconds)

	f.chat.useErr = credits.ErrInsufficientCredits
	rec = f.do(t, http.MethodPost, "/credits/use", UseCreditsBody{UserID: user, Credits: 2})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	f.chat.buy = chat.BuyResult{PurchaseResult: credits.PurchaseResult{Reason: credits.ReasonPaymentDeclined}}
	rec = f.do(t, http.MethodPost, "/credits/purchase", PurchaseBody{UserID: user, OptionID: "30min"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[chat.BuyResult](t, rec).Success)

	rec = f.do(t, http.MethodPost, "/credits/purchase", PurchaseBody{UserID: user})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.chat.giftErr = chat.ErrGiftAlreadySent
	rec = f.do(t, http.MethodPost, "/credits/gift", GiftBody{UserID: user, Amount: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/credits/"+user+"/history?limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	assert.Equal(t, int64(12), hist.Balance.Credits)
	assert.Len(t, hist.Entries, 1)
	assert.Equal(t, 20, f.book.historyLimit)

	rec = f.do(t, http.MethodGet, "/credits/"+user+"/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
