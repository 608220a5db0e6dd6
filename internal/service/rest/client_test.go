package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

func newAPI(t *testing.T, h func(r chi.Router)) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	h(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHistorySortsAndSendsBearer(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var gotAuth, gotRoom string
	srv := newAPI(t, func(r chi.Router) {
		r.Get("/api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotRoom = chi.URLParam(r, "room")
			_ = json.NewEncoder(w).Encode(HistoryResponse{Messages: []chat.Message{
				{ID: "2", Content: "yo", CreatedAt: t0.Add(time.Second)},
				{ID: "1", Content: "hi", CreatedAt: t0},
			}})
		})
	})

	c := NewClient(srv.URL+"/", chat.Session{Token: "tok"}, time.Second, nil)
	msgs, err := c.History(context.Background(), chat.EventRoom("42"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "event:42", gotRoom)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, chat.EventRoom("42"), msgs[0].Room)
}

func TestPersistReturnsAuthoritativeMessage(t *testing.T) {
	var got PersistRequest
	srv := newAPI(t, func(r chi.Router) {
		r.Post("/api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(chat.Message{ID: "3", ClientID: got.ClientID, Content: got.Content})
		})
	})

	c := NewClient(srv.URL, chat.Session{Token: "tok"}, time.Second, nil)
	msg, err := c.Persist(context.Background(), chat.MentorshipRoom("m1"), "bye", "tmp-1")
	require.NoError(t, err)

	assert.Equal(t, PersistRequest{Content: "bye", ClientID: "tmp-1"}, got)
	assert.Equal(t, "3", msg.ID)
	assert.Equal(t, "tmp-1", msg.ClientID)
	assert.Equal(t, chat.MentorshipRoom("m1"), msg.Room)
	assert.Equal(t, chat.Confirmed, msg.State)
}

func TestStatusErrors(t *testing.T) {
	srv := newAPI(t, func(r chi.Router) {
		r.Get("/api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
		})
		r.Post("/api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
	})
	c := NewClient(srv.URL, chat.Session{Token: "tok"}, time.Second, nil)

	_, err := c.History(context.Background(), chat.EventRoom("1"))
	require.ErrorIs(t, err, chat.ErrAuthRejected)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "invalid token", statusErr.Message)

	_, err = c.Persist(context.Background(), chat.EventRoom("1"), "x", "")
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
	assert.Equal(t, "boom", statusErr.Message)
	assert.NotErrorIs(t, err, chat.ErrAuthRejected)
}
