package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/activities"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/database"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/media"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testIssuer = "citycrew-test"

type testServer struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	feed   *realtime.Feed
	chat   *chat.Service
	media  *media.LocalStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	secret := []byte("test-signing-secret")
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: secret,
		Issuer:        testIssuer,
		CookieName:    "citycrew_session",
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: secret,
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	store := cache.NewStore(cache.Config{})
	feed := realtime.NewFeed(realtime.FeedConfig{BufferSize: 32})
	idProvider := ids.NewUUIDProvider()

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	crewService, err := crew.NewService(crew.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Profiles:   profiles,
		Cache:      store,
	})
	if err != nil {
		t.Fatalf("crew: %v", err)
	}
	activityService, err := activities.NewService(activities.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Cache:      store,
	})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:     db,
		IDProvider:   idProvider,
		Profiles:     profiles,
		Activities:   activityService,
		CrewRequests: crewService,
		Cache:        store,
		Feed:         feed,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	activityService.UseConversationLeaver(chatService)
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:      presence.NewDatabaseStore(db),
		Membership: chatService,
		Profiles:   profiles,
		Cache:      store,
		Feed:       feed,
	})
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	tokens, err := notify.NewTokenStore(notify.TokenStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	mediaRoot := filepath.Join(t.TempDir(), "media")
	mediaStore, err := media.NewLocalStore(media.LocalConfig{Root: mediaRoot, PublicBaseURL: "http://media.test/media"})
	if err != nil {
		t.Fatalf("media: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   validator,
		Profiles:   profiles,
		Crew:       crewService,
		Activities: activityService,
		Chat:       chatService,
		Presence:   presenceService,
		Media:      mediaStore,
		MediaRoot:  mediaStore.Root(),
		PushTokens: tokens,
		Feed:       feed,
		Logger:     zap.NewNop(),
		Heartbeat:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, feed: feed, chat: chatService, media: mediaStore}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends a JSON request and decodes a JSON response into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// activityWithMembers creates an activity hosted by host and joined by attendees, returning
// the activity conversation id.
func (s *testServer) activityWithMembers(t *testing.T, host string, attendees ...string) (string, string) {
	t.Helper()
	hostToken := s.token(t, host)
	var activity struct {
		ID string `json:"id"`
	}
	if status := s.do(t, http.MethodPost, "/activities", hostToken, map[string]any{"title": "Sunset run"}, &activity); status != http.StatusCreated {
		t.Fatalf("create activity status %d", status)
	}
	for _, attendee := range attendees {
		if status := s.do(t, http.MethodPost, "/activities/"+activity.ID+"/join", s.token(t, attendee), nil, nil); status != http.StatusOK {
			t.Fatalf("join status %d for %s", status, attendee)
		}
	}
	var conversation struct {
		Conversation *chat.ConversationView `json:"conversation"`
	}
	if status := s.do(t, http.MethodGet, "/activities/"+activity.ID+"/conversation", hostToken, nil, &conversation); status != http.StatusOK {
		t.Fatalf("activity conversation status %d", status)
	}
	if conversation.Conversation == nil {
		t.Fatalf("expected host to receive the conversation")
	}
	return activity.ID, conversation.Conversation.ID
}
