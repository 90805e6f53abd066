package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockHolodexServer creates a test server that mocks Holodex API responses
type MockHolodexServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockHolodexServer creates a new mock Holodex API server
func NewMockHolodexServer(t *testing.T) *MockHolodexServer {
	t.Helper()
	m := &MockHolodexServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockLiveResponse adds a handler for the /users/live endpoint
func (m *MockHolodexServer) MockLiveResponse(videos []map[string]any) {
	m.Handlers["/users/live"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(videos) //nolint:errcheck // test mock response
	}
}

// MockChannelResponse adds a handler for a /channels/{id} endpoint
func (m *MockHolodexServer) MockChannelResponse(channelID, name string) {
	m.Handlers["/channels/"+channelID] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"id":   channelID,
			"name": name,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDiscordServer creates a test server that mocks Discord REST API responses
type MockDiscordServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockDiscordServer creates a new mock Discord API server
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockCreateChannel adds a handler returning the given id for channel creation
func (m *MockDiscordServer) MockCreateChannel(guildID, channelID string) {
	m.Handlers["POST /guilds/"+guildID+"/channels"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": channelID}) //nolint:errcheck // test mock response
	}
}

// MockSendMessage adds a handler returning the given message id
func (m *MockDiscordServer) MockSendMessage(channelID, messageID string) {
	m.Handlers["POST /channels/"+channelID+"/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": messageID}) //nolint:errcheck // test mock response
	}
}

// MockListChannels adds a handler returning the given channel objects for a
// guild channel listing
func (m *MockDiscordServer) MockListChannels(guildID string, channels []map[string]any) {
	m.Handlers["GET /guilds/"+guildID+"/channels"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(channels) //nolint:errcheck // test mock response
	}
}
