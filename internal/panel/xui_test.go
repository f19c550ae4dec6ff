package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeXUIServer имитирует панель 3x-ui: логин с кукой, клиенты в памяти.
type fakeXUIServer struct {
	clients    map[string]xuiClient // по uuid
	loginCount int
}

func newFakeXUI() (*fakeXUIServer, *httptest.Server) {
	f := &fakeXUIServer{clients: make(map[string]xuiClient)}
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCount++
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "secret" {
			json.NewEncoder(w).Encode(xuiResp{Success: false, Msg: "invalid credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "sess-1"})
		json.NewEncoder(w).Encode(xuiResp{Success: true})
	})
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		var settings struct {
			Clients []xuiClient `json:"clients"`
		}
		json.Unmarshal([]byte(payload.Settings), &settings)
		c := settings.Clients[0]
		if _, ok := f.clients[c.ID]; ok {
			json.NewEncoder(w).Encode(xuiResp{Success: false, Msg: "Duplicate email: " + c.Email})
			return
		}
		f.clients[c.ID] = c
		json.NewEncoder(w).Encode(xuiResp{Success: true})
	})
	mux.HandleFunc("/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/updateClient/")
		var payload struct {
			Settings string `json:"settings"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		var settings struct {
			Clients []xuiClient `json:"clients"`
		}
		json.Unmarshal([]byte(payload.Settings), &settings)
		f.clients[id] = settings.Clients[0]
		json.NewEncoder(w).Encode(xuiResp{Success: true})
	})
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var clients []xuiClient
		for _, c := range f.clients {
			clients = append(clients, c)
		}
		settings, _ := json.Marshal(map[string]interface{}{"clients": clients})
		obj, _ := json.Marshal(map[string]interface{}{"id": 1, "settings": string(settings)})
		json.NewEncoder(w).Encode(xuiResp{Success: true, Obj: obj})
	})
	mux.HandleFunc("/panel/api/inbounds/1/delClient/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/1/delClient/")
		if _, ok := f.clients[id]; !ok {
			json.NewEncoder(w).Encode(xuiResp{Success: false, Msg: "client not found"})
			return
		}
		delete(f.clients, id)
		json.NewEncoder(w).Encode(xuiResp{Success: true})
	})

	return f, httptest.NewServer(mux)
}

func (f *fakeXUIServer) authed(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Cookie"), "3x-ui=sess-1")
}

func TestXUILazyLoginAndAddClient(t *testing.T) {
	f, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "secret", 1)
	c := &Client{ClientID: "uuid-1", Email: "42_abc", TgID: 42, ExpiryMs: 1700000000000}
	if err := p.AddClient(context.Background(), c); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if f.loginCount != 1 {
		t.Errorf("loginCount = %d, want lazy single login", f.loginCount)
	}
	got, ok := f.clients["uuid-1"]
	if !ok {
		t.Fatal("client not created on panel")
	}
	if got.Email != "42_abc" || got.ExpiryTime != 1700000000000 || got.Flow != DefaultFlow {
		t.Errorf("client mismatch: %+v", got)
	}
	if got.LimitIP != 1 || !got.Enable {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestXUIAddClientIdempotent(t *testing.T) {
	f, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "secret", 1)
	c := &Client{ClientID: "uuid-1", Email: "42_abc", ExpiryMs: 100}
	if err := p.AddClient(context.Background(), c); err != nil {
		t.Fatalf("first AddClient: %v", err)
	}
	c2 := &Client{ClientID: "uuid-1", Email: "42_abc", ExpiryMs: 200}
	if err := p.AddClient(context.Background(), c2); err != nil {
		t.Fatalf("second AddClient must update in place: %v", err)
	}
	if len(f.clients) != 1 {
		t.Errorf("clients = %d, want 1", len(f.clients))
	}
	if f.clients["uuid-1"].ExpiryTime != 200 {
		t.Errorf("expiry = %d, want updated 200", f.clients["uuid-1"].ExpiryTime)
	}
}

func TestXUIExtendKeepsQuotaAndTgBinding(t *testing.T) {
	f, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "secret", 1)
	c := &Client{ClientID: "uuid-1", Email: "42_abc", TgID: 42, TotalGB: 50 << 30, ExpiryMs: 100}
	if err := p.AddClient(context.Background(), c); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if err := p.ExtendClient(context.Background(), "uuid-1", "42_abc", 200); err != nil {
		t.Fatalf("ExtendClient: %v", err)
	}
	got := f.clients["uuid-1"]
	if got.ExpiryTime != 200 {
		t.Errorf("expiry = %d, want 200", got.ExpiryTime)
	}
	if got.TotalGB != 50<<30 || got.TgID != 42 {
		t.Errorf("renewal must not touch quota or tgId: totalGB = %d, tgId = %d", got.TotalGB, got.TgID)
	}
}

func TestXUIExtendMissingClient(t *testing.T) {
	_, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "secret", 1)
	err := p.ExtendClient(context.Background(), "ghost", "no_such", 200)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestXUIDeleteClientIdempotent(t *testing.T) {
	f, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "secret", 1)
	c := &Client{ClientID: "uuid-1", Email: "42_abc", ExpiryMs: 100}
	if err := p.AddClient(context.Background(), c); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if err := p.DeleteClient(context.Background(), "uuid-1", "42_abc"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if len(f.clients) != 0 {
		t.Fatal("client not removed")
	}
	// Повторное удаление — успех
	if err := p.DeleteClient(context.Background(), "uuid-1", "42_abc"); err != nil {
		t.Fatalf("second DeleteClient must be success: %v", err)
	}
}

func TestXUIBadCredentials(t *testing.T) {
	_, srv := newFakeXUI()
	defer srv.Close()

	p := NewXUI(srv.URL, "admin", "wrong", 1)
	err := p.AddClient(context.Background(), &Client{ClientID: "u", Email: "e"})
	if !IsKind(err, KindAuthFailed) {
		t.Fatalf("want auth_failed, got %v", err)
	}
}
