package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
)

func setupModServer(_ *testing.T, app *MockApplication) *httptest.Server {
	mux := SetupRouter(app)
	return httptest.NewServer(CookieMiddleware(mux))
}

func modPost(t *testing.T, server *httptest.Server, ip, path string, form url.Values) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, _ := http.NewRequest("POST", server.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Real-IP", ip)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestRequireLAN_Middleware(t *testing.T) {
	app := setupTestApp(t)
	server := setupModServer(t, app)
	defer server.Close()

	testCases := []struct {
		name   string
		ip     string
		status int
	}{
		{"Allowed LAN IP", "192.168.1.100", http.StatusOK},
		{"Allowed Loopback", "127.0.0.1", http.StatusOK},
		{"Forbidden Public IP", "8.8.8.8", http.StatusForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", server.URL+"/mod/bans", nil)
			req.Header.Set("X-Real-IP", tc.ip)
			resp, err := server.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Errorf("Expected status %d for %s, got %d", tc.status, tc.ip, resp.StatusCode)
			}
		})
	}
}

func TestModerationBans(t *testing.T) {
	app := setupTestApp(t)
	server := setupModServer(t, app)
	defer server.Close()
	const mod = "10.0.0.5"

	resp, _ := modPost(t, server, mod, "/mod/ban", url.Values{"identity": {"203.0.113.9"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 without a reason, got %d", resp.StatusCode)
	}
	for _, bad := range []url.Values{
		{"identity": {"203.0.113.9"}, "reason": {"spam"}, "duration": {"3000000"}},
		{"identity": {"203.0.113.9"}, "reason": {"spam"}, "duration": {"-1"}},
	} {
		resp, _ = modPost(t, server, mod, "/mod/ban", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400 for duration %s, got %d", bad.Get("duration"), resp.StatusCode)
		}
	}
	if status, _ := app.mod.IsBanned("203.0.113.9"); status.Banned {
		t.Error("Expected an out-of-range duration to ban nobody")
	}
	resp, _ = modPost(t, server, mod, "/mod/timeout", url.Values{"identity": {"203.0.113.11"}, "seconds": {"99999999999"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an out-of-range timeout, got %d", resp.StatusCode)
	}
	resp, _ = modPost(t, server, mod, "/mod/ban", url.Values{"identity": {"203.0.113.9"}, "reason": {"spam"}, "duration": {"24"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 applying ban, got %d", resp.StatusCode)
	}
	resp, _ = modPost(t, server, mod, "/mod/ban", url.Values{"identity": {"203.0.113.10"}, "reason": {"forever"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 applying permanent ban, got %d", resp.StatusCode)
	}
	resp, _ = modPost(t, server, mod, "/mod/timeout", url.Values{"identity": {"203.0.113.11"}, "seconds": {"60"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 applying timeout, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", server.URL+"/mod/bans", nil)
	req.Header.Set("X-Real-IP", mod)
	listResp, err := server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Bans []struct {
			Identity  string  `json:"identity"`
			Permanent bool    `json:"permanent"`
			ExpiresAt *string `json:"expires_at"`
			Moderator string  `json:"moderator"`
		} `json:"bans"`
		Timeouts []struct {
			Identity string `json:"identity"`
		} `json:"timeouts"`
	}
	json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list.Bans) != 2 || len(list.Timeouts) != 1 {
		t.Fatalf("Expected 2 bans and 1 timeout, got %+v", list)
	}
	for _, b := range list.Bans {
		if b.Moderator != mod {
			t.Errorf("Expected moderator %s, got %s", mod, b.Moderator)
		}
		if b.Permanent != (b.ExpiresAt == nil) {
			t.Errorf("Expected expires_at only on temporary bans, got %+v", b)
		}
	}

	modPost(t, server, mod, "/mod/remove-ban", url.Values{"identity": {"203.0.113.9"}})
	modPost(t, server, mod, "/mod/remove-timeout", url.Values{"identity": {"203.0.113.11"}})
	if status, _ := app.mod.IsBanned("203.0.113.9"); status.Banned {
		t.Error("Expected ban to be lifted")
	}
	if status, _ := app.mod.CheckTimeout("203.0.113.11"); status.Active {
		t.Error("Expected timeout to be lifted")
	}
}

func TestModerationPostActions(t *testing.T) {
	app := setupTestApp(t)
	doPost(t, app, "10.5.0.1:1", map[string]string{"board_id": "b", "text": "op"}, map[string][]byte{"a.png": testPNG(t)})
	doPost(t, app, "10.5.0.2:1", map[string]string{"board_id": "b", "post_mode": "reply", "thread_id": "1", "text": "reply"}, nil)
	server := setupModServer(t, app)
	defer server.Close()
	const mod = "127.0.0.1"

	testCases := []struct {
		name   string
		path   string
		form   url.Values
		status int
		key    string
		want   interface{}
	}{
		{"lock", "/mod/toggle-lock", url.Values{"thread_id": {"1"}}, http.StatusOK, "locked", true},
		{"unlock", "/mod/toggle-lock", url.Values{"thread_id": {"1"}}, http.StatusOK, "locked", false},
		{"pin", "/mod/toggle-pin", url.Values{"thread_id": {"1"}, "board_id": {"b"}}, http.StatusOK, "pinned", true},
		{"lock missing thread", "/mod/toggle-lock", url.Values{"thread_id": {"99"}}, http.StatusNotFound, "", nil},
		{"bad thread id", "/mod/toggle-lock", url.Values{"thread_id": {"x"}}, http.StatusBadRequest, "", nil},
		{"ban reply author", "/mod/ban-post", url.Values{"post_id": {"2"}, "reason": {"rule 3"}, "duration": {"1"}}, http.StatusOK, "", nil},
		{"delete reply", "/mod/delete-reply", url.Values{"reply_id": {"2"}}, http.StatusOK, "", nil},
		{"delete reply again", "/mod/delete-reply", url.Values{"reply_id": {"2"}}, http.StatusNotFound, "", nil},
		{"delete thread", "/mod/delete-thread", url.Values{"thread_id": {"1"}}, http.StatusOK, "", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := modPost(t, server, mod, tc.path, tc.form)
			if resp.StatusCode != tc.status {
				t.Fatalf("Expected status %d, got %d (%v)", tc.status, resp.StatusCode, body)
			}
			if tc.key != "" && body[tc.key] != tc.want {
				t.Errorf("Expected %s=%v, got %v", tc.key, tc.want, body[tc.key])
			}
		})
	}

	if status, _ := app.mod.IsBanned("10.5.0.2"); !status.Banned {
		t.Error("Expected reply author to be banned")
	}
	if count, _ := app.db.GetThreadCount("b", true); count != 0 {
		t.Errorf("Expected no threads left, got %d", count)
	}
}

func TestModerationBoards(t *testing.T) {
	app := setupTestApp(t)
	server := setupModServer(t, app)
	defer server.Close()
	const mod = "10.0.0.1"

	testCases := []struct {
		name   string
		path   string
		form   url.Values
		status int
	}{
		{"create board", "/mod/create-board", url.Values{"uri": {"tech"}, "name": {"Technology"}, "captcha_required": {"on"}}, http.StatusCreated},
		{"duplicate board", "/mod/create-board", url.Values{"uri": {"tech"}, "name": {"Again"}}, http.StatusConflict},
		{"reserved board", "/mod/create-board", url.Values{"uri": {"mod"}}, http.StatusBadRequest},
		{"invalid board", "/mod/create-board", url.Values{"uri": {"no spaces"}}, http.StatusBadRequest},
		{"delete board", "/mod/delete-board", url.Values{"board_id": {"tech"}}, http.StatusOK},
		{"delete missing board", "/mod/delete-board", url.Values{"board_id": {"tech"}}, http.StatusNotFound},
		{"backup", "/mod/backup-db", url.Values{}, http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := modPost(t, server, mod, tc.path, tc.form)
			if resp.StatusCode != tc.status {
				t.Errorf("Expected status %d, got %d (%v)", tc.status, resp.StatusCode, body)
			}
			if tc.name == "backup" {
				if _, err := os.Stat(body["path"].(string)); err != nil {
					t.Errorf("Expected backup file to exist, got %v", err)
				}
			}
		})
	}
}

func TestCSRFMiddleware(t *testing.T) {
	app := setupTestApp(t)
	server := httptest.NewServer(CookieMiddleware(CSRFMiddleware(SetupRouter(app))))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}

	resp, err := client.Get(server.URL + "/api/captcha")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	u, _ := url.Parse(server.URL)
	var token string
	for _, c := range jar.Cookies(u) {
		if c.Name == "csrf_token" {
			token = c.Value
		}
	}
	if token == "" {
		t.Fatal("CSRF token cookie not found in jar")
	}

	form := url.Values{"identity": {"203.0.113.1"}, "reason": {"x"}}
	req, _ := http.NewRequest("POST", server.URL+"/mod/ban", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403 without a CSRF token, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("POST", server.URL+"/mod/ban", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", token)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 with a CSRF token, got %d", resp.StatusCode)
	}
}
