package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	myMiddleware "go-marketchat/internal/middleware"
	"go-marketchat/internal/realtime"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (int64, string, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "u%d", &id); err != nil || id <= 0 {
		return 0, "", errors.New("invalid token")
	}
	return id, token, nil
}

const testInternalKey = "workflow-secret"

func newTestServer(t *testing.T) (*httptest.Server, *Fanout) {
	t.Helper()
	f := newTestFanout(t)
	h := NewHandler(f, stubValidator{}, HandlerConfig{})

	r := chi.NewRouter()
	r.Get("/ws/updates/{userID}/", h.ServeUpdates)
	r.With(myMiddleware.InternalKey(testInternalKey)).Post("/internal/notify/", h.Internal)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(stubValidator{}).Handle)
		r.Get("/notifications/", h.List)
		r.Get("/notifications/unread_count/", h.UnreadCount)
		r.Post("/notifications/mark_all_as_read/", h.MarkAllRead)
		r.Post("/notifications/{notificationID}/mark_as_read/", h.MarkRead)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, f
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func request(t *testing.T, srv *httptest.Server, method, path string, header map[string]string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, srv.URL+path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func bearer(user string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + user}
}

func TestServeUpdatesAuth(t *testing.T) {
	srv, f := newTestServer(t)

	for _, tc := range []struct {
		name string
		path string
		code int
	}{
		{"bad token", "/ws/updates/1/?token=nope", realtime.CloseAuthFailed},
		{"someone else's channel", "/ws/updates/1/?token=u2", realtime.CloseForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ws := dial(t, srv, tc.path)
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := ws.ReadMessage()
			if !websocket.IsCloseError(err, tc.code) {
				t.Fatalf("expected close %d, got %v", tc.code, err)
			}
		})
	}
	if n := f.ActiveUsers(); n != 0 {
		t.Fatalf("workers = %d", n)
	}
}

func TestUpdatesEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv, "/ws/updates/1/?token=u1")
	if ev := readEvent(t, ws); ev.Event != EventUnreadCount {
		t.Fatalf("greeting = %+v", ev)
	}

	res := request(t, srv, http.MethodPost, "/internal/notify/", map[string]string{"X-Internal-Key": testInternalKey},
		DeliverPayload{UserID: 1, Type: "offer", Title: "New offer"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("internal status = %d", res.StatusCode)
	}
	var created map[string]int64
	json.NewDecoder(res.Body).Decode(&created)

	ev := readEvent(t, ws)
	if ev.Event != EventNewNotification || ev.UnreadCount != 1 {
		t.Fatalf("event = %+v", ev)
	}

	res = request(t, srv, http.MethodGet, "/notifications/", bearer("u1"), nil)
	var list listResponse
	json.NewDecoder(res.Body).Decode(&list)
	if len(list.Notifications) != 1 || list.UnreadCount != 1 || list.Notifications[0].ID != created["id"] {
		t.Fatalf("list = %+v", list)
	}

	path := fmt.Sprintf("/notifications/%d/mark_as_read/", created["id"])
	if res := request(t, srv, http.MethodPost, path, bearer("u2"), nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign mark status = %d", res.StatusCode)
	}
	if res := request(t, srv, http.MethodPost, path, bearer("u1"), nil); res.StatusCode != http.StatusOK {
		t.Fatalf("mark status = %d", res.StatusCode)
	}
	if ev := readEvent(t, ws); ev.Event != EventNotificationRead || ev.UnreadCount != 0 {
		t.Fatalf("event = %+v", ev)
	}
	if res := request(t, srv, http.MethodPost, path, bearer("u1"), nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("repeat mark status = %d", res.StatusCode)
	}

	if res := request(t, srv, http.MethodPost, "/notifications/mark_all_as_read/", bearer("u1"), nil); res.StatusCode != http.StatusOK {
		t.Fatalf("mark all status = %d", res.StatusCode)
	}
	if ev := readEvent(t, ws); ev.Event != EventMarkAllRead {
		t.Fatalf("event = %+v", ev)
	}

	res = request(t, srv, http.MethodGet, "/notifications/unread_count/", bearer("u1"), nil)
	var count map[string]int
	json.NewDecoder(res.Body).Decode(&count)
	if count["unread_count"] != 0 {
		t.Fatalf("count = %v", count)
	}
}

func TestInternalNotifyRequiresKey(t *testing.T) {
	srv, _ := newTestServer(t)
	body := DeliverPayload{UserID: 1, Type: "offer"}

	if res := request(t, srv, http.MethodPost, "/internal/notify/", nil, body); res.StatusCode != http.StatusForbidden {
		t.Fatalf("no key status = %d", res.StatusCode)
	}
	if res := request(t, srv, http.MethodPost, "/internal/notify/", map[string]string{"X-Internal-Key": "guess"}, body); res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong key status = %d", res.StatusCode)
	}
	if res := request(t, srv, http.MethodPost, "/internal/notify/", map[string]string{"X-Internal-Key": testInternalKey}, DeliverPayload{Type: "offer"}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad payload status = %d", res.StatusCode)
	}
}
