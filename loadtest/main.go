package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-marketchat/internal/logger"
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    int64  `json:"id"`
}

type conversationResponse struct {
	ID int64 `json:"id"`
}

type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	sent      atomic.Int64
	acked     atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
	calls     atomic.Int64
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	return s.latencies[int(float64(len(s.latencies)-1)*p)]
}

var (
	baseURL  = flag.String("url", "http://localhost:8080", "server base url")
	pairs    = flag.Int("pairs", 50, "buyer/seller pairs")
	messages = flag.Int("messages", 20, "messages per user")
	withCall = flag.Bool("call", true, "negotiate one call per pair")
)

func main() {
	flag.Parse()
	logger.Init("info")

	st := &stats{}
	start := time.Now()
	logger.Info("loadtest_start", "users", *pairs*2, "messages_per_user", *messages)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID, st); err != nil {
				st.errors.Add(1)
				logger.Warn("pair_failed", "pair", pairID, "err", err)
			}
		}(i)
	}
	wg.Wait()

	logger.Info("loadtest_done",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"acked", st.acked.Load(),
		"received", st.received.Load(),
		"calls", st.calls.Load(),
		"errors", st.errors.Load(),
		"ack_p50", st.percentile(0.5),
		"ack_p99", st.percentile(0.99),
	)
	if st.errors.Load() > 0 {
		os.Exit(1)
	}
}

func runPair(pairID int, st *stats) error {
	run := uuid.NewString()[:8]
	buyer, err := authenticate(fmt.Sprintf("buyer_%s_%d", run, pairID), "password123")
	if err != nil {
		return err
	}
	seller, err := authenticate(fmt.Sprintf("seller_%s_%d", run, pairID), "password123")
	if err != nil {
		return err
	}

	convID, err := createConversation(buyer.Token, seller.ID)
	if err != nil {
		return err
	}

	a, err := dialRoom(buyer.Token, convID)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := dialRoom(seller.Token, convID)
	if err != nil {
		return err
	}
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, ws := range []*websocket.Conn{a, b} {
		wg.Add(1)
		go func(ws *websocket.Conn) {
			defer wg.Done()
			if err := chatter(ws, st); err != nil {
				errs <- err
			}
		}(ws)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	if *withCall {
		if err := negotiateCall(a, b); err != nil {
			return err
		}
		st.calls.Add(1)
	}
	return nil
}

func authenticate(username, password string) (*loginResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if res, err := postJSON("/register", "", creds); err == nil {
		res.Body.Close()
	}

	res, err := postJSON("/login", "", creds)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, res.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func createConversation(token string, targetID int64) (int64, error) {
	res, err := postJSON("/conversations/", token, map[string]int64{"target_id": targetID})
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("create conversation: status %d", res.StatusCode)
	}
	var out conversationResponse
	err = json.NewDecoder(res.Body).Decode(&out)
	return out.ID, err
}

func dialRoom(token string, convID int64) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + fmt.Sprintf("/ws/chat/%d/?token=%s", convID, url.QueryEscape(token))
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return ws, err
}

// chatter sends the configured number of messages and reads until every
// message from both sides has been accounted for.
func chatter(ws *websocket.Conn, st *stats) error {
	sentAt := make(map[string]time.Time)
	var mu sync.Mutex

	done := make(chan error, 1)
	go func() {
		acks, peers := 0, 0
		for acks < *messages || peers < *messages {
			ws.SetReadDeadline(time.Now().Add(10 * time.Second))
			var f map[string]any
			if err := ws.ReadJSON(&f); err != nil {
				done <- err
				return
			}
			switch f["type"] {
			case "ack":
				acks++
				st.acked.Add(1)
				nonce, _ := f["client_nonce"].(string)
				mu.Lock()
				if t, ok := sentAt[nonce]; ok {
					st.observe(time.Since(t))
				}
				mu.Unlock()
			case "message":
				peers++
				st.received.Add(1)
			case "error", "warning":
				st.errors.Add(1)
				logger.Warn("frame_error", "frame", f)
			}
		}
		done <- nil
	}()

	for i := 0; i < *messages; i++ {
		nonce := uuid.NewString()
		mu.Lock()
		sentAt[nonce] = time.Now()
		mu.Unlock()
		err := ws.WriteJSON(map[string]any{
			"type":         "message",
			"message":      fmt.Sprintf("load test message %d", i),
			"client_nonce": nonce,
		})
		if err != nil {
			return err
		}
		st.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}
	return <-done
}

func negotiateCall(caller, callee *websocket.Conn) error {
	steps := []struct {
		from, to *websocket.Conn
		frame    map[string]any
	}{
		{caller, callee, map[string]any{"type": "call_offer", "offer": map[string]string{"type": "offer", "sdp": "v=0"}}},
		{callee, caller, map[string]any{"type": "call_answer", "answer": map[string]string{"type": "answer", "sdp": "v=0"}}},
		{caller, callee, map[string]any{"type": "ice_candidate", "candidate": map[string]string{"candidate": "candidate:1 1 udp 1 127.0.0.1 9 typ host"}}},
		{callee, caller, map[string]any{"type": "ice_candidate", "candidate": map[string]string{"candidate": "candidate:2 1 udp 1 127.0.0.1 9 typ host"}}},
		{caller, callee, map[string]any{"type": "call_end"}},
	}
	for _, s := range steps {
		if err := s.from.WriteJSON(s.frame); err != nil {
			return err
		}
		s.to.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got map[string]any
		if err := s.to.ReadJSON(&got); err != nil {
			return err
		}
		if got["type"] != s.frame["type"] {
			return fmt.Errorf("expected %v, got %v", s.frame["type"], got)
		}
	}
	return nil
}

func postJSON(path, token string, body any) (*http.Response, error) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, *baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
