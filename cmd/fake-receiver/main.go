// Command fake-receiver is a stand-in for the scan and logistics APIs. It
// accepts any POST, can fail the first N requests to exercise the outbox,
// and optionally requires a bearer token.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/onsitelogistics/handheld/internal/auth"
	"github.com/onsitelogistics/handheld/internal/logging"
)

type receiver struct {
	mu         sync.Mutex
	failFirstN int
	count      int
	logger     *logging.Logger
}

func main() {
	logger := logging.New("fake-receiver")

	rc := &receiver{logger: logger}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rc.failFirstN = n
		}
	}

	addr := ":8081"
	if port := os.Getenv("FAKE_RECEIVER_PORT"); port != "" {
		addr = ":" + port
	}

	handler := newMux(rc, os.Getenv("EXPECTED_TOKEN"))
	logger.Plain().WithFields(map[string]any{
		"addr":         addr,
		"fail_first_n": rc.failFirstN,
	}).Info("fake-receiver listening")
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

// newMux serves /healthz openly and every other path through rc. When token
// is set, requests must carry it as a bearer token.
func newMux(rc *receiver, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/", rc)
	if token == "" {
		return mux
	}
	return auth.BearerMiddleware(token, mux)
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc.mu.Lock()
	rc.count++
	n := rc.count
	rc.mu.Unlock()

	entry := rc.logger.Plain().WithFields(map[string]any{
		"path": r.URL.Path,
		"n":    n,
		"body": truncate(string(b), 160),
	})

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		entry.Warnf("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Info("fake-receiver OK")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// requests returns how many POSTs have been received.
func (rc *receiver) requests() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.count
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
