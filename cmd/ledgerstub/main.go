package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
)

// Stub upstream for local runs of the gateway: fakes the privileged
// provisioning endpoint and an idempotent credit ledger.
func main() {
	s := &stub{applied: make(map[string]int64)}
	http.HandleFunc("/provision", s.handleProvision)
	http.HandleFunc("/credit", s.handleCredit)

	log.Println("Ledger stub listening on :8081")
	if err := http.ListenAndServe(":8081", nil); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

type stub struct {
	mu      sync.Mutex
	applied map[string]int64 // idempotency key -> credits
}

func (s *stub) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-openclaw-secret") == "" {
		http.Error(w, `{"error":"missing secret"}`, http.StatusUnauthorized)
		return
	}
	var body struct {
		Provider       string `json:"provider"`
		ProviderUserID string `json:"provider_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":{"api_key":"sk_stub_%s","wallet_address":"0x0000000000000000000000000000000000000001"}}`, body.ProviderUserID)
}

func (s *stub) handleCredit(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		http.Error(w, `{"error":"missing idempotency key"}`, http.StatusBadRequest)
		return
	}
	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	prev, seen := s.applied[key]
	if !seen {
		s.applied[key] = body.Credits
		prev = body.Credits
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"credits":%d,"replayed":%t}`, prev, seen)
}
