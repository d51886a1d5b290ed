// Package main implements a standalone end-to-end integration test for the
// matchmaking service. It validates the full user journey against a running
// stack: health checks, WebSocket handshake, matching and confirmation,
// declining, and duplicate-socket fencing.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/peermatch/match-service/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket gateway URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Matchmaking E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, *wsURL))
	results = append(results, scenario3MatchAndConfirm(ctx, *wsURL))
	results = append(results, scenario4Decline(ctx, *wsURL))

	// Optional scenario (non-fatal): duplicate socket fencing.
	results = append(results, scenario5DuplicateSocket(ctx, *wsURL))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1 — Health check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Health check"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name: name, kind: resultFail,
			detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		return scenarioResult{name: name, kind: resultFail,
			detail: fmt.Sprintf("unexpected body %q", string(body))}
	}

	return scenarioResult{name: name, kind: resultPass}
}

// ---------------------------------------------------------------------------
// Scenario 2 — Connect and handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Connect and handshake"

	c, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}
	defer c.Close()

	handshakeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForHandle(handshakeCtx); err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}

	return scenarioResult{name: name, kind: resultPass,
		detail: fmt.Sprintf("handle=%s", shorten(c.Handle()))}
}

// ---------------------------------------------------------------------------
// Scenario 3 — Match and confirm
// ---------------------------------------------------------------------------

func scenario3MatchAndConfirm(ctx context.Context, wsURL string) scenarioResult {
	name := "Match and confirm"

	pair, err := newMatchedPair(ctx, wsURL, "e2e-confirm-a", "e2e-confirm-b")
	if err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}
	defer pair.close()

	// Both sides confirm; both must see matching_success.
	successA := waitFor(pair.a, client.TypeMatchingSuccess)
	successB := waitFor(pair.b, client.TypeMatchingSuccess)

	if err := pair.a.Confirm(pair.userA); err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}
	if err := pair.b.Confirm(pair.userB); err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, ch := range []chan json.RawMessage{successA, successB} {
		select {
		case raw := <-ch:
			var msg struct {
				Payload struct {
					RoomID     string `json:"room_id"`
					QuestionID string `json:"question_id"`
				} `json:"payload"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
			}
			if msg.Payload.RoomID == "" {
				return scenarioResult{name: name, kind: resultFail, detail: "matching_success without room_id"}
			}
		case <-waitCtx.Done():
			return scenarioResult{name: name, kind: resultFail, detail: "timed out waiting for matching_success"}
		}
	}

	return scenarioResult{name: name, kind: resultPass}
}

// ---------------------------------------------------------------------------
// Scenario 4 — Decline
// ---------------------------------------------------------------------------

func scenario4Decline(ctx context.Context, wsURL string) scenarioResult {
	name := "Decline ends the pairing"

	pair, err := newMatchedPair(ctx, wsURL, "e2e-decline-a", "e2e-decline-b")
	if err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}
	defer pair.close()

	declined := waitFor(pair.b, client.TypeOtherDeclined)
	failA := waitFor(pair.a, client.TypeMatchingFail)

	if err := pair.a.Decline(pair.userA); err != nil {
		return scenarioResult{name: name, kind: resultFail, detail: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	select {
	case <-declined:
	case <-waitCtx.Done():
		return scenarioResult{name: name, kind: resultFail, detail: "counterpart never saw other_declined"}
	}
	select {
	case <-failA:
	case <-waitCtx.Done():
		return scenarioResult{name: name, kind: resultFail, detail: "decliner never saw matching_fail"}
	}

	return scenarioResult{name: name, kind: resultPass}
}

// ---------------------------------------------------------------------------
// Scenario 5 — Duplicate socket fencing (optional)
// ---------------------------------------------------------------------------

func scenario5DuplicateSocket(ctx context.Context, wsURL string) scenarioResult {
	name := "Duplicate socket fencing"

	first, err := newReadyClient(ctx, wsURL)
	if err != nil {
		return scenarioResult{name: name, kind: resultInfo, detail: err.Error()}
	}
	defer first.Close()

	fenced := waitFor(first, client.TypeDuplicateSocket)

	// The first socket starts waiting; nobody else requests this topic so
	// the record stays unmatched.
	if err := first.RequestMatch("e2e-dup-user", "e2e-dup-topic", "easy"); err != nil {
		return scenarioResult{name: name, kind: resultInfo, detail: err.Error()}
	}
	time.Sleep(time.Second)

	second, err := newReadyClient(ctx, wsURL)
	if err != nil {
		return scenarioResult{name: name, kind: resultInfo, detail: err.Error()}
	}
	defer second.Close()

	if err := second.RequestMatch("e2e-dup-user", "e2e-dup-topic", "easy"); err != nil {
		return scenarioResult{name: name, kind: resultInfo, detail: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	select {
	case <-fenced:
		return scenarioResult{name: name, kind: resultPass}
	case <-waitCtx.Done():
		return scenarioResult{name: name, kind: resultInfo, detail: "old socket never saw duplicate_socket"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// matchedPair is two connected clients that have been paired with each
// other and have both received the matched notification.
type matchedPair struct {
	a, b         *client.Client
	userA, userB string
}

func (p *matchedPair) close() {
	p.a.Close()
	p.b.Close()
}

// newMatchedPair connects two clients, sends matching requests on a
// scenario-unique topic, and waits until both sides are paired.
func newMatchedPair(ctx context.Context, wsURL, userA, userB string) (*matchedPair, error) {
	a, err := newReadyClient(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	b, err := newReadyClient(ctx, wsURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Unique topic per scenario run keeps these pairs away from any other
	// traffic on a shared stack.
	topic := fmt.Sprintf("e2e-%s-%d", userA, time.Now().UnixNano())

	matchedA := waitFor(a, client.TypeMatched)
	matchedB := waitFor(b, client.TypeMatched)

	if err := a.RequestMatch(userA, topic, "easy"); err != nil {
		a.Close()
		b.Close()
		return nil, err
	}
	if err := b.RequestMatch(userB, topic, "easy"); err != nil {
		a.Close()
		b.Close()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	for _, ch := range []chan json.RawMessage{matchedA, matchedB} {
		select {
		case <-ch:
		case <-waitCtx.Done():
			a.Close()
			b.Close()
			return nil, fmt.Errorf("timed out waiting for matched notification")
		}
	}

	return &matchedPair{a: a, b: b, userA: userA, userB: userB}, nil
}

// newReadyClient connects a client and waits for its greeting.
func newReadyClient(ctx context.Context, wsURL string) (*client.Client, error) {
	c, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForHandle(handshakeCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// waitFor returns a channel that receives the first message of the given
// type. The channel has capacity 1 so the read loop never blocks.
func waitFor(c *client.Client, msgType string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ch <- raw:
		default:
		}
	})
	return ch
}

func shorten(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
