// Stress driver for the resolver and send path: pairs of users hammer
// find-or-create for the same conversation from both sides at once, which is
// exactly the interleaving that produces duplicate direct conversations. At
// the end each pair checks it converged on a single canonical record.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
)

const (
	BaseURL   = "http://localhost:8080"
	PairCount = 50
	MsgCount  = 20
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type Conversation struct {
	ID string `json:"id"`
}

func main() {
	log.Printf("starting churn test: %d pairs, %d messages each", PairCount, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("churn test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA, idA := authenticate(userA, pass)
	tokenB, idB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	// Both sides resolve the pair concurrently, repeatedly. Any duplicates
	// this produces must be healed by the time the loop ends.
	var resolveWg sync.WaitGroup
	resolveWg.Add(2)
	go resolveLoop(&resolveWg, tokenA, idB)
	go resolveLoop(&resolveWg, tokenB, idA)
	resolveWg.Wait()

	convA := resolveDirect(tokenA, idB)
	convB := resolveDirect(tokenB, idA)
	if convA == "" || convA != convB {
		log.Printf("pair %d did NOT converge: %q vs %q", pairID, convA, convB)
		return
	}

	var msgWg sync.WaitGroup
	msgWg.Add(2)
	go sendLoop(&msgWg, tokenA, idB, userA)
	go sendLoop(&msgWg, tokenB, idA, userB)
	msgWg.Wait()
}

func resolveLoop(wg *sync.WaitGroup, token string, peerID int) {
	defer wg.Done()
	for i := 0; i < 10; i++ {
		resolveDirect(token, peerID)
	}
}

func sendLoop(wg *sync.WaitGroup, token string, peerID int, user string) {
	defer wg.Done()
	for i := 0; i < MsgCount; i++ {
		body, _ := json.Marshal(map[string]interface{}{
			"peer_id": peerID,
			"content": fmt.Sprintf("churn msg %d from %s", i, user),
		})
		resp, err := authedPost(token, "/api/messages", body)
		if err != nil {
			log.Printf("send failed [%s]: %v", user, err)
			return
		}
		resp.Body.Close()
	}
}

func authenticate(username, password string) (string, int) {
	// Register, ignoring failures for users that already exist.
	reg, _ := json.Marshal(map[string]string{"username": username, "password": password, "gender": "other"})
	if resp, err := http.Post(BaseURL+"/register", "application/json", bytes.NewBuffer(reg)); err == nil {
		resp.Body.Close()
	}

	login, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(BaseURL+"/login", "application/json", bytes.NewBuffer(login))
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return "", 0
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token, data.ID
}

func resolveDirect(token string, peerID int) string {
	body, _ := json.Marshal(map[string]int{"peer_id": peerID})
	resp, err := authedPost(token, "/api/conversations/direct", body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	defer resp.Body.Close()

	var conv Conversation
	json.NewDecoder(resp.Body).Decode(&conv)
	return conv.ID
}

func authedPost(token, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, BaseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}
