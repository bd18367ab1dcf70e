// yib/models/services.go
package models

import (
	"fmt"
	mrand "math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- Stateful Services ---

// RateLimiter is a coarse per-address flood guard in front of the posting
// endpoint. Posting cooldowns proper live in the moderation store.
type RateLimiter struct {
	Mu       sync.Mutex
	Limiters map[string]*rate.Limiter
	LastSeen map[string]time.Time
	every    time.Duration
	burst    int
}

// ChallengeStore keeps the expected CAPTCHA answer for each session.
type ChallengeStore struct {
	Mu         sync.Mutex
	Challenges map[string]string
	ttl        time.Duration
}

// --- Rate Limiter Methods ---

// NewRateLimiter creates and starts a new rate limiter.
func NewRateLimiter(every time.Duration, burst int) *RateLimiter {
	rl := &RateLimiter{
		Limiters: make(map[string]*rate.Limiter),
		LastSeen: make(map[string]time.Time),
		every:    every,
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether ip may submit now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.Mu.Lock()
	defer rl.Mu.Unlock()
	limiter, exists := rl.Limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(rl.every), rl.burst)
		rl.Limiters[ip] = limiter
	}
	rl.LastSeen[ip] = time.Now()
	return limiter.Allow()
}

// cleanup periodically removes old entries from the rate limiter maps.
func (rl *RateLimiter) cleanup() {
	for range time.Tick(1 * time.Hour) {
		rl.Mu.Lock()
		cutoff := time.Now().Add(-24 * time.Hour)
		for ip, lastSeen := range rl.LastSeen {
			if lastSeen.Before(cutoff) {
				delete(rl.Limiters, ip)
				delete(rl.LastSeen, ip)
			}
		}
		rl.Mu.Unlock()
	}
}

// --- Challenge Store Methods ---

// NewChallengeStore creates a challenge store whose entries expire after ttl.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{Challenges: make(map[string]string), ttl: ttl}
}

// GenerateChallenge creates a new math question for a session, replacing any previous one.
func (cs *ChallengeStore) GenerateChallenge(sessionID string) (question string) {
	a, b := mrand.Intn(10)+1, mrand.Intn(10)+1
	answer := strconv.Itoa(a + b)
	question = fmt.Sprintf("What is %d + %d?", a, b)

	cs.Mu.Lock()
	cs.Challenges[sessionID] = answer
	cs.Mu.Unlock()

	time.AfterFunc(cs.ttl, func() {
		cs.Mu.Lock()
		if cs.Challenges[sessionID] == answer {
			delete(cs.Challenges, sessionID)
		}
		cs.Mu.Unlock()
	})
	return question
}

// Take returns the expected answer for a session and forgets it, so every
// challenge can be answered at most once.
func (cs *ChallengeStore) Take(sessionID string) string {
	cs.Mu.Lock()
	defer cs.Mu.Unlock()
	answer := cs.Challenges[sessionID]
	delete(cs.Challenges, sessionID)
	return answer
}
