// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credential defines caller credentials and the on-disk credential
// store, including per-key daily usage accounting.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Credential tiers.
const (
	// TierOrchestrator administers tunnels, agents, and pipeline runs.
	TierOrchestrator = "orchestrator"
	// TierWorker is policy-evaluated against its assigned tunnel.
	TierWorker = "worker"
)

// Credential is one caller identity, keyed by an opaque API key.
type Credential struct {
	// Key is the opaque API key. It is the map key in the credential file
	// and is filled in from it on load.
	Key string `json:"-"`

	Name string `json:"name"`
	Tier string `json:"tier"`

	// Tunnel is the assigned tunnel name; set for workers only.
	Tunnel string `json:"tunnel,omitempty"`

	// DailyLimit caps requests per UTC calendar day.
	DailyLimit int `json:"dailyLimit"`

	// Active gates the key; revoked keys stay in the file with Active false.
	Active bool `json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

// Clone returns a copy safe to hand out of the store.
func (c *Credential) Clone() *Credential {
	cc := *c
	return &cc
}

// GenerateKey returns a new opaque API key: a prefixed token combining the
// issue time with random entropy.
func GenerateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return fmt.Sprintf("tg_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf)), nil
}

// Redact masks an API key for listings: the first 8 characters followed by
// an ellipsis. Shorter keys are fully masked.
func Redact(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..."
}
