package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashDomain separates plan hashes from any other sha256 use; bump the suffix if the
// hashed shape changes.
const hashDomain = "rekey/plan/v1"

type hashed struct {
	Model             any    `json:"model"`
	PlaceholderPrefix string `json:"placeholder_prefix"`
	Nonce             string `json:"nonce"`
	Steps             []Step `json:"steps"`
}

// Hash identifies the plan by what it will write. Baseline counts and the
// intended map are not part of it.
func (p *Plan) Hash() string {
	data, err := json.Marshal(hashed{
		Model:             p.Model,
		PlaceholderPrefix: p.PlaceholderPrefix,
		Nonce:             p.Nonce,
		Steps:             p.Steps,
	})
	if err != nil {
		// Every field is a plain string, int or bool.
		panic(fmt.Sprintf("planner: marshal plan for hashing: %v", err))
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Marshal serializes the full plan for the audit log
func (p *Plan) Marshal() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize plan: %w", err)
	}
	return string(data), nil
}

// Unmarshal restores a plan written by Marshal and checks it against wantHash
func Unmarshal(data string, wantHash string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to deserialize plan: %w", err)
	}
	if got := p.Hash(); wantHash != "" && got != wantHash {
		return nil, fmt.Errorf("stored plan hashes to %s, run recorded %s", got[:12], shortHash(wantHash))
	}
	return &p, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
