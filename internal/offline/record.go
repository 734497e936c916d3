package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrTemporaryIdentity = errors.New("temporary identity")
)

// TempIDPrefix marks identities issued locally for records created offline.
const TempIDPrefix = "temp_"

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Record is one customer as exchanged with the remote API.
type Record struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"nombre"`
	Balance decimal.Decimal `json:"saldo"`
}

// UnmarshalJSON accepts server identities sent as JSON numbers.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      json.RawMessage `json:"id"`
		Name    string          `json:"nombre"`
		Balance decimal.Decimal `json:"saldo"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := decodeIdentity(raw.ID)
	if err != nil {
		return err
	}
	r.ID = id
	r.Name = raw.Name
	r.Balance = raw.Balance
	return nil
}

// MarshalJSON writes saldo as a JSON number rather than decimal's quoted default.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string      `json:"id,omitempty"`
		Name    string      `json:"nombre"`
		Balance json.Number `json:"saldo"`
	}{ID: r.ID, Name: r.Name, Balance: json.Number(r.Balance.String())})
}

func (r Record) IsTemporary() bool {
	return IsTempID(r.ID)
}

func decodeIdentity(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("record id: %w", err)
	}
	return n.String(), nil
}

// RecordPatch carries the fields of a partial update. Nil fields are left alone.
type RecordPatch struct {
	Name    *string          `json:"nombre,omitempty"`
	Balance *decimal.Decimal `json:"saldo,omitempty"`
}

func PatchFrom(r Record) RecordPatch {
	name := r.Name
	balance := r.Balance
	return RecordPatch{Name: &name, Balance: &balance}
}

func (p RecordPatch) Apply(r Record) Record {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Balance != nil {
		r.Balance = *p.Balance
	}
	return r
}

// PendingChange is one entry of the pending-change log.
type PendingChange struct {
	Action    Action    `json:"action"`
	Data      Record    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (c PendingChange) key() string {
	return string(c.Action) + "|" + c.Data.ID + "|" + strconv.FormatInt(c.Timestamp.UnixNano(), 10)
}

// NewTempID returns a temporary identity. UUIDv7 embeds a millisecond timestamp
// plus random bits, so identities sort by creation time and do not collide.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return TempIDPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return TempIDPrefix + id.String()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(strings.TrimSpace(id), TempIDPrefix)
}
