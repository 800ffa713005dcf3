package postgres

import (
	"encoding/json"

	"github.com/cadre-io/cadre/backend"
)

// envelopeRow is the relational shape of backend.Envelope. A row is "ready"
// while leased is false; dequeue flips it to leased with a visibility
// deadline, and requeue-stale flips expired leased rows back.
type envelopeRow struct {
	ID           string `gorm:"primaryKey;size:32"`
	Queue        string `gorm:"size:255;not null;index:idx_cadre_envelopes_ready,priority:1"`
	Priority     int16  `gorm:"not null;index:idx_cadre_envelopes_ready,priority:2"`
	Payload      []byte
	Headers      []byte
	EnqueuedAtMs int64
	VisibleAtMs  int64 `gorm:"not null;default:0"`
	Deliveries   int32 `gorm:"not null;default:0"`
	Leased       bool  `gorm:"not null;default:false;index:idx_cadre_envelopes_ready,priority:3"`
}

func (envelopeRow) TableName() string { return "cadre_envelopes" }

func rowFromEnvelope(env *backend.Envelope) (*envelopeRow, error) {
	var headers []byte
	if len(env.Headers) > 0 {
		b, err := json.Marshal(env.Headers)
		if err != nil {
			return nil, err
		}
		headers = b
	}
	return &envelopeRow{
		ID:           env.ID,
		Queue:        env.Queue,
		Priority:     int16(env.Priority),
		Payload:      []byte(env.Payload),
		Headers:      headers,
		EnqueuedAtMs: env.EnqueuedAtMs,
		VisibleAtMs:  env.VisibleAtMs,
		Deliveries:   env.Deliveries,
		Leased:       env.VisibleAtMs > 0,
	}, nil
}

func (r *envelopeRow) toEnvelope() (*backend.Envelope, error) {
	env := &backend.Envelope{
		ID:           r.ID,
		Queue:        r.Queue,
		Payload:      json.RawMessage(r.Payload),
		Priority:     backend.Priority(r.Priority),
		EnqueuedAtMs: r.EnqueuedAtMs,
		VisibleAtMs:  r.VisibleAtMs,
		Deliveries:   r.Deliveries,
	}
	if !r.Leased {
		env.VisibleAtMs = 0
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &env.Headers); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// recordRow is the relational shape of backend.Record.
type recordRow struct {
	Key         string `gorm:"primaryKey;size:512"`
	Value       []byte
	Version     uint64 `gorm:"not null"`
	UpdatedAtMs int64  `gorm:"not null"`
}

func (recordRow) TableName() string { return "cadre_records" }

func (r *recordRow) toRecord() *backend.Record {
	return &backend.Record{
		Key:         r.Key,
		Value:       json.RawMessage(r.Value),
		Version:     r.Version,
		UpdatedAtMs: r.UpdatedAtMs,
	}
}
