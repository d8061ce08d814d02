package sqlutil

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/sqlc-dev/pqtype"
)

func TestFromSqlTime(t *testing.T) {
	if FromSqlTime(sql.NullTime{}) != nil {
		t.Fatal("NULL time should convert to nil")
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	got := FromSqlTime(sql.NullTime{Time: at, Valid: true})
	if got == nil || !got.Equal(at) || got.Location() != time.UTC {
		t.Fatalf("got %v", got)
	}
}

func TestFromNullRawMessage(t *testing.T) {
	if FromNullRawMessage(pqtype.NullRawMessage{}) != nil {
		t.Fatal("NULL should convert to nil")
	}
	raw := json.RawMessage(`{"cost":40}`)
	if got := FromNullRawMessage(pqtype.NullRawMessage{RawMessage: raw, Valid: true}); string(got) != string(raw) {
		t.Fatalf("got %s", got)
	}
}
