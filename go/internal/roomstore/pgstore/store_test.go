package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"conflict passes through", fmt.Errorf("wrap: %w", roomstore.ErrWriteConflict), roomstore.ErrWriteConflict},
		{"foreign key means missing room", &pgconn.PgError{Code: pgForeignKeyViolation}, roomstore.ErrRoomNotFound},
		{"network failure is unavailable", errors.New("dial tcp: connection refused"), roomstore.ErrUnavailable},
		{"deadline is unavailable", context.DeadlineExceeded, roomstore.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	sqlErr := &pgconn.PgError{Code: "42P01"}
	if got := classify(sqlErr); errors.Is(got, roomstore.ErrUnavailable) {
		t.Fatalf("SQL errors should not be reported as unavailable: %v", got)
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}

// openTestStore connects to SHORELINE_TEST_DSN or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SHORELINE_TEST_DSN")
	if dsn == "" {
		t.Skip("SHORELINE_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, DefaultConfig(dsn))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresPhaseRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roomID := "test-" + uuid.NewString()

	if _, _, err := s.EnsureRoom(ctx, models.Room{ID: roomID, Phase: models.Lobby(), RoundBudget: 100}); err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SwapPhase(ctx, roomID, models.Lobby(), models.Phase{Kind: models.PhaseTutorial}, 30*time.Second)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, roomstore.ErrWriteConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestPostgresPlacementGuardAndSubscribe(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	roomID := "test-" + uuid.NewString()

	if _, _, err := s.EnsureRoom(ctx, models.Room{ID: roomID, Phase: models.Lobby(), RoundBudget: 100}); err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	changes, err := s.Subscribe(ctx, roomID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p := models.Placement{ID: uuid.New(), RoomID: roomID, SectorID: 1, Round: 1, Type: "seawall", Cost: 10}
	if _, err := s.AppendPlacement(ctx, p); !errors.Is(err, roomstore.ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed, got %v", err)
	}

	if _, err := s.Heartbeat(ctx, roomID, 1, "conn"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	select {
	case c := <-changes:
		if c.RoomID != roomID {
			t.Fatalf("change for wrong room: %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}
