package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/shoreline/go/internal/clocksync"
	"github.com/mcdev12/shoreline/go/internal/config"
	"github.com/mcdev12/shoreline/go/internal/dbconfig"
	"github.com/mcdev12/shoreline/go/internal/ledger"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/room"
	"github.com/mcdev12/shoreline/go/internal/roomstore/pgstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `commands:
  place <type> <cost> [effectiveness] [descriptor-json]
  continue
  activity
  refresh
  view
  quit`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	roomID := flag.String("room", "", "room id; defaults to the last room used by this sector")
	sector := flag.Int("sector", 0, "sector 1-3, or 0 for the main display")
	configPath := flag.String("config", getEnv("SHORELINE_CONFIG", "shoreline.yaml"), "game tuning file")
	clockURL := flag.String("clock-url", os.Getenv("SHORELINE_CLOCK_URL"), "gateway base URL for clock sync; empty uses the database clock")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	sectorID := models.SectorID(*sector)
	if sectorID != 0 && !sectorID.Valid() {
		log.Fatal().Int("sector_id", *sector).Msg("sector must be 0-3")
	}

	resume := openResumeStore()
	if *roomID == "" && resume != nil {
		if last, ok, err := resume.Last(sectorID); err != nil {
			log.Warn().Err(err).Msg("failed to read resume file")
		} else if ok {
			*roomID = last
			log.Info().Str("room_id", last).Msg("resuming last room")
		}
	}
	if *roomID == "" {
		log.Fatal().Msg("-room is required on first launch")
	}

	game, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load game config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := pgstore.New(ctx, pgstore.DefaultConfig(dbconfig.NewConfigFromEnv().DSN()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open room store")
	}
	defer store.Close()

	var source clocksync.Source
	if *clockURL != "" {
		source = clocksync.NewConnectSource(http.DefaultClient, *clockURL)
	}

	session, err := room.Attach(ctx, store, source, room.Params{RoomID: *roomID, SectorID: sectorID}, game.SessionConfig(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to attach")
	}
	defer session.Detach(context.Background())

	if resume != nil {
		if err := resume.Remember(sectorID, *roomID); err != nil {
			log.Warn().Err(err).Msg("failed to write resume file")
		}
	}

	printer := &viewPrinter{}
	cancel := session.Subscribe(printer.print)
	defer cancel()
	printer.print(session.View())

	fmt.Fprintln(os.Stderr, usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handle(ctx, session, line); quit {
				return
			}
		}
	}
}

func handle(ctx context.Context, session *room.Session, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "place":
		item, err := parseItem(fields[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		p, err := session.Place(ctx, item)
		if err != nil {
			fmt.Fprintf(os.Stderr, "placement rejected: %v\n", err)
			return false
		}
		fmt.Printf("placed %s (cost %d) as #%d\n", p.Type, p.Cost, p.Seq)
	case "continue":
		if err := session.Continue(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "continue: %v\n", err)
		}
	case "activity":
		entries, err := session.Activity(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "activity: %v\n", err)
			return false
		}
		for _, e := range entries {
			fmt.Printf("%s  %-16s %s\n", e.At.Format("15:04:05.000"), e.Kind, e.Payload)
		}
	case "refresh":
		if err := session.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "refresh: %v\n", err)
		}
	case "view":
		out, _ := json.MarshalIndent(session.View(), "", "  ")
		fmt.Println(string(out))
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(os.Stderr, usage)
	}
	return false
}

func parseItem(args []string) (ledger.Item, error) {
	if len(args) < 2 {
		return ledger.Item{}, fmt.Errorf("usage: place <type> <cost> [effectiveness] [descriptor-json]")
	}
	cost, err := strconv.Atoi(args[1])
	if err != nil {
		return ledger.Item{}, fmt.Errorf("invalid cost %q", args[1])
	}
	item := ledger.Item{Type: args[0], Cost: cost}
	if len(args) > 2 {
		if item.Effectiveness, err = strconv.ParseFloat(args[2], 64); err != nil {
			return ledger.Item{}, fmt.Errorf("invalid effectiveness %q", args[2])
		}
	}
	if len(args) > 3 {
		raw := json.RawMessage(strings.Join(args[3:], " "))
		if !json.Valid(raw) {
			return ledger.Item{}, fmt.Errorf("descriptor is not valid JSON")
		}
		item.Descriptor = raw
	}
	return item, nil
}

// viewPrinter prints a line when something a player would notice changes.
type viewPrinter struct {
	last string
}

func (p *viewPrinter) print(v room.View) {
	line := fmt.Sprintf("[%s] %s %s", v.Status, v.Screen, v.Phase)
	if v.Remaining > 0 {
		line += fmt.Sprintf(" %ds left", int(v.Remaining.Round(time.Second)/time.Second))
	}
	if !v.IsMainDisplay() {
		if s, ok := v.Sector(v.SectorID); ok {
			line += fmt.Sprintf(" | budget %d/%d", s.Remaining, v.RoundBudget)
		}
	}
	if v.PresenceWarning != "" {
		line += " | " + v.PresenceWarning
	}
	if v.LastError != "" {
		line += " | " + v.LastError
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Println(line)
}

func openResumeStore() *room.ResumeStore {
	path, err := room.DefaultResumePath()
	if err != nil {
		log.Debug().Err(err).Msg("no user config dir, not remembering rooms")
		return nil
	}
	return room.NewResumeStore(path)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
