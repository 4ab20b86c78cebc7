// Command agent runs the tracking loop on a field device that has gpsd,
// for technicians who work without the web app open.
//
//	agent login -id tech-7 -name "Rosa Quispe" -role tecnico
//	agent run
//	agent logout
//
// SIGUSR1 marks the device as not in use, SIGUSR2 as in use again and
// SIGHUP retries a failed consent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geopresence/config"
	"geopresence/database"
	"geopresence/internal/geo"
	"geopresence/internal/helper"
	"geopresence/internal/localstore"
	"geopresence/internal/model"
	"geopresence/internal/presence"

	"github.com/joho/godotenv"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agent <login|logout|run> [flags]")
	os.Exit(2)
}

func main() {
	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}
	cfg := config.Load()

	if len(os.Args) < 2 {
		usage()
	}

	local, err := localstore.Open(cfg.AgentDBPath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer local.Close()

	switch os.Args[1] {
	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		id := fs.String("id", "", "subject id (required)")
		name := fs.String("name", "", "display name")
		contact := fs.String("contact", "", "contact phone")
		role := fs.String("role", "tecnico", "role")
		_ = fs.Parse(os.Args[2:])
		if *id == "" {
			fs.Usage()
			os.Exit(2)
		}
		phone, err := helper.NormalizeContact(*contact)
		if err != nil {
			log.Fatalf("Invalid -contact: %v", err)
		}
		subject := model.Subject{ID: *id, DisplayName: *name, Contact: phone, Role: *role}
		if err := local.Login(subject); err != nil {
			log.Fatalf("Login failed: %v", err)
		}
		log.Printf("Logged in as %s", subject.ID)

	case "logout":
		// a running agent notices and deletes the presence record
		if err := local.Logout(); err != nil {
			log.Fatalf("Logout failed: %v", err)
		}
		log.Println("Logged out")

	case "run":
		if err := run(cfg, local); err != nil {
			log.Fatal(err)
		}

	default:
		usage()
	}
}

func run(cfg *config.Config, local *localstore.Store) error {
	subject, err := local.Identity()
	if errors.Is(err, localstore.ErrNoIdentity) {
		return errors.New("not logged in, run `agent login` first")
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Presence store
	st, err := database.OpenPresenceStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. Device
	gpsd := geo.NewGPSD(cfg.GPSDAddr)
	defer gpsd.Close()

	fg := newForeground()
	ctrl := presence.NewController(presence.Config{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ConsentPromptDelay: cfg.ConsentPromptDelay,
		WriteTimeout:       cfg.WriteTimeout,
		FetchOptions: geo.Options{
			HighAccuracy: cfg.LocationHighAccuracy,
			Timeout:      cfg.LocationTimeout,
		},
		WatchOptions: geo.Options{
			HighAccuracy: cfg.LocationHighAccuracy,
			Timeout:      cfg.LocationTimeout,
			MaximumAge:   cfg.WatchMaxCacheAge,
		},
	}, presence.Deps{
		Subject:    subject,
		Store:      st,
		Source:     geo.NewSource(gpsd),
		Consent:    presence.LoadConsentState(local),
		Prompter:   NewTerminalPrompter(os.Stdin, os.Stdout),
		Visibility: fg,
		Visible:    true,
		OnConsent: func(res presence.ConsentResult) {
			if res.Err != nil {
				log.Printf("❌ Location consent: %s (%v)", res.Outcome, res.Err)
				return
			}
			log.Printf("📍 Location consent: %s", res.Outcome)
		},
		OnState: func(s presence.State) {
			log.Printf("🔄 Tracking %s", s)
		},
	})

	log.Printf("Agent started for %s (gpsd %s, store %s)", subject.ID, cfg.GPSDAddr, cfg.StoreDriver)
	ctrl.Start(ctx)

	ended := local.WatchSessionEnded(ctx, subject.ID, cfg.SessionPollInterval)

	// 4. Wait for signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				if fg.set(false) {
					ctrl.SetVisible(false)
				}
			case syscall.SIGUSR2:
				if fg.set(true) {
					ctrl.SetVisible(true)
				}
			case syscall.SIGHUP:
				// manual retry after a declined or failed consent
				ctrl.Retry()
			default:
				log.Println("Shutting down agent...")
				ctrl.Unload()
			}
		case <-ended:
			log.Printf("Session for %s ended, removing presence", subject.ID)
			ctrl.Logout()
			ended = nil
		case <-ctrl.Done():
			if n := ctrl.WriteFailures(); n > 0 {
				log.Printf("⚠️  %d presence writes failed during this session", n)
			}
			log.Println("Agent shutdown complete.")
			return nil
		}
	}
}
