package database

import (
	"context"
	"fmt"
	"log"

	"geopresence/config"
	"geopresence/internal/helper"
	"geopresence/internal/store"
)

// OpenPresenceStore memilih backend presence sesuai PRESENCE_STORE.
// createSchema hanya berlaku untuk postgres.
func OpenPresenceStore(ctx context.Context, cfg *config.Config, createSchema bool) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.AppDatabaseURL == "" {
			return nil, fmt.Errorf("APP_DATABASE_URL is not set")
		}
		db := InitAppDB(cfg.AppDatabaseURL)
		if createSchema { // buat/ensure schema dulu
			helper.InitCustomSchema(db)
		}
		return store.NewPostgres(db, cfg.AppDatabaseURL), nil

	case config.StoreMemory:
		log.Println("⚠️  Using in-memory presence store (records are lost on restart)")
		return store.NewMemory(nil), nil

	case config.StoreFirestore:
		client, err := InitFirestore(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init firestore: %w", err)
		}
		return store.NewFirestore(client, cfg.PresenceCollection), nil
	}

	return nil, fmt.Errorf("unknown PRESENCE_STORE %q", cfg.StoreDriver)
}
