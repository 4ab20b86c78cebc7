// internal/helper/schema.go
package helper

import (
	"database/sql"
	"log"
)

// InitCustomSchema creates the presence table and its change trigger.
// Safe to run repeatedly.
func InitCustomSchema(db *sql.DB) {
	baseSchema := `
        CREATE TABLE IF NOT EXISTS presence (
            subject_id          VARCHAR(255) PRIMARY KEY,
            display_name        TEXT NOT NULL DEFAULT '',
            contact             TEXT NOT NULL DEFAULT '',
            role                VARCHAR(100) NOT NULL DEFAULT '',
            latitude            DOUBLE PRECISION,
            longitude           DOUBLE PRECISION,
            accuracy_meters     DOUBLE PRECISION,
            status              VARCHAR(20) NOT NULL DEFAULT 'away'
                                CHECK (status IN ('connected', 'away', 'disconnected')),
            last_seen_at        TIMESTAMP(6) WITH TIME ZONE,
            last_updated_at     TIMESTAMP(6) WITH TIME ZONE NOT NULL DEFAULT NOW()
        );

        COMMENT ON TABLE presence IS 'One row per tracked subject, merge-upserted by tracking sessions';
        COMMENT ON COLUMN presence.latitude IS 'NULL when no fix was ever stored';
        COMMENT ON COLUMN presence.last_seen_at IS 'Bumped on connected writes only';

        CREATE INDEX IF NOT EXISTS idx_presence_last_seen ON presence(last_seen_at DESC NULLS LAST);
        CREATE INDEX IF NOT EXISTS idx_presence_status ON presence(status);
        CREATE INDEX IF NOT EXISTS idx_presence_role ON presence(role);
    `
	if _, err := db.Exec(baseSchema); err != nil {
		log.Fatalf("failed to init presence schema: %v", err)
	}

	// LISTEN/NOTIFY feed for the live monitoring view
	triggerSchema := `
        CREATE OR REPLACE FUNCTION notify_presence_changed() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('presence_changed', COALESCE(NEW.subject_id, OLD.subject_id));
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;

        DROP TRIGGER IF EXISTS trg_presence_changed ON presence;
        CREATE TRIGGER trg_presence_changed
            AFTER INSERT OR UPDATE OR DELETE ON presence
            FOR EACH ROW EXECUTE FUNCTION notify_presence_changed();
    `
	if _, err := db.Exec(triggerSchema); err != nil {
		log.Fatalf("failed to init presence trigger: %v", err)
	}

	log.Println("presence schema ready")
}
