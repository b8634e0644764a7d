package migrate_test

import (
	"testing"

	"testgate/internal/db"
	"testgate/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	v, err := migrate.Version(conn.DB)
	if err != nil {
		t.Fatalf("version on fresh db: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh db at version %d", v)
	}

	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("first run: %v", err)
	}
	v, err = migrate.Version(conn.DB)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("schema version %d after migrate", v)
	}

	// A second run must see the recorded version and change nothing.
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("second run: %v", err)
	}
	again, err := migrate.Version(conn.DB)
	if err != nil {
		t.Fatal(err)
	}
	if again != v {
		t.Fatalf("version drifted from %d to %d", v, again)
	}

	// The schema is actually usable after the run.
	if _, err := conn.Exec(`INSERT INTO events(ts,type,actor_id,payload_json) VALUES ('2025-06-01T00:00:00Z','schema.check','tester','{}')`); err != nil {
		t.Fatalf("insert into migrated schema: %v", err)
	}
}
