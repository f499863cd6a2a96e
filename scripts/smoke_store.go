//go:build integration
// +build integration

package scripts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/stewardhq/steward/steward/db"
	"github.com/stewardhq/steward/steward/engine/adapters"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
	"github.com/stewardhq/steward/steward/migrations"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeStore exercises the embedded store end to end: migrations, entity
// CRUD with optimistic concurrency, FTS search, and session persistence.
func RunSmokeStore() {
	fmt.Println("Smoke test: embedded libSQL store")
	tmp := "./smoke.db"
	defer os.Remove(tmp)

	ctx := context.Background()
	conn, err := db.Connect(tmp)
	must(err, "connect")
	defer conn.Close()

	must(migrations.Up(ctx, conn), "migrate")
	fmt.Println("OK: migrations")

	store := adapters.NewLibSQLEntityStore(conn)

	project, err := store.Create(ctx, &entity.Entity{
		Type:   entity.TypeProject,
		Status: "active",
		Fields: map[string]any{"name": "Smoke", "client": "Internal"},
	})
	must(err, "create project")
	if project.Version != 1 {
		log.Fatalf("fresh project at version %d", project.Version)
	}
	fmt.Println("OK: create")

	task, err := store.Create(ctx, &entity.Entity{
		Type:      entity.TypeTask,
		ProjectID: project.ID,
		Status:    "pending",
		Fields:    map[string]any{"title": "Verify backup restore drill"},
	})
	must(err, "create task")

	got, err := store.Get(ctx, task.ID)
	must(err, "get task")
	got.Status = "in_progress"
	updated, err := store.Update(ctx, got)
	must(err, "update task")
	if updated.Version != 2 {
		log.Fatalf("updated task at version %d", updated.Version)
	}
	fmt.Println("OK: update")

	// A second writer holding the stale version must be rejected.
	stale := got.Clone()
	stale.Status = "blocked"
	if _, err := store.Update(ctx, stale); !errors.Is(err, ports.ErrVersionConflict) {
		log.Fatalf("stale update: want version conflict, got %v", err)
	}
	fmt.Println("OK: version conflict")

	found, err := store.Search(ctx, ports.EntityQuery{
		Type:      entity.TypeTask,
		ProjectID: project.ID,
		Text:      "backup restore",
	})
	must(err, "fts search")
	if len(found) != 1 || found[0].ID != task.ID {
		log.Fatalf("fts search returned %d records", len(found))
	}
	fmt.Println("OK: FTS search")

	sessions := adapters.NewLibSQLSessionStore(conn)
	state, err := sessions.Load(ctx, "smoke-session")
	must(err, "load fresh session")
	state.EntityContext[entity.TypeProject] = project.ID
	must(sessions.Save(ctx, state), "save session")
	reloaded, err := sessions.Load(ctx, "smoke-session")
	must(err, "reload session")
	if id, ok := reloaded.BoundProject(); !ok || id != project.ID {
		log.Fatalf("session lost its project binding")
	}
	fmt.Println("OK: session roundtrip")

	fmt.Println("Store smoke checks completed.")
}
