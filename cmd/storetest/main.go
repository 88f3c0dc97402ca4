package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hack-pad/hackpadfs/mem"

	"github.com/kittclouds/vaultkit/internal/semindex"
	"github.com/kittclouds/vaultkit/internal/snapshot"
	"github.com/kittclouds/vaultkit/internal/srs"
	"github.com/kittclouds/vaultkit/internal/store"
	"github.com/kittclouds/vaultkit/internal/vault"
)

func main() {
	fmt.Println("Testing content pipeline...")
	testPipeline()

	fmt.Println("\nTesting snapshot round trip...")
	testSnapshot()

	fmt.Println("\n✅ All checks passed!")
}

func newVault(ctx context.Context) *vault.Vault {
	db, err := store.Open(":memory:")
	if err != nil {
		log.Fatalf("Open failed: %v", err)
	}

	v, err := vault.New(ctx, vault.Options{
		DB:       db,
		Embedder: semindex.NewHashEmbedder(store.DefaultVectorDim),
	})
	if err != nil {
		log.Fatalf("vault.New failed: %v", err)
	}
	return v
}

func testPipeline() {
	ctx := context.Background()
	v := newVault(ctx)
	defer v.Close()

	sp := v.Space("main")

	if _, err := sp.Create(ctx, "/notes", store.KindDirectory, nil); err != nil {
		log.Fatalf("Create directory failed: %v", err)
	}
	target, err := sp.Create(ctx, "/notes/target.md", store.KindFile, nil)
	if err != nil {
		log.Fatalf("Create target failed: %v", err)
	}
	daily, err := sp.Create(ctx, "/notes/daily.md", store.KindFile, nil)
	if err != nil {
		log.Fatalf("Create daily failed: %v", err)
	}
	fmt.Println("  ✓ Create works")

	saved, err := sp.SaveContent(ctx, daily.ID,
		"Visit [[target.md]] and review {{the capital of France}}.\n- [ ] pack bags\n")
	if err != nil {
		log.Fatalf("SaveContent failed: %v", err)
	}
	if saved.Content == "" {
		log.Fatal("SaveContent returned empty content")
	}
	fmt.Println("  ✓ SaveContent works")

	resaved, err := sp.SaveContent(ctx, daily.ID, saved.Content)
	if err != nil {
		log.Fatalf("second SaveContent failed: %v", err)
	}
	if resaved.Content != saved.Content {
		log.Fatal("reconciliation is not idempotent")
	}
	fmt.Println("  ✓ Reconciliation is idempotent")

	due, err := sp.DueCards(ctx, srs.Limits{})
	if err != nil {
		log.Fatalf("DueCards failed: %v", err)
	}
	if len(due.New) != 1 {
		log.Fatalf("DueCards expected 1 new card, got %d", len(due.New))
	}
	fmt.Println("  ✓ DueCards works")

	card, err := v.SRS.Grade(ctx, due.New[0].ID, srs.RatingGood)
	if err != nil {
		log.Fatalf("Grade failed: %v", err)
	}
	if card.IntervalDays != 1 {
		log.Fatalf("Grade expected interval 1, got %d", card.IntervalDays)
	}
	fmt.Println("  ✓ Grade works")

	back, err := v.Links.Backlinks(ctx, target.ID)
	if err != nil {
		log.Fatalf("Backlinks failed: %v", err)
	}
	if len(back) != 1 || back[0].ID != daily.ID {
		log.Fatalf("Backlinks expected daily.md, got %d rows", len(back))
	}
	fmt.Println("  ✓ Backlinks works")

	similar, err := v.Sem.SimilarToText(ctx, "capital France", 5)
	if err != nil {
		log.Fatalf("SimilarToText failed: %v", err)
	}
	if len(similar) == 0 {
		log.Fatal("SimilarToText returned no results")
	}
	fmt.Println("  ✓ SimilarToText works")
}

func testSnapshot() {
	ctx := context.Background()
	v := newVault(ctx)
	defer v.Close()

	sp := v.Space("main")
	if _, err := sp.Create(ctx, "/a", store.KindDirectory, nil); err != nil {
		log.Fatalf("Create failed: %v", err)
	}
	n, err := sp.Create(ctx, "/a/b.md", store.KindFile, nil)
	if err != nil {
		log.Fatalf("Create failed: %v", err)
	}
	if _, err := sp.SaveContent(ctx, n.ID, "Answer: {{42}}\n"); err != nil {
		log.Fatalf("SaveContent failed: %v", err)
	}

	all, err := sp.List(ctx)
	if err != nil {
		log.Fatalf("List failed: %v", err)
	}

	fsys, err := mem.NewFS()
	if err != nil {
		log.Fatalf("mem.NewFS failed: %v", err)
	}
	if err := sp.Export(ctx, fsys); err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	fmt.Println("  ✓ Export works")

	copySpace := v.Space("copy")
	count, err := copySpace.Import(ctx, fsys, snapshot.ImportOptions{RemapIDs: true})
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	if count != len(all) {
		log.Fatalf("Import expected %d nodes, got %d", len(all), count)
	}
	fmt.Println("  ✓ Import works")

	got, err := copySpace.GetByPath(ctx, "/a/b.md")
	if err != nil {
		log.Fatalf("GetByPath after import failed: %v", err)
	}
	if got.Content == "" {
		log.Fatal("imported node lost its content")
	}
	fmt.Println("  ✓ Round trip preserves content")
}
