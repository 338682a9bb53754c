// Command seed-cards inserts the stock greeting cards. Safe to run
// repeatedly: existing templates are left untouched.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/21projects/greetings/internal/greeting"
)

var stockCards = []greeting.Card{
	{Description: "a generic greeting", Template: "general"},
	{Description: "an I love you greeting", Template: "iloveyou"},
	{Description: "a birthday greeting", Template: "birthday"},
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}

	store := greeting.NewStore(db)
	if err := store.SeedCards(ctx, stockCards); err != nil {
		log.Fatalf("seed cards: %v", err)
	}

	cards, err := store.ListCards(ctx)
	if err != nil {
		log.Fatalf("list cards: %v", err)
	}
	for _, c := range cards {
		log.Printf("card %d: %s (%s)", c.ID, c.Description, c.Template)
	}
	log.Printf("Done: %d cards available", len(cards))
}
