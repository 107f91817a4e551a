package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"

	"centredsharp/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "data/index/centred.sqlite", "sqlite index path")
	limit := fs.Int("limit", 20, "result limit")
	session := fs.String("session", "", "session id filter (sessions)")
	_ = fs.Parse(args)

	q := "flushes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}
	if _, err := os.Stat(*dbPath); err != nil {
		fail(1, "open:", err)
	}

	idx, err := indexdb.OpenSQLite(*dbPath)
	if err != nil {
		fail(1, "open:", err)
	}
	defer idx.Close()

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "flushes":
		rows, err := idx.Flushes(ctx, *limit)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "sessions":
		rows, err := idx.Sessions(ctx, *session, *limit)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "edits":
		rows, err := idx.EditsByActor(ctx)
		if err != nil {
			fail(1, "query:", err)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	default:
		fail(2, "unknown query:", q, "(want flushes|sessions|edits)")
	}
}
