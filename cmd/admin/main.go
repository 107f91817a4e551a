package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"centredsharp/internal/config"
	persistlog "centredsharp/internal/persistence/log"
	"centredsharp/internal/persistence/mul"
	"centredsharp/internal/persistence/snapshot"
	"centredsharp/internal/world"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "init":
		initCmd(args)
	case "export":
		exportCmd(args)
	case "import":
		importCmd(args)
	case "state":
		stateCmd(args)
	case "rollback":
		rollbackCmd(args)
	case "db":
		dbCmd(args)
	case "hash-password":
		hashCmd(args)
	case "status":
		statusCmd(args)
	case "flush":
		flushCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <init|export|import|state|rollback|db|hash-password|status|flush> [flags]")
}

// mulFlags registers the legacy world file flags on fs.
func mulFlags(fs *flag.FlagSet) (*mul.Paths, *int, *int) {
	p := &mul.Paths{}
	fs.StringVar(&p.Map, "map", "map0.mul", "map file")
	fs.StringVar(&p.StaIdx, "staidx", "staidx0.mul", "statics index file")
	fs.StringVar(&p.Statics, "statics", "statics0.mul", "statics file")
	w := fs.Int("width", 768, "width in blocks")
	h := fs.Int("height", 512, "height in blocks")
	return p, w, h
}

func fail(code int, args ...any) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	paths, w, h := mulFlags(fs)
	force := fs.Bool("force", false, "overwrite existing files")
	_ = fs.Parse(args)

	if !*force {
		for _, p := range []string{paths.Map, paths.StaIdx, paths.Statics} {
			if _, err := os.Stat(p); err == nil {
				fail(2, "refusing to overwrite", p, "(use -force)")
			}
		}
	}
	if err := mul.Create(*paths, *w, *h); err != nil {
		fail(1, "create:", err)
	}
	fmt.Printf("created empty %dx%d block world: %s %s %s\n", *w, *h, paths.Map, paths.StaIdx, paths.Statics)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	paths, w, h := mulFlags(fs)
	out := fs.String("out", "world.snap.zst", "output snapshot path")
	_ = fs.Parse(args)

	n, err := exportMUL(context.Background(), *paths, *w, *h, *out)
	if err != nil {
		fail(1, "export:", err)
	}
	fmt.Printf("exported %d blocks to %s\n", n, *out)
}

// exportMUL copies legacy world files into a snapshot.
func exportMUL(ctx context.Context, p mul.Paths, width, height int, out string) (int, error) {
	store, err := mul.Open(p, width, height)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	ds, err := store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := snapshot.WriteSnapshot(out, snapshot.FromDataset(ds)); err != nil {
		return 0, err
	}
	return len(ds.Blocks), nil
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	paths, _, _ := mulFlags(fs)
	in := fs.String("in", "", "snapshot to import (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*in) == "" {
		fail(2, "missing -in")
	}

	n, err := importSnapshot(context.Background(), *in, *paths)
	if err != nil {
		fail(1, "import:", err)
	}
	fmt.Printf("imported %d blocks into %s\n", n, paths.Map)
}

// importSnapshot writes a snapshot out as fresh legacy world files.
func importSnapshot(ctx context.Context, in string, p mul.Paths) (int, error) {
	snap, err := snapshot.ReadSnapshot(in)
	if err != nil {
		return 0, err
	}
	if err := mul.Create(p, snap.Width, snap.Height); err != nil {
		return 0, err
	}
	store, err := mul.Open(p, snap.Width, snap.Height)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	ds := snap.Dataset()
	if err := store.Save(ctx, ds.Blocks); err != nil {
		return 0, err
	}
	return len(ds.Blocks), nil
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	path := fs.String("snapshot", "world.snap.zst", "snapshot path")
	_ = fs.Parse(args)

	h, err := snapshot.ReadHeader(*path)
	if err != nil {
		fail(1, "read header:", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(h)
}

func hashCmd(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	pw := fs.String("password", "", "password (read from stdin when empty)")
	_ = fs.Parse(args)

	password := *pw
	if password == "" {
		sc := bufio.NewScanner(os.Stdin)
		if !sc.Scan() {
			fail(2, "no password on stdin")
		}
		password = strings.TrimRight(sc.Text(), "\r\n")
	}
	h, err := config.HashPassword(password)
	if err != nil {
		fail(1, "hash:", err)
	}
	fmt.Println(h)
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "snapshot to roll back (required)")
	auditDir := fs.String("audit", "./data/audit", "audit segment directory")
	rect := fs.String("rect", "", "area filter: x1,y1:x2,y2 (required)")
	since := fs.String("since", "", "undo edits at or after this time (RFC3339 or unix millis, required)")
	until := fs.String("until", "", "undo edits up to this time (optional)")
	outPath := fs.String("out", "", "output snapshot path (default: <snapshot>.rollback.snap.zst)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*snapPath) == "" || strings.TrimSpace(*rect) == "" || strings.TrimSpace(*since) == "" {
		fail(2, "missing -snapshot, -rect or -since")
	}
	min, max, err := parseRect(*rect)
	if err != nil {
		fail(2, "bad -rect:", err)
	}
	from, err := parseTime(*since)
	if err != nil {
		fail(2, "bad -since:", err)
	}
	to := int64(1<<63 - 1)
	if strings.TrimSpace(*until) != "" {
		if to, err = parseTime(*until); err != nil {
			fail(2, "bad -until:", err)
		}
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fail(1, "read snapshot:", err)
	}
	recs, err := readAudit(*auditDir, from, to, min, max)
	if err != nil {
		fail(1, "read audit:", err)
	}
	if len(recs) == 0 {
		fmt.Println("no matching audit entries; nothing to roll back")
		return
	}
	applied, skipped := applyRollback(&snap, recs)

	if strings.TrimSpace(*outPath) == "" {
		*outPath = strings.TrimSuffix(*snapPath, ".snap.zst") + ".rollback.snap.zst"
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fail(1, "write snapshot:", err)
	}
	fmt.Printf("rollback ok: snapshot=%s rect=%s entries=%d applied=%d skipped=%d out=%s\n",
		filepath.Base(*snapPath), *rect, len(recs), applied, skipped, *outPath)
}

type auditRec struct {
	Seq   uint64
	Entry world.AuditEntry
}

// readAudit collects the map draws inside the window, newest first.
func readAudit(dir string, from, to int64, min, max [2]int) ([]auditRec, error) {
	paths, err := persistlog.Segments(dir)
	if err != nil {
		return nil, err
	}
	var (
		out []auditRec
		seq uint64
	)
	for _, path := range paths {
		entries, err := persistlog.ReadSegment(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			seq++
			if e.Action != "DRAW_MAP" || e.Time < from || e.Time > to {
				continue
			}
			if !withinRect(e.Pos, min, max) {
				continue
			}
			out = append(out, auditRec{Seq: seq, Entry: e})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.Time != out[j].Entry.Time {
			return out[i].Entry.Time > out[j].Entry.Time
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// applyRollback restores the previous tile (and elevation, when recorded) of
// each draw, newest first so the oldest prior state wins.
func applyRollback(snap *snapshot.SnapshotV1, recs []auditRec) (applied, skipped int) {
	blocks := make(map[[2]int]*snapshot.BlockV1, len(snap.Blocks))
	for i := range snap.Blocks {
		b := &snap.Blocks[i]
		blocks[[2]int{int(b.X), int(b.Y)}] = b
	}
	for _, r := range recs {
		x, y := r.Entry.Pos[0], r.Entry.Pos[1]
		b := blocks[[2]int{x / world.BlockSize, y / world.BlockSize}]
		if b == nil || x < 0 || y < 0 {
			skipped++
			continue
		}
		i := (y%world.BlockSize)*world.BlockSize + x%world.BlockSize
		b.Tiles[i] = r.Entry.From
		if z, ok := r.Entry.Details["from_z"].(float64); ok {
			b.Z[i] = int8(z)
		}
		applied++
	}
	return applied, skipped
}

func withinRect(pos [3]int, min, max [2]int) bool {
	return pos[0] >= min[0] && pos[0] <= max[0] && pos[1] >= min[1] && pos[1] <= max[1]
}

func parseRect(s string) (min, max [2]int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1:x2,y2")
	}
	a, err := parseVec2(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec2(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 2; i++ {
		if a[i] <= b[i] {
			min[i], max[i] = a[i], b[i]
		} else {
			min[i], max[i] = b[i], a[i]
		}
	}
	return min, max, nil
}

func parseVec2(s string) ([2]int, error) {
	var v [2]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return v, fmt.Errorf("expected x,y")
	}
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

// parseTime accepts RFC3339 or unix milliseconds.
func parseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
