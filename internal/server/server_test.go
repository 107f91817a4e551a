package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"centredsharp/internal/config"
	"centredsharp/internal/protocol"
	"centredsharp/internal/world"
)

type memStore struct {
	mu    sync.Mutex
	saved []world.BlockRecord
}

func (m *memStore) Load(context.Context) (*world.Dataset, error) {
	rec := world.BlockRecord{}
	for i := range rec.Cells {
		rec.Cells[i] = world.CellRecord{TileID: 3}
	}
	return &world.Dataset{Width: 4, Height: 4, Blocks: []world.BlockRecord{rec}}, nil
}

func (m *memStore) Save(_ context.Context, recs []world.BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, recs...)
	return nil
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []world.AuditEntry
}

func (a *auditRecorder) WriteAudit(e world.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditRecorder) all() []world.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]world.AuditEntry(nil), a.entries...)
}

func startServer(t *testing.T, mutate func(*Options)) (*Server, *memStore) {
	t.Helper()
	st := &memStore{}
	land, err := world.Load(context.Background(), st, world.Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts := Options{
		Config: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReceiveChunk:    4096,
			IdleTimeout:     2 * time.Minute,
			FlushInterval:   time.Minute,
			MaintenanceTick: time.Hour,
			WriteTimeout:    time.Second,
			AnonymousAccess: config.AccessView,
		},
		Landscape: land,
		Backend:   "mem",
		Logger:    zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv, st
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	mu   sync.Mutex
}

var handshake = []byte{0x02, 0x05, 0x00, 0x00, 0x00, 0x01, 0x06, 0x00, 0x00, 0x00}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(handshake))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if !bytes.Equal(got, handshake) {
		t.Fatalf("handshake = % x, want % x", got, handshake)
	}
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(pkt []byte) {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(pkt); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads the next frame with the given opcode, skipping others.
func (c *testClient) next(op byte) *protocol.Reader {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		got, payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.t.Fatalf("waiting for 0x%02X: %v", op, err)
		}
		if got == op {
			return protocol.NewReader(payload)
		}
	}
}

func (c *testClient) result() protocol.Result {
	c.t.Helper()
	res, err := protocol.DecodeEditResult(c.next(protocol.OpEditResult))
	if err != nil {
		c.t.Fatalf("decode result: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSelectItemEndToEnd(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	before, ok, _ := srv.Landscape().Lookup(context.Background(), 0, 0)
	if !ok {
		t.Fatalf("block 0,0 not loaded")
	}
	c.send(protocol.ItemToggle{Kind: world.KindMapCell, X: 1, Y: 1, TileID: 3, On: true}.Encode(protocol.OpSelectItem))
	if res := c.result(); res.Status != protocol.StatusOK || res.Op != protocol.OpSelectItem {
		t.Fatalf("result = %+v", res)
	}

	after, _, _ := srv.Landscape().Lookup(context.Background(), 0, 0)
	if !after.Cell(1, 1).Selected {
		t.Fatalf("cell 1,1 not selected")
	}
	if after.Refs != before.Refs+1 {
		t.Fatalf("refs %d -> %d, want +1", before.Refs, after.Refs)
	}
}

func TestDisconnectReleasesSelections(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)
	c.send(protocol.ItemToggle{Kind: world.KindMapCell, X: 2, Y: 2, On: true}.Encode(protocol.OpSelectItem))
	c.result()

	c.send(protocol.QuitPacket())
	waitFor(t, "session removal", func() bool { return srv.sessions.len() == 0 })
	v, _, _ := srv.Landscape().Lookup(context.Background(), 0, 0)
	if v.Cell(2, 2).Selected || v.Refs != 0 {
		t.Fatalf("selection survived disconnect: selected=%v refs=%d", v.Cell(2, 2).Selected, v.Refs)
	}
}

func TestUnknownOpcodeDropsSession(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)
	waitFor(t, "registration", func() bool { return srv.sessions.len() == 1 })

	c.send([]byte{0x99})
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(c.conn); err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	waitFor(t, "session removal", func() bool { return srv.sessions.len() == 0 })
	if got := srv.Stats().Frames; got != 0 {
		t.Fatalf("frames after violation = %d, want 0", got)
	}
}

func TestLogin(t *testing.T) {
	hash, err := config.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	accounts := &config.Config{Accounts: []config.Account{
		{Name: "alice", PasswordHash: hash, Access: config.AccessNormal},
		{Name: "mallory", PasswordHash: hash, Access: config.AccessNone},
	}}
	srv, _ := startServer(t, func(o *Options) {
		o.Accounts = accounts
		o.Config.AnonymousAccess = config.AccessNone
	})
	watcher := dial(t, srv)
	c := dial(t, srv)

	login := func(cl *testClient, name, pw string) (protocol.LoginState, byte, uint16, uint16) {
		cl.send(protocol.LoginRequest(name, pw))
		r := cl.next(protocol.OpConnection)
		if sub := r.ReadU8(); sub != protocol.ConnLogin {
			t.Fatalf("sub=%d", sub)
		}
		st, acc, w, h := protocol.LoginState(r.ReadU8()), r.ReadU8(), r.ReadU16(), r.ReadU16()
		if r.Err() != nil {
			t.Fatalf("decode login response: %v", r.Err())
		}
		return st, acc, w, h
	}

	if st, _, _, _ := login(c, "nobody", "secret"); st != protocol.LoginInvalidUser {
		t.Fatalf("unknown user: %s", st)
	}
	if st, _, _, _ := login(c, "alice", "wrong"); st != protocol.LoginInvalidPassword {
		t.Fatalf("bad password: %s", st)
	}
	if st, _, _, _ := login(c, "mallory", "secret"); st != protocol.LoginNoAccess {
		t.Fatalf("no access: %s", st)
	}

	// Anonymous sessions have no access here.
	c.send(protocol.DrawMap{X: 1, Y: 1, TileID: 5}.Encode())
	if res := c.result(); res.Status != protocol.StatusNotLoggedIn {
		t.Fatalf("anonymous draw: %+v", res)
	}

	st, acc, w, h := login(c, "Alice", "secret")
	if st != protocol.LoginOK || config.AccessLevel(acc) != config.AccessNormal || w != 32 || h != 32 {
		t.Fatalf("login = %s access=%d %dx%d", st, acc, w, h)
	}
	r := watcher.next(protocol.OpClientHandling)
	if sub, name := r.ReadU8(), r.ReadString(); sub != protocol.ClientConnected || name != "alice" {
		t.Fatalf("watcher saw sub=%d name=%q", sub, name)
	}

	other := dial(t, srv)
	if st, _, _, _ := login(other, "alice", "secret"); st != protocol.LoginAlreadyLoggedIn {
		t.Fatalf("second login: %s", st)
	}

	c.send(protocol.ClientListRequest())
	r = c.next(protocol.OpClientHandling)
	if sub, n, name := r.ReadU8(), r.ReadU16(), r.ReadString(); sub != protocol.ClientList || n != 1 || name != "alice" {
		t.Fatalf("client list sub=%d n=%d first=%q", sub, n, name)
	}
}

func TestEditsReachSubscribersAndAudit(t *testing.T) {
	audit := &auditRecorder{}
	srv, st := startServer(t, func(o *Options) {
		o.Config.AnonymousAccess = config.AccessNormal
		o.Audit = []AuditSink{audit}
	})
	editor := dial(t, srv)
	viewer := dial(t, srv)

	viewer.send(protocol.EncodeRequestBlocks([]protocol.BlockCoord{{X: 0, Y: 0}}))
	blocks, err := protocol.DecodeBlockData(viewer.next(protocol.OpBlocks))
	if err != nil || len(blocks) != 1 || blocks[0].Cells[0].TileID != 3 {
		t.Fatalf("block data: %v %+v", err, blocks)
	}

	editor.send(protocol.DrawMap{X: 2, Y: 3, Z: 4, TileID: 9}.Encode())
	m, err := protocol.DecodeDrawMap(viewer.next(protocol.OpDrawMap))
	if err != nil || m != (protocol.DrawMap{X: 2, Y: 3, Z: 4, TileID: 9}) {
		t.Fatalf("viewer got %+v, %v", m, err)
	}

	editor.send(protocol.EncodeStatic(protocol.OpInsertStatic, protocol.Static{X: 4, Y: 4, Z: 1, TileID: 100, Hue: 2}))
	if _, err := protocol.DecodeStatic(viewer.next(protocol.OpInsertStatic)); err != nil {
		t.Fatal(err)
	}

	editor.send(protocol.EncodeStatic(protocol.OpDeleteStatic, protocol.Static{X: 4, Y: 4, Z: 1, TileID: 999}))
	if res := editor.result(); res.Status != protocol.StatusNotFound || res.Op != protocol.OpDeleteStatic {
		t.Fatalf("missing static delete: %+v", res)
	}

	editor.send(protocol.DrawMap{X: 4000, Y: 1, TileID: 1}.Encode())
	if res := editor.result(); res.Status != protocol.StatusOutOfBounds {
		t.Fatalf("out of bounds draw: %+v", res)
	}

	entries := audit.all()
	if len(entries) != 2 || entries[0].Action != "DRAW_MAP" || entries[0].From != 3 || entries[0].To != 9 {
		t.Fatalf("audit entries %+v", entries)
	}
	if entries[1].Action != "INSERT_STATIC" || entries[1].Pos != [3]int{4, 4, 1} {
		t.Fatalf("insert audit %+v", entries[1])
	}

	n, err := srv.FlushNow(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("flush n=%d err=%v", n, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.saved) != 1 || st.saved[0].Cells[3*world.BlockSize+2].TileID != 9 {
		t.Fatalf("saved %+v", st.saved)
	}
}

func TestRejectedBlockRequestSubscribesNothing(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	c.send(protocol.EncodeRequestBlocks([]protocol.BlockCoord{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 90, Y: 90}}))
	if res := c.result(); res.Status != protocol.StatusOutOfBounds || res.Op != protocol.OpBlocks {
		t.Fatalf("result = %+v", res)
	}
	for _, cell := range [][2]uint16{{0, 0}, {8, 0}} {
		if got := srv.Landscape().Subscribers(cell[0], cell[1]); len(got) != 0 {
			t.Fatalf("block at %v kept subscribers %v", cell, got)
		}
	}
}

func TestLockedItemRejectsOtherEditors(t *testing.T) {
	srv, _ := startServer(t, func(o *Options) { o.Config.AnonymousAccess = config.AccessNormal })
	a := dial(t, srv)
	b := dial(t, srv)

	a.send(protocol.ItemToggle{Kind: world.KindMapCell, X: 5, Y: 5, On: true}.Encode(protocol.OpLockItem))
	if res := a.result(); res.Status != protocol.StatusOK {
		t.Fatalf("lock: %+v", res)
	}
	b.send(protocol.DrawMap{X: 5, Y: 5, TileID: 7}.Encode())
	if res := b.result(); res.Status != protocol.StatusLocked {
		t.Fatalf("draw on locked cell: %+v", res)
	}
	a.send(protocol.DrawMap{X: 5, Y: 5, TileID: 7}.Encode())
	a.send(protocol.ItemToggle{Kind: world.KindMapCell, X: 5, Y: 5, On: false}.Encode(protocol.OpLockItem))
	if res := a.result(); res.Status != protocol.StatusOK || res.Op != protocol.OpLockItem {
		t.Fatalf("unlock: %+v", res)
	}
	v, _, _ := srv.Landscape().Lookup(context.Background(), 0, 0)
	if c := v.Cell(5, 5); c.TileID != 7 || c.Locked {
		t.Fatalf("cell %+v", c)
	}
}

func TestIdleSweepBroadcastsOneDisconnect(t *testing.T) {
	hash, err := config.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	var clock struct {
		sync.Mutex
		now time.Time
	}
	clock.now = time.Now()
	now := func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return clock.now
	}
	srv, _ := startServer(t, func(o *Options) {
		o.Accounts = &config.Config{Accounts: []config.Account{{Name: "alice", PasswordHash: hash, Access: config.AccessNormal}}}
		o.Now = now
	})
	idle := dial(t, srv)
	watcher := dial(t, srv)
	idle.send(protocol.LoginRequest("alice", "pw"))
	idle.next(protocol.OpConnection)
	watcher.next(protocol.OpClientHandling)
	waitFor(t, "both sessions", func() bool { return srv.sessions.len() == 2 })

	clock.Lock()
	clock.now = clock.now.Add(3 * time.Minute)
	clock.Unlock()
	frames := srv.disp.frames.Load()
	watcher.send(protocol.NoOpPacket())
	waitFor(t, "keepalive dispatched", func() bool { return srv.disp.frames.Load() > frames })

	srv.maintain(context.Background())
	srv.maintain(context.Background())

	if n := srv.sessions.len(); n != 1 {
		t.Fatalf("sessions after sweep = %d, want 1", n)
	}
	if got := srv.Stats().Timeouts; got != 1 {
		t.Fatalf("timeouts = %d, want 1", got)
	}

	notices := 0
	_ = watcher.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		op, payload, err := protocol.ReadFrame(watcher.conn)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				t.Fatalf("read: %v", err)
			}
			break
		}
		r := protocol.NewReader(payload)
		if op == protocol.OpClientHandling && r.ReadU8() == protocol.ClientDisconnected && r.ReadString() == "alice" {
			notices++
		}
	}
	if notices != 1 {
		t.Fatalf("disconnect notices = %d, want 1", notices)
	}
}

func TestAdminShutdownStopsServer(t *testing.T) {
	srv, _ := startServer(t, func(o *Options) { o.Config.AnonymousAccess = config.AccessAdmin })
	c := dial(t, srv)
	c.send(protocol.AdminPacket(protocol.AdminListUsers))
	r := c.next(protocol.OpAdmin)
	if sub, n := r.ReadU8(), r.ReadU16(); sub != protocol.AdminListUsers || n != 0 {
		t.Fatalf("user list sub=%d n=%d", sub, n)
	}
	c.send(protocol.AdminPacket(protocol.AdminShutdown))
	if res := c.result(); res.Status != protocol.StatusOK {
		t.Fatalf("shutdown: %+v", res)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(c.conn); err != nil {
		t.Fatalf("expected close after shutdown, got %v", err)
	}
	waitFor(t, "listener close", func() bool {
		conn, err := net.DialTimeout("tcp", srv.Addr().String(), 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	})
}
