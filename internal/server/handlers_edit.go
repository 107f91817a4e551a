package server

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"centredsharp/internal/protocol"
	"centredsharp/internal/world"
)

func handleRequestBlocks(req *Request, r *protocol.Reader) error {
	coords, err := protocol.DecodeRequestBlocks(r)
	if err != nil {
		return err
	}
	if len(coords) > maxBlocksPerRequest {
		return fmt.Errorf("%w: %d blocks requested, limit %d", ErrBadRequest, len(coords), maxBlocksPerRequest)
	}
	blocks := make([][2]uint16, len(coords))
	for i, c := range coords {
		blocks[i] = [2]uint16{c.X, c.Y}
	}
	views, err := req.Server.land.SubscribeBlocks(req.Ctx, req.Session.ID, blocks)
	if err != nil {
		return err
	}
	req.Server.SendToOne(req.Session, protocol.BlockData(views))
	return nil
}

func handleFreeBlock(req *Request, r *protocol.Reader) error {
	c, err := protocol.DecodeFreeBlock(r)
	if err != nil {
		return err
	}
	req.Server.land.Unsubscribe(req.Session.ID, c.X, c.Y)
	return nil
}

func handleDrawMap(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeDrawMap(r)
	if err != nil {
		return err
	}
	var (
		from  uint16
		fromZ int8
	)
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		c, err := tx.Cell(m.X, m.Y)
		if err != nil {
			return err
		}
		from, fromZ = c.TileID(), c.Z()
		_, err = tx.Draw(req.Session.ID, m.X, m.Y, m.Z, m.TileID)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToSubscribers(m.X, m.Y, m.Encode())
	req.Server.recordEdit(req.Session, "DRAW_MAP", m.X, m.Y, m.Z, from, m.TileID, map[string]any{"from_z": fromZ})
	return nil
}

func handleInsertStatic(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeStatic(r)
	if err != nil {
		return err
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.InsertStatic(req.Session.ID, m.X, m.Y, m.Z, m.TileID, m.Hue)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToSubscribers(m.X, m.Y, protocol.EncodeStatic(protocol.OpInsertStatic, m))
	req.Server.recordEdit(req.Session, "INSERT_STATIC", m.X, m.Y, m.Z, 0, m.TileID, map[string]any{"hue": m.Hue})
	return nil
}

func handleDeleteStatic(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeStatic(r)
	if err != nil {
		return err
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		return tx.DeleteStatic(req.Session.ID, m.Ref())
	})
	if err != nil {
		return err
	}
	req.Server.SendToSubscribers(m.X, m.Y, protocol.EncodeStatic(protocol.OpDeleteStatic, m))
	req.Server.recordEdit(req.Session, "DELETE_STATIC", m.X, m.Y, m.Z, m.TileID, 0, map[string]any{"hue": m.Hue})
	return nil
}

func handleElevateStatic(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeElevateStatic(r)
	if err != nil {
		return err
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.ElevateStatic(req.Session.ID, m.Ref(), m.NewZ)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToSubscribers(m.X, m.Y, m.Encode())
	req.Server.recordEdit(req.Session, "ELEVATE_STATIC", m.X, m.Y, m.Z, m.TileID, m.TileID, map[string]any{"new_z": m.NewZ})
	return nil
}

// handleMoveStatic notifies the subscribers of both the source and the
// destination block, once each.
func handleMoveStatic(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeMoveStatic(r)
	if err != nil {
		return err
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.MoveStatic(req.Session.ID, m.Ref(), m.NewX, m.NewY)
		return err
	})
	if err != nil {
		return err
	}
	land := req.Server.land
	holders := union(land.Subscribers(m.X, m.Y), land.Subscribers(m.NewX, m.NewY))
	req.Server.sendToHolders(holders, m.Encode())
	req.Server.recordEdit(req.Session, "MOVE_STATIC", m.X, m.Y, m.Z, m.TileID, m.TileID, map[string]any{"new_x": m.NewX, "new_y": m.NewY})
	return nil
}

func handleHueStatic(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeHueStatic(r)
	if err != nil {
		return err
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.HueStatic(req.Session.ID, m.Ref(), m.NewHue)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToSubscribers(m.X, m.Y, m.Encode())
	req.Server.recordEdit(req.Session, "HUE_STATIC", m.X, m.Y, m.Z, m.Hue, m.NewHue, map[string]any{"tile": m.TileID})
	return nil
}

func handleSelectItem(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeItemToggle(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.Select(req.Session.ID, m.Ref(), m.On)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToOne(req.Session, protocol.EditResult(protocol.StatusOK, req.Op, ""))
	return nil
}

func handleLockItem(req *Request, r *protocol.Reader) error {
	m, err := protocol.DecodeItemToggle(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	err = req.Server.land.Edit(req.Ctx, func(tx *world.Tx) error {
		_, err := tx.Lock(req.Session.ID, m.Ref(), m.On)
		return err
	})
	if err != nil {
		return err
	}
	req.Server.SendToOne(req.Session, protocol.EditResult(protocol.StatusOK, req.Op, ""))
	req.Session.Log().Debug("lock toggled", zap.Stringer("kind", m.Kind), zap.Uint16("x", m.X), zap.Uint16("y", m.Y), zap.Bool("on", m.On))
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// recordEdit counts an accepted edit and hands it to the audit sinks and
// observers.
func (s *Server) recordEdit(sess *Session, action string, x, y uint16, z int8, from, to uint16, details map[string]any) {
	s.edits.Add(1)
	e := world.AuditEntry{
		Time:    s.now().UnixMilli(),
		Session: sess.ID,
		Actor:   sess.Name(),
		Action:  action,
		Pos:     [3]int{int(x), int(y), int(z)},
		From:    from,
		To:      to,
		Details: details,
	}
	for _, a := range s.audit {
		if err := a.WriteAudit(e); err != nil {
			s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
		}
	}
	pos := e.Pos
	s.events.Publish(Event{Type: EventEdit, Session: sess.ID, Account: e.Actor, Action: action, Pos: &pos, Details: details})
}
