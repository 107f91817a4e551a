package server

import (
	"centredsharp/internal/config"
	"centredsharp/internal/protocol"
)

// maxBlocksPerRequest caps one RequestBlocks frame.
const maxBlocksPerRequest = 256

func defaultRegistry() *Registry {
	return NewRegistry(map[byte]Registration{
		protocol.OpConnection:     {Length: 0, MinAccess: config.AccessNone, Handle: handleConnection},
		protocol.OpAdmin:          {Length: 0, MinAccess: config.AccessAdmin, Handle: handleAdmin},
		protocol.OpBlocks:         {Length: 0, MinAccess: config.AccessView, Handle: handleRequestBlocks},
		protocol.OpFreeBlock:      {Length: protocol.LenFreeBlock, MinAccess: config.AccessView, Handle: handleFreeBlock},
		protocol.OpDrawMap:        {Length: protocol.LenDrawMap, MinAccess: config.AccessNormal, Handle: handleDrawMap},
		protocol.OpInsertStatic:   {Length: protocol.LenInsertStatic, MinAccess: config.AccessNormal, Handle: handleInsertStatic},
		protocol.OpDeleteStatic:   {Length: protocol.LenDeleteStatic, MinAccess: config.AccessNormal, Handle: handleDeleteStatic},
		protocol.OpElevateStatic:  {Length: protocol.LenElevateStatic, MinAccess: config.AccessNormal, Handle: handleElevateStatic},
		protocol.OpMoveStatic:     {Length: protocol.LenMoveStatic, MinAccess: config.AccessNormal, Handle: handleMoveStatic},
		protocol.OpHueStatic:      {Length: protocol.LenHueStatic, MinAccess: config.AccessNormal, Handle: handleHueStatic},
		protocol.OpClientHandling: {Length: 0, MinAccess: config.AccessView, Handle: handleClient},
		protocol.OpSelectItem:     {Length: protocol.LenSelectItem, MinAccess: config.AccessView, Handle: handleSelectItem},
		protocol.OpLockItem:       {Length: protocol.LenLockItem, MinAccess: config.AccessNormal, Handle: handleLockItem},
		protocol.OpNoOp:           {Length: protocol.LenNoOp, MinAccess: config.AccessNone, Handle: handleNoOp},
	})
}

func handleNoOp(*Request, *protocol.Reader) error { return nil }
