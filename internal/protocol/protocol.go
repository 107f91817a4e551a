package protocol

// Version is announced to every client right after it connects.
const Version uint32 = 6

// Opcodes.
const (
	OpConnection     byte = 0x02
	OpAdmin          byte = 0x03
	OpBlocks         byte = 0x04
	OpFreeBlock      byte = 0x05
	OpDrawMap        byte = 0x06
	OpInsertStatic   byte = 0x07
	OpDeleteStatic   byte = 0x08
	OpElevateStatic  byte = 0x09
	OpMoveStatic     byte = 0x0A
	OpHueStatic      byte = 0x0B
	OpClientHandling byte = 0x0C
	OpSelectItem     byte = 0x10
	OpLockItem       byte = 0x11
	OpEditResult     byte = 0x12
	OpNoOp           byte = 0xFF
)

// Connection sub-commands.
const (
	ConnVersion byte = 0x01
	ConnLogin   byte = 0x03
	ConnQuit    byte = 0x05
)

// Admin sub-commands.
const (
	AdminFlush     byte = 0x01
	AdminShutdown  byte = 0x02
	AdminListUsers byte = 0x07
)

// Client handling sub-commands.
const (
	ClientConnected    byte = 0x01
	ClientDisconnected byte = 0x02
	ClientList         byte = 0x03
	ClientUpdatePos    byte = 0x04
	ClientChat         byte = 0x05
)

// Frame lengths of the fixed-size messages, opcode byte included.
const (
	LenFreeBlock     = 5
	LenDrawMap       = 8
	LenInsertStatic  = 10
	LenDeleteStatic  = 10
	LenElevateStatic = 11
	LenMoveStatic    = 14
	LenHueStatic     = 12
	LenSelectItem    = 10
	LenLockItem      = 10
	LenNoOp          = 1
)

// VarHeaderLen is the opcode byte plus the u32 payload length of a
// variable-length frame.
const VarHeaderLen = 5

// MaxPayload bounds a variable-length payload.
const MaxPayload = 1 << 20

// LoginState is the first byte of a login response.
type LoginState byte

const (
	LoginOK LoginState = iota
	LoginInvalidUser
	LoginInvalidPassword
	LoginAlreadyLoggedIn
	LoginNoAccess
)

func (s LoginState) String() string {
	switch s {
	case LoginOK:
		return "ok"
	case LoginInvalidUser:
		return "invalid_user"
	case LoginInvalidPassword:
		return "invalid_password"
	case LoginAlreadyLoggedIn:
		return "already_logged_in"
	case LoginNoAccess:
		return "no_access"
	default:
		return "unknown"
	}
}
