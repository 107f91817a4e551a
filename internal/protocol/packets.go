package protocol

// ProtocolVersionPacket is the handshake sent on connect.
func ProtocolVersionPacket() []byte {
	return NewWriter(OpConnection).WriteU8(ConnVersion).WriteU32(Version).Bytes()
}

func LoginRequest(name, password string) []byte {
	return NewWriter(OpConnection).WriteU8(ConnLogin).WriteString(name).WriteString(password).Bytes()
}

// LoginResponse reports the login outcome; the map size (in cells) is only
// meaningful on success.
func LoginResponse(state LoginState, access byte, width, height uint16) []byte {
	return NewWriter(OpConnection).
		WriteU8(ConnLogin).
		WriteU8(byte(state)).
		WriteU8(access).
		WriteU16(width).
		WriteU16(height).
		Bytes()
}

func QuitPacket() []byte {
	return NewWriter(OpConnection).WriteU8(ConnQuit).Bytes()
}

func ClientConnectedPacket(name string) []byte {
	return NewWriter(OpClientHandling).WriteU8(ClientConnected).WriteString(name).Bytes()
}

func ClientDisconnectedPacket(name string) []byte {
	return NewWriter(OpClientHandling).WriteU8(ClientDisconnected).WriteString(name).Bytes()
}

func ClientListPacket(names []string) []byte {
	w := NewWriter(OpClientHandling).WriteU8(ClientList).WriteU16(uint16(len(names)))
	for _, n := range names {
		w.WriteString(n)
	}
	return w.Bytes()
}

func ClientListRequest() []byte {
	return NewWriter(OpClientHandling).WriteU8(ClientList).Bytes()
}

func UpdatePosPacket(x, y uint16) []byte {
	return NewWriter(OpClientHandling).WriteU8(ClientUpdatePos).WriteU16(x).WriteU16(y).Bytes()
}

// ChatPacket carries a chat line; clients send an empty name, the server
// fills in the sender.
func ChatPacket(name, text string) []byte {
	return NewWriter(OpClientHandling).WriteU8(ClientChat).WriteString(name).WriteString(text).Bytes()
}

func AdminPacket(sub byte) []byte {
	return NewWriter(OpAdmin).WriteU8(sub).Bytes()
}

func UserListPacket(names []string) []byte {
	w := NewWriter(OpAdmin).WriteU8(AdminListUsers).WriteU16(uint16(len(names)))
	for _, n := range names {
		w.WriteString(n)
	}
	return w.Bytes()
}

// EditResult acknowledges or rejects the request carried by op.
func EditResult(status Status, op byte, message string) []byte {
	return NewWriter(OpEditResult).WriteU8(byte(status)).WriteU8(op).WriteString(message).Bytes()
}

type Result struct {
	Status  Status
	Op      byte
	Message string
}

func DecodeEditResult(r *Reader) (Result, error) {
	res := Result{Status: Status(r.ReadU8()), Op: r.ReadU8(), Message: r.ReadString()}
	return res, r.Err()
}

func NoOpPacket() []byte { return []byte{OpNoOp} }
