package streamparse

// BidiKey binds a reassembled TCP stream's two Directions to the conntrack
// entry that owns them, mirroring the teacher's tcpFlow/tcpStream split:
// one Direction per uni-directional flow, looked up from the conntrack
// entry's private state rather than an ephemeral in-memory map, so state
// survives across packets on the same flow.
type BidiKey struct {
	Client *Direction
	Server *Direction
}

// Release marks both directions invalid and drops their buffers, so a
// BidiKey can be installed directly as a conntrack entry's PrivateState
// (its CleanupHandler calls this when the owning CE is torn down).
func (b *BidiKey) Release() {
	b.Client.MarkInvalid()
	b.Server.MarkInvalid()
}
