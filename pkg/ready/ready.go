// Package ready implements the readiness matcher. Authoritative
// readiness lives on the node, never on any FD entry; this package's two
// functions are the only two ways that readiness changes.
package ready

import (
	"github.com/MasterMochi/mvfsd/pkg/node"
	"github.com/MasterMochi/mvfsd/pkg/wire"
)

// ApplyNotification unconditionally replaces n's readiness with bits, per
// a VfsReadyNtc from n's mount server.
func ApplyNotification(n *node.Node, bits wire.Ready) {
	node.SetReady(n, bits)
}

// ApplyResponse applies the rule that after a mount server answers a
// request, whether the channel is still readable is whatever that
// response says — clear kind's bit and OR in hint. kind is
// wire.ReadyRead for a VfsReadResp, wire.ReadyWrite for a VfsWriteResp.
func ApplyResponse(n *node.Node, kind wire.Ready, hint wire.Ready) {
	old := n.Ready()
	node.SetReady(n, (old&^kind)|hint)
}
