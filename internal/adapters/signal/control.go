package signal

import "github.com/dkeye/Lesson/internal/core"

func (ctl *SignalWSController) handlePing(conn core.SignalConnection, env core.Envelope) {
	ctl.send(conn, core.Envelope{Type: core.MsgPong, SessionID: env.SessionID})
}
