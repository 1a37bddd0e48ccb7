package web

import (
	"fmt"
	"time"

	"github.com/teslashibe/fanbridge/pkg/hub"
	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// handleClientMessage applies a control event received over /ws. Accepted
// events need no reply: the resulting state update reaches every client,
// the sender included. Rejected events are answered to the sender only.
func (s *Server) handleClientMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.reply(c, "", err)
		return
	}

	switch msg.Type {
	case protocol.TypeChangeMode:
		req, err := msg.GetModeRequest()
		if err == nil {
			err = s.ctrl.SetMode(state.Mode(req.Mode))
		}
		s.reply(c, msg.Type, err)

	case protocol.TypeControlFan:
		req, err := msg.GetFanRequest()
		if err == nil {
			err = s.ctrl.SetFan(state.FanStatus(req.Action))
		}
		s.reply(c, msg.Type, err)

	case protocol.TypeVisionUpdate:
		s.reply(c, msg.Type, s.applyVisionMessage(msg))

	case protocol.TypePing:
		var id string
		if ping, err := msg.GetPingData(); err == nil {
			id = ping.ID
		}
		pong, err := protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli())
		if err != nil {
			s.logger.Error("encode pong", "error", err)
			return
		}
		s.send(c, pong)

	default:
		s.reply(c, msg.Type, fmt.Errorf("unsupported message type %q", msg.Type))
	}
}

func (s *Server) applyVisionMessage(msg *protocol.Message) error {
	upd, err := msg.GetVisionUpdate()
	if err != nil {
		return err
	}
	d, err := detectionFrom(*upd)
	if err != nil {
		return err
	}
	s.ctrl.ApplyDetection(d)
	return nil
}

// reply sends an error envelope to c when err is set.
func (s *Server) reply(c *hub.Client, request protocol.MessageType, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("rejected client request", "client", c.ID, "request", request, "error", err)
	msg, encErr := protocol.NewErrorMessage(request, err)
	if encErr != nil {
		s.logger.Error("encode error reply", "error", encErr)
		return
	}
	s.send(c, msg)
}

func (s *Server) send(c *hub.Client, msg *protocol.Message) {
	out, err := hub.Encode(msg)
	if err != nil {
		s.logger.Error("encode reply", "error", err)
		return
	}
	c.Send(out)
}
