package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tOgg1/scanfleet/internal/provision"
)

// handleTerminal upgrades to a websocket and hands it to the provisioning
// bridge for the node. The session ends with the socket or the node shell.
func (s *Server) handleTerminal(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	if s.deps.Provisioner == nil {
		abortError(c, http.StatusServiceUnavailable, "provisioning is not configured")
		return
	}
	rows := queryInt(c, "rows")
	cols := queryInt(c, "cols")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	channel := provision.NewWebsocketChannel(conn)
	if err := s.deps.Provisioner.Serve(s.base, channel, id, rows, cols); err != nil {
		s.logger.Debug().Err(err).Int64("node_id", id).Msg("terminal session ended with error")
	}
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
