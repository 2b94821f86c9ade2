package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hyphae/apis-main/pkg/bus"
)

func (s *Server) health(c *gin.Context) {
	if s.opts.Lifecycle == nil || !s.opts.Lifecycle.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) getMode(address string) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply, err := s.opts.Bus.Request(c.Request.Context(), address, bus.GetHeaders(), "")
		if err != nil {
			writeError(c, err)
			return
		}
		resp := ModeResponse{}
		if reply != "" {
			resp.Mode = &reply
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) setMode(address string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ModeRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		value := ""
		if req.Mode != nil {
			value = *req.Mode
		}

		reply, err := s.opts.Bus.Request(c.Request.Context(), address, bus.SetHeaders(), value)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SetResponse{UnitID: reply})
	}
}

func (s *Server) operationModes(c *gin.Context) {
	modes, err := s.opts.Modes.OperationModes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, modes)
}

func (s *Server) hwConfig(c *gin.Context) {
	doc := s.opts.HwConfig.Cached()
	if doc == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "hardware config not loaded"})
		return
	}
	c.JSON(http.StatusOK, doc.Raw())
}

func (s *Server) refreshHwConfig(c *gin.Context) {
	s.opts.HwConfig.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh scheduled"})
}

func writeError(c *gin.Context, err error) {
	var replyErr *bus.ReplyError
	switch {
	case errors.As(err, &replyErr):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: replyErr.Message, Code: replyErr.Code})
	case errors.Is(err, bus.ErrNoHandler):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
