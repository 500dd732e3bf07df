// Package api exposes the print dispatcher over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/printer"
	"github.com/thereceipt/thermal-dispatch/internal/registry"
)

// Server is the API server
type Server struct {
	router     *gin.Engine
	dispatcher *printer.Dispatcher
	registry   *registry.Registry
	hub        *Hub
	devices    printer.DeviceLister
	upgrader   websocket.Upgrader
}

// NewServer creates the API server. hub should also be the dispatcher's
// job listener so clients see job progress.
func NewServer(dispatcher *printer.Dispatcher, reg *registry.Registry, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), corsMiddleware())

	if hub == nil {
		hub = NewHub()
	}

	server := &Server{
		router:     router,
		dispatcher: dispatcher,
		registry:   reg,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
	if usb, ok := dispatcher.Transports().USB(); ok {
		server.devices = usb
	}

	server.setupRoutes()

	return server
}

// SetDeviceLister overrides where GET /devices/usb reads from.
func (s *Server) SetDeviceLister(l printer.DeviceLister) {
	s.devices = l
}

func (s *Server) setupRoutes() {
	s.router.POST("/print/tcp", s.handlePrintTCP)
	s.router.POST("/print/bluetooth", s.handlePrintBluetooth)
	s.router.POST("/print/usb", s.handlePrintUSB)

	s.router.GET("/printers", s.handleGetPrinters)
	s.router.POST("/printers", s.handleAddPrinter)
	s.router.POST("/printer/:id/name", s.handleSetPrinterName)
	s.router.DELETE("/printer/:id", s.handleRemovePrinter)
	s.router.POST("/printer/:id/print", s.handlePrintProfile)

	s.router.GET("/jobs", s.handleGetJobs)
	s.router.GET("/job/:id", s.handleGetJob)
	s.router.DELETE("/jobs/completed", s.handleClearCompleted)

	s.router.GET("/devices/usb", s.handleGetUSBDevices)

	// WebSocket
	s.router.GET("/ws", s.handleWebSocket)

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler returns the router, for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run starts the API server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handlePrintTCP(c *gin.Context) {
	var req printer.TCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.print(c, req.PrintRequest())
}

func (s *Server) handlePrintBluetooth(c *gin.Context) {
	var req printer.BluetoothRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.print(c, req.PrintRequest())
}

func (s *Server) handlePrintUSB(c *gin.Context) {
	var req printer.USBRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.print(c, req.PrintRequest())
}

// print waits for the call to finish and maps failures to status codes.
func (s *Server) print(c *gin.Context, req printer.PrintRequest) {
	jobID, err := s.dispatcher.Print(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"success": false,
			"job_id":  jobID,
			"code":    codeFor(err),
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  jobID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, printer.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, printer.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, printer.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func codeFor(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "REQUEST_ABANDONED"
	}
	return printer.CodeOf(err)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"code":    "VALIDATION_ERROR",
		"error":   err.Error(),
	})
}

func (s *Server) handleGetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.dispatcher.GetAllJobs()})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.dispatcher.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleClearCompleted(c *gin.Context) {
	removed := s.dispatcher.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

func (s *Server) handleGetUSBDevices(c *gin.Context) {
	if s.devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usb enumeration unavailable"})
		return
	}

	devices, err := s.devices.Devices()
	if err != nil && len(devices) == 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if devices == nil {
		devices = []printer.USBDevice{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logging.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
