package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/printer"
)

// WebSocket message types
const (
	EventPrint         = "print"
	EventPrintResult   = "print_result"
	EventJob           = "job"
	EventDeviceAdded   = "device_added"
	EventDeviceRemoved = "device_removed"
	EventResponse      = "response"
	EventError         = "error"
)

// WSMessage represents an outgoing WebSocket message
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// printEvent carries every transport's fields; Transport picks which apply.
type printEvent struct {
	Transport  string `json:"transport"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	MACAddress string `json:"macAddress"`
	VendorID   int    `json:"vendorId"`
	ProductID  int    `json:"productId"`
	printer.Options
}

func (e printEvent) request() (printer.PrintRequest, error) {
	switch printer.TransportKind(e.Transport) {
	case printer.TransportTCP:
		return printer.TCPRequest{IP: e.IP, Port: e.Port, Options: e.Options}.PrintRequest(), nil
	case printer.TransportBluetooth:
		return printer.BluetoothRequest{MACAddress: e.MACAddress, Options: e.Options}.PrintRequest(), nil
	case printer.TransportUSB:
		return printer.USBRequest{VendorID: e.VendorID, ProductID: e.ProductID, Options: e.Options}.PrintRequest(), nil
	default:
		return printer.PrintRequest{}, fmt.Errorf("unknown transport: %q", e.Transport)
	}
}

// Hub fans events out to connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*WSClient]struct{})}
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends to every client, skipping any whose buffer is full.
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.trySend(msg)
	}
}

// BroadcastJob is shaped to be a dispatcher job listener.
func (h *Hub) BroadcastJob(job printer.Job) {
	h.Broadcast(EventJob, job)
}

func (h *Hub) BroadcastDeviceAdded(dev printer.USBDevice) {
	logging.Info("usb device added", "bus", dev.Bus, "address", dev.Address,
		"vendor_id", dev.VendorID, "product_id", dev.ProductID)
	h.Broadcast(EventDeviceAdded, dev)
}

func (h *Hub) BroadcastDeviceRemoved(dev printer.USBDevice) {
	logging.Info("usb device removed", "bus", dev.Bus, "address", dev.Address)
	h.Broadcast(EventDeviceRemoved, dev)
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan WSMessage
	done   chan struct{}
	server *Server
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan WSMessage, 256),
		done:   make(chan struct{}),
		server: s,
	}
	s.hub.add(client)
	logging.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	go client.readPump()
	go client.writePump()
}

func (c *WSClient) trySend(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		// Client send buffer full, skip
	}
}

func (c *WSClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.hub.remove(c)
		close(c.done)
		c.conn.Close()
		logging.Debug("websocket client disconnected")
	}()

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.handleMessage(&msg)
	}
}

func (c *WSClient) handleMessage(msg *inboundMessage) {
	switch msg.Event {
	case EventPrint:
		c.handlePrintEvent(msg.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event: %s", msg.Event))
	}
}

// handlePrintEvent queues the call and answers with the job id at once.
// The outcome follows as a print_result message.
func (c *WSClient) handlePrintEvent(data json.RawMessage) {
	var ev printEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendError(fmt.Sprintf("invalid print event: %v", err))
		return
	}
	req, err := ev.request()
	if err != nil {
		c.sendError(err.Error())
		return
	}

	jobID, result, err := c.server.dispatcher.Submit(context.Background(), req)
	if err != nil {
		c.trySend(WSMessage{Event: EventResponse, Data: gin.H{
			"success": false,
			"job_id":  jobID,
			"code":    printer.CodeOf(err),
			"error":   err.Error(),
		}})
		return
	}

	c.trySend(WSMessage{Event: EventResponse, Data: gin.H{"success": true, "job_id": jobID}})

	go func() {
		res := <-result
		data := gin.H{"success": res.Err == nil, "job_id": res.JobID}
		if res.Err != nil {
			data["code"] = printer.CodeOf(res.Err)
			data["error"] = res.Err.Error()
		}
		c.trySend(WSMessage{Event: EventPrintResult, Data: data})
	}()
}

func (c *WSClient) sendError(message string) {
	c.trySend(WSMessage{
		Event: EventError,
		Data:  gin.H{"error": message},
	})
}
