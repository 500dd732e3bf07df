package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/thermal-dispatch/internal/printer"
	"github.com/thereceipt/thermal-dispatch/internal/registry"
)

type recordingConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordingConn) Close() error { return nil }

type stubTransport struct {
	mu      sync.Mutex
	err     error
	targets []printer.Target
	conns   []*recordingConn
}

func (s *stubTransport) Connect(_ context.Context, target printer.Target, _ time.Duration) (printer.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	if s.err != nil {
		return nil, s.err
	}
	conn := &recordingConn{}
	s.conns = append(s.conns, conn)
	return conn, nil
}

func (s *stubTransport) lastTarget() printer.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.targets) == 0 {
		return nil
	}
	return s.targets[len(s.targets)-1]
}

type stubLister struct {
	devices []printer.USBDevice
}

func (l stubLister) Devices() ([]printer.USBDevice, error) { return l.devices, nil }

type fixture struct {
	server    *Server
	transport *stubTransport
	registry  *registry.Registry
	dispatch  *printer.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := registry.New(filepath.Join(t.TempDir(), "printers.json"))
	require.NoError(t, err)

	st := &stubTransport{}
	hub := NewHub()
	d := printer.NewDispatcher(
		printer.WithTransport(printer.TransportTCP, st),
		printer.WithTransport(printer.TransportBluetooth, st),
		printer.WithTransport(printer.TransportUSB, st),
		printer.WithJobListener(hub.BroadcastJob),
	)
	t.Cleanup(d.Stop)

	return &fixture{
		server:    NewServer(d, reg, hub),
		transport: st,
		registry:  reg,
		dispatch:  d,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestPrintTCP(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/print/tcp", map[string]interface{}{
		"ip":      "10.0.0.5",
		"payload": "Hello",
		"autoCut": true,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, printer.TCPTarget{Host: "10.0.0.5"}, f.transport.lastTarget())
}

func TestPrint_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       map[string]interface{}
		connectErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing payload",
			path:       "/print/tcp",
			body:       map[string]interface{}{"ip": "10.0.0.5"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "bad mac",
			path:       "/print/bluetooth",
			body:       map[string]interface{}{"macAddress": "nope", "payload": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "half usb pair",
			path:       "/print/usb",
			body:       map[string]interface{}{"vendorId": 1208, "payload": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "connection refused",
			path:       "/print/tcp",
			body:       map[string]interface{}{"ip": "10.0.0.5", "payload": "x"},
			connectErr: errors.New("connection refused"),
			wantStatus: http.StatusBadGateway,
			wantCode:   "TCP_CONNECTION_ERROR",
		},
		{
			name: "usb permission denied",
			path: "/print/usb",
			body: map[string]interface{}{"payload": "x"},
			connectErr: &printer.Error{
				Kind:      printer.KindPermission,
				Transport: printer.TransportUSB,
				Err:       errors.New("denied"),
			},
			wantStatus: http.StatusForbidden,
			wantCode:   "USB_PERMISSION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.transport.err = tt.connectErr

			w, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestPrint_MalformedJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/print/tcp", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrint_DispatcherStopped(t *testing.T) {
	f := newFixture(t)
	f.dispatch.Stop()

	w, body := f.do(t, http.MethodPost, "/print/tcp", map[string]interface{}{"ip": "10.0.0.5", "payload": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DISPATCHER_STOPPED", body["code"])
}

func TestJobs(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodPost, "/print/tcp", map[string]interface{}{"ip": "10.0.0.5", "payload": "x"})
	jobID := body["job_id"].(string)

	w, job := f.do(t, http.MethodGet, "/job/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, "tcp", job["transport"])

	w, list := f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list["jobs"], 1)

	w, cleared := f.do(t, http.MethodDelete, "/jobs/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, cleared["removed"])

	w, _ = f.do(t, http.MethodGet, "/job/"+jobID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrinterProfiles(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/printers", map[string]interface{}{
		"type": "tcp",
		"host": "10.0.0.7",
		"name": "Kitchen",
		"defaults": map[string]interface{}{
			"printer_width_mm": 80,
			"auto_cut":         true,
		},
	})
	require.Equal(t, http.StatusOK, w.Code, body)
	id := body["printer_id"].(string)

	w, list := f.do(t, http.MethodGet, "/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, list["printers"], 1)

	w, _ = f.do(t, http.MethodPost, "/printer/"+id+"/name", map[string]interface{}{"name": "Bar"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bar", f.registry.Get(id).Name)

	w, body = f.do(t, http.MethodPost, "/printer/"+id+"/print", map[string]interface{}{"payload": "Hi"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, printer.TCPTarget{Host: "10.0.0.7"}, f.transport.lastTarget())

	// The profile's autoCut default puts a cut at the end of the stream.
	f.transport.mu.Lock()
	sent := f.transport.conns[len(f.transport.conns)-1].buf.Bytes()
	f.transport.mu.Unlock()
	assert.True(t, bytes.HasSuffix(sent, []byte{0x1D, 0x56, 0x41, 0x00}))

	w, _ = f.do(t, http.MethodDelete, "/printer/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodPost, "/printer/"+id+"/print", map[string]interface{}{"payload": "Hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddPrinter_InvalidTarget(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/printers", map[string]interface{}{
		"type":    "bluetooth",
		"address": "not-a-mac",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Empty(t, f.registry.GetAll())
}

func TestApplyDefaults(t *testing.T) {
	d := registry.Defaults{PrinterWidthMM: 80, Codepage: "CP861", MMFeedPaper: 3, OpenCashbox: true}

	got := applyDefaults(printer.Options{Payload: "x", PrinterWidthMM: 58}, d)
	assert.Equal(t, 58.0, got.PrinterWidthMM)
	assert.Equal(t, "CP861", got.Codepage)
	assert.Equal(t, 3.0, got.MMFeedPaper)
	assert.True(t, got.OpenCashbox)
	assert.False(t, got.AutoCut)
}

func TestUSBDevices(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodGet, "/devices/usb", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.server.SetDeviceLister(stubLister{devices: []printer.USBDevice{
		{Bus: 1, Address: 4, VendorID: 0x04B8, ProductID: 0x0202, Printer: true},
	}})
	w, body := f.do(t, http.MethodGet, "/devices/usb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["devices"], 1)
}

func TestWebSocket_PrintAndJobEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event": EventPrint,
		"data": map[string]interface{}{
			"transport": "tcp",
			"ip":        "10.0.0.5",
			"payload":   "ws",
		},
	}))

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !(seen[EventResponse] && seen[EventPrintResult] && seen[EventJob]) {
		var msg struct {
			Event string                 `json:"event"`
			Data  map[string]interface{} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Event] = true

		if msg.Event == EventPrintResult {
			assert.Equal(t, true, msg.Data["success"])
		}
	}
}

func TestWebSocket_UnknownEvent(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "reboot"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventError, msg.Event)
}
