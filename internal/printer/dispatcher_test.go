package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, ft *fakeTransport, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{
		WithTransport(TransportTCP, ft),
		WithTransport(TransportBluetooth, ft),
		WithTransport(TransportUSB, ft),
	}, opts...)
	d := NewDispatcher(opts...)
	t.Cleanup(d.Stop)
	return d
}

func tcpReq(payload string, flags Flags) TCPRequest {
	return TCPRequest{IP: "10.0.0.9", Options: Options{Payload: payload, Flags: flags}}
}

func TestPrintTCP_EndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	d := NewDispatcher()
	defer d.Stop()

	port := ln.Addr().(*net.TCPAddr).Port
	id, err := d.PrintTCP(context.Background(), TCPRequest{
		IP:   "127.0.0.1",
		Port: port,
		Options: Options{
			Payload:        "[C]Hi\n",
			PrinterWidthMM: 80,
			Flags:          Flags{AutoCut: true, MMFeedPaper: 20},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case data := <-received:
		want := append([]byte("[C]Hi\n"), 0x1B, 0x4A, 0xA0, 0x1D, 0x56, 0x41, 0x00)
		assert.Equal(t, want, data)
	case <-time.After(5 * time.Second):
		t.Fatal("printer never received data")
	}

	job, ok := d.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 13, job.Bytes)
}

func TestPrintTCP_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := NewDispatcher()
	defer d.Stop()

	id, err := d.PrintTCP(context.Background(), TCPRequest{IP: "127.0.0.1", Port: port, Options: Options{Payload: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, "TCP_CONNECTION_ERROR", CodeOf(err))

	job, ok := d.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "TCP_CONNECTION_ERROR", job.Code)
}

func TestPrint_ValidationDoesNoIO(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintTCP(context.Background(), tcpReq("", Flags{}))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = d.PrintUSB(context.Background(), USBRequest{VendorID: 0x0416, Options: Options{Payload: "x"}})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, ft.connects())
	assert.Empty(t, d.GetAllJobs())
}

func TestPrint_Trailers(t *testing.T) {
	tests := []struct {
		name       string
		flags      Flags
		cashboxCut bool
		suffix     []byte
		absent     []byte
	}{
		{"cut", Flags{AutoCut: true}, false, partialCut, drawerPulse},
		{"cashbox over cut", Flags{AutoCut: true, OpenCashbox: true}, false, drawerPulse, partialCut},
		{"cashbox and cut policy", Flags{AutoCut: true, OpenCashbox: true}, true, concat(drawerPulse, partialCut), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			d := newTestDispatcher(t, ft, WithCashboxCut(tt.cashboxCut))

			_, err := d.PrintTCP(context.Background(), tcpReq("Hi", tt.flags))
			require.NoError(t, err)

			got := ft.lastConn().Bytes()
			assert.True(t, bytes.HasSuffix(got, tt.suffix), "got % X", got)
			if tt.absent != nil {
				assert.False(t, bytes.Contains(got, tt.absent), "got % X", got)
			}
		})
	}
}

func TestPrint_CodepageAndStyle(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintTCP(context.Background(), tcpReq("é", Flags{Codepage: "cp1252", Bold: true}))
	require.NoError(t, err)

	want := concat([]byte{0x1B, 0x74, 16}, []byte("<b>"), []byte{0xE9}, []byte("</b>"))
	assert.Equal(t, want, ft.lastConn().Bytes())
}

func TestPrint_UnknownCodepageSendsUTF8(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintTCP(context.Background(), tcpReq("é", Flags{Codepage: "klingon"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("é"), ft.lastConn().Bytes())
}

func TestPrint_RenderMarkup(t *testing.T) {
	render := true
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintTCP(context.Background(), tcpReq("[C]Hi\n", Flags{RenderMarkup: &render}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1B, 0x61, 1, 'H', 'i', 0x0A}, ft.lastConn().Bytes())

	t.Run("dispatcher default", func(t *testing.T) {
		ft := &fakeTransport{}
		d := newTestDispatcher(t, ft, WithRenderMarkup(true))

		_, err := d.PrintTCP(context.Background(), tcpReq("[R]X", Flags{}))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x1B, 0x61, 2, 'X', 0x0A}, ft.lastConn().Bytes())
	})
}

func TestPrint_ImageFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft, WithHTTPClient(srv.Client()))

	payload := "A<img>" + srv.URL + "/logo.png</img>B"
	_, err := d.PrintTCP(context.Background(), tcpReq(payload, Flags{}))
	require.NoError(t, err)
	assert.Equal(t, []byte(payload), ft.lastConn().Bytes())
}

func TestPrint_ImageResolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, image.NewGray(image.Rect(0, 0, 8, 2)))
	}))
	defer srv.Close()

	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft, WithHTTPClient(srv.Client()))

	_, err := d.PrintTCP(context.Background(), tcpReq("<img>"+srv.URL+"/a.png</img>", Flags{}))
	require.NoError(t, err)

	got := string(ft.lastConn().Bytes())
	assert.True(t, strings.HasPrefix(got, "<img>1D7630000100020"), got)
	assert.True(t, strings.HasSuffix(got, "</img>"), got)
}

func TestPrint_ConnectionsAreSerialized(t *testing.T) {
	ft := &fakeTransport{delay: 5 * time.Millisecond}
	d := newTestDispatcher(t, ft)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.PrintTCP(context.Background(), tcpReq(fmt.Sprintf("job %d", i), Flags{}))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, ft.connects())
	assert.Equal(t, 1, ft.peak())
	for _, c := range ft.conns {
		assert.Equal(t, 1, c.Closes())
	}
}

func TestPrint_SendFailureClosesConnection(t *testing.T) {
	ft := &fakeTransport{writeErr: errors.New("broken pipe")}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintBluetooth(context.Background(), BluetoothRequest{
		MACAddress: "66:22:B3:4C:11:02",
		Options:    Options{Payload: "x"},
	})
	assert.ErrorIs(t, err, ErrSend)
	assert.Equal(t, "BLUETOOTH_SEND_ERROR", CodeOf(err))
	assert.Equal(t, 1, ft.lastConn().Closes())
}

func TestPrint_ConnectErrorKeepsKind(t *testing.T) {
	ft := &fakeTransport{connectErr: &Error{Kind: KindPermission, Transport: TransportUSB, Op: "permission"}}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintUSB(context.Background(), USBRequest{Options: Options{Payload: "x"}})
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, "USB_PERMISSION_ERROR", CodeOf(err))
}

func TestPrint_TimeoutPassedThrough(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	_, err := d.PrintTCP(context.Background(), tcpReq("x", Flags{Timeout: 1500}))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, ft.timeouts[0])
}

func TestSubmit_CompletionDeliveredOnce(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	id, done, err := d.Submit(context.Background(), tcpReq("x", Flags{}).PrintRequest())
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, id, res.JobID)
	assert.NoError(t, res.Err)

	select {
	case <-done:
		t.Fatal("second completion delivered")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStop_FailsQueuedJobs(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{}), entered: make(chan struct{}, 4)}
	d := NewDispatcher(WithTransport(TransportTCP, ft))

	_, first, err := d.Submit(context.Background(), tcpReq("1", Flags{}).PrintRequest())
	require.NoError(t, err)
	<-ft.entered

	_, second, err := d.Submit(context.Background(), tcpReq("2", Flags{}).PrintRequest())
	require.NoError(t, err)
	_, third, err := d.Submit(context.Background(), tcpReq("3", Flags{}).PrintRequest())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		select {
		case <-d.quit:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(ft.hold)
	<-stopped

	assert.NoError(t, (<-first).Err)
	assert.ErrorIs(t, (<-second).Err, ErrDispatcherStopped)
	assert.ErrorIs(t, (<-third).Err, ErrDispatcherStopped)
	assert.Equal(t, 1, ft.connects())

	_, err = d.PrintTCP(context.Background(), tcpReq("4", Flags{}))
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestPrint_CallerContextOnlyStopsWaiting(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{})}
	d := newTestDispatcher(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	id, err := d.PrintTCP(ctx, tcpReq("x", Flags{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(ft.hold)
	require.Eventually(t, func() bool {
		job, ok := d.GetJob(id)
		return ok && job.Status == JobCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestJobHistory(t *testing.T) {
	var (
		mu     sync.Mutex
		events []JobStatus
	)
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft,
		WithHistoryLimit(2),
		WithJobListener(func(j Job) {
			mu.Lock()
			events = append(events, j.Status)
			mu.Unlock()
		}),
	)

	for i := 0; i < 3; i++ {
		_, err := d.PrintTCP(context.Background(), tcpReq("x", Flags{}))
		require.NoError(t, err)
	}

	jobs := d.GetAllJobs()
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, JobCompleted, j.Status)
		assert.Equal(t, TransportTCP, j.Transport)
		assert.Equal(t, "10.0.0.9:9100", j.Target)
		assert.NotNil(t, j.FinishedAt)
	}

	mu.Lock()
	assert.Equal(t, []JobStatus{JobQueued, JobPrinting, JobCompleted}, events[:3])
	mu.Unlock()

	assert.Equal(t, 2, d.ClearCompleted())
	assert.Empty(t, d.GetAllJobs())

	_, ok := d.GetJob("missing")
	assert.False(t, ok)
}
