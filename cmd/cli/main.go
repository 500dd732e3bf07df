package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/config"
	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/printer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Thermal Dispatch CLI

Usage:
  thermal-cli [global flags] <command> [flags] <payload|@file>

Global flags:
  -config <path>     YAML config file (default $THERMAL_CONFIG)
  -server <url>      Send through a running server instead of printing locally

Commands:
  tcp -ip <host> [-port 9100] [-timeout ms]
    Print to a network printer

  bluetooth -mac <address|device>
    Print to a Bluetooth printer by MAC address or bound serial device

  usb [-vendor <id> -product <id>]
    Print to a USB printer; without ids the first printer is used

  devices
    List USB devices

Print flags (all transports):
  -width <mm> -chars <n> -codepage <name> -feed <mm>
  -cut -cashbox -bold -underline -markup -density <n>

Examples:
  thermal-cli tcp -ip 192.168.1.50 -cut "Hello"
  thermal-cli bluetooth -mac /dev/rfcomm0 @receipt.txt
  thermal-cli usb -vendor 0x04b8 -product 0x0202 -markup "[C]<b>Total</b>"
  thermal-cli -server http://localhost:12212 tcp -ip 192.168.1.50 "Hello"
`)
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("thermal-cli", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	configPath := global.String("config", "", "config file")
	serverURL := global.String("server", "", "server URL")
	if err := global.Parse(args); err != nil {
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logging.Init(cfg.Log)

	command := rest[0]
	switch command {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "devices":
		return listDevices(cfg, stdout, stderr)
	}

	req, err := parsePrintCommand(command, rest[1:], stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "VALIDATION_ERROR: %v\n", err)
		}
		return 1
	}

	var jobID string
	if *serverURL != "" {
		jobID, err = printRemote(*serverURL, req)
	} else {
		jobID, err = printLocal(cfg, req)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", codeOf(err), err)
		return 1
	}

	fmt.Fprintf(stdout, "Printed (job %s)\n", jobID)
	return 0
}

// printFlags registers the options shared by every transport.
func printFlags(fs *flag.FlagSet, o *printer.Options, density *int, markup *bool) {
	fs.Float64Var(&o.PrinterWidthMM, "width", 0, "paper width in mm (default 58)")
	fs.IntVar(&o.CharsPerLine, "chars", 0, "characters per line")
	fs.StringVar(&o.Codepage, "codepage", "", "codepage name, e.g. CP437")
	fs.Float64Var(&o.MMFeedPaper, "feed", 0, "paper feed in mm after the payload")
	fs.BoolVar(&o.AutoCut, "cut", false, "cut after printing")
	fs.BoolVar(&o.OpenCashbox, "cashbox", false, "pulse the cash drawer")
	fs.BoolVar(&o.Bold, "bold", false, "bold text")
	fs.BoolVar(&o.Underline, "underline", false, "underlined text")
	fs.BoolVar(markup, "markup", false, "interpret alignment and style tags")
	fs.IntVar(density, "density", -1, "print density (vendor specific)")
}

type printCommand struct {
	kind printer.TransportKind
	req  printer.PrintRequest
	// body is the JSON sent in server mode.
	body interface{}
}

func parsePrintCommand(command string, args []string, stderr io.Writer) (printCommand, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts    printer.Options
		density int
		markup  bool
	)
	printFlags(fs, &opts, &density, &markup)

	var (
		ip, mac         string
		port, timeout   int
		vendor, product string
	)
	switch printer.TransportKind(command) {
	case printer.TransportTCP:
		fs.StringVar(&ip, "ip", "", "printer host")
		fs.IntVar(&port, "port", printer.DefaultTCPPort, "printer port")
		fs.IntVar(&timeout, "timeout", 0, "connect timeout in ms")
	case printer.TransportBluetooth:
		fs.StringVar(&mac, "mac", "", "MAC address or serial device")
	case printer.TransportUSB:
		fs.StringVar(&vendor, "vendor", "", "vendor id (decimal or 0x hex)")
		fs.StringVar(&product, "product", "", "product id (decimal or 0x hex)")
	default:
		return printCommand{}, fmt.Errorf("unknown command: %q", command)
	}

	if err := fs.Parse(args); err != nil {
		return printCommand{}, err
	}
	if fs.NArg() != 1 {
		return printCommand{}, fmt.Errorf("expected exactly one payload argument, got %d", fs.NArg())
	}

	payload, err := readPayload(fs.Arg(0))
	if err != nil {
		return printCommand{}, err
	}
	opts.Payload = payload
	opts.Timeout = timeout
	if density >= 0 {
		opts.Density = &density
	}
	if markup {
		opts.RenderMarkup = &markup
	}

	cmd := printCommand{kind: printer.TransportKind(command)}
	switch cmd.kind {
	case printer.TransportTCP:
		r := printer.TCPRequest{IP: ip, Port: port, Options: opts}
		cmd.req, cmd.body = r.PrintRequest(), r
	case printer.TransportBluetooth:
		r := printer.BluetoothRequest{MACAddress: mac, Options: opts}
		cmd.req, cmd.body = r.PrintRequest(), r
	case printer.TransportUSB:
		vid, err := parseID(vendor)
		if err != nil {
			return printCommand{}, fmt.Errorf("vendor: %w", err)
		}
		pid, err := parseID(product)
		if err != nil {
			return printCommand{}, fmt.Errorf("product: %w", err)
		}
		r := printer.USBRequest{VendorID: vid, ProductID: pid, Options: opts}
		cmd.req, cmd.body = r.PrintRequest(), r
	}
	return cmd, nil
}

// readPayload treats @path as a file reference.
func readPayload(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") || len(arg) == 1 {
		return arg, nil
	}
	data, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(data), nil
}

func parseID(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return int(v), nil
}

func printLocal(cfg *config.Config, cmd printCommand) (string, error) {
	transports := printer.NewTransportSet(printer.TransportConfig{
		TCPTimeout:       cfg.Printer.TCPTimeout(),
		BluetoothChannel: cfg.Printer.BluetoothChannel,
		SerialBaud:       cfg.Printer.SerialBaud,
	})
	d := printer.NewDispatcher(
		printer.WithTransports(transports),
		printer.WithQueueSize(1),
		printer.WithCashboxCut(cfg.Printer.CashboxCut),
		printer.WithRenderMarkup(cfg.Printer.RenderMarkup),
	)
	defer d.Stop()

	return d.Print(context.Background(), cmd.req)
}

// remoteError carries the code the server reported.
type remoteError struct {
	code    string
	message string
}

func (e *remoteError) Error() string { return e.message }

func codeOf(err error) string {
	var re *remoteError
	if errors.As(err, &re) && re.code != "" {
		return re.code
	}
	return printer.CodeOf(err)
}

type printResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func printRemote(serverURL string, cmd printCommand) (string, error) {
	url := strings.TrimSuffix(serverURL, "/") + "/print/" + string(cmd.kind)

	jsonData, err := json.Marshal(cmd.body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Post(url, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result printResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if !result.Success {
		return result.JobID, &remoteError{code: result.Code, message: result.Error}
	}
	return result.JobID, nil
}

func listDevices(cfg *config.Config, stdout, stderr io.Writer) int {
	transports := printer.NewTransportSet(printer.TransportConfig{
		TCPTimeout:       cfg.Printer.TCPTimeout(),
		BluetoothChannel: cfg.Printer.BluetoothChannel,
		SerialBaud:       cfg.Printer.SerialBaud,
	})
	usb, ok := transports.USB()
	if !ok {
		fmt.Fprintln(stderr, "Error: usb transport unavailable")
		return 1
	}

	devices, err := usb.Devices()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if len(devices) == 0 {
			return 1
		}
	}

	fmt.Fprintln(stdout, "USB devices:")
	for _, d := range devices {
		kind := ""
		if d.Printer {
			kind = " printer"
		}
		fmt.Fprintf(stdout, "  bus %03d addr %03d  %04X:%04X%s\n", d.Bus, d.Address, d.VendorID, d.ProductID, kind)
	}
	return 0
}
