package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thereceipt/thermal-dispatch/internal/printer"
	"github.com/thereceipt/thermal-dispatch/internal/registry"
)

type addPrinterRequest struct {
	Type        string            `json:"type" binding:"required"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Address     string            `json:"address"`
	VendorID    int               `json:"vendorId"`
	ProductID   int               `json:"productId"`
	Description string            `json:"description"`
	Name        string            `json:"name"`
	Defaults    registry.Defaults `json:"defaults"`
}

func (s *Server) handleGetPrinters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"printers": s.registry.GetAll()})
}

// handleAddPrinter saves a printer profile; the target is validated the
// same way a print call would be.
func (s *Server) handleAddPrinter(c *gin.Context) {
	var req addPrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	info := registry.PrinterInfo{
		Type:        req.Type,
		Host:        req.Host,
		Port:        req.Port,
		Address:     req.Address,
		VendorID:    req.VendorID,
		ProductID:   req.ProductID,
		Description: req.Description,
	}
	if target, err := targetFor(info); err == nil {
		if err := printer.ValidateTarget(target); err != nil {
			badRequest(c, err)
			return
		}
	}

	id, err := s.registry.Register(info)
	if err != nil {
		badRequest(c, err)
		return
	}
	if req.Name != "" {
		s.registry.SetName(id, req.Name)
	}
	if req.Defaults != (registry.Defaults{}) {
		s.registry.SetDefaults(id, req.Defaults)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"printer_id": id,
		"printer":    s.registry.Get(id),
	})
}

func (s *Server) handleSetPrinterName(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if !s.registry.SetName(c.Param("id"), req.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRemovePrinter(c *gin.Context) {
	if !s.registry.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handlePrintProfile prints through a saved profile. Options left unset in
// the body take the profile defaults.
func (s *Server) handlePrintProfile(c *gin.Context) {
	profile := s.registry.Get(c.Param("id"))
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}

	var opts printer.Options
	if err := c.ShouldBindJSON(&opts); err != nil {
		badRequest(c, err)
		return
	}

	target, err := targetFor(registry.PrinterInfo{
		Type:      profile.Type,
		Host:      profile.Host,
		Port:      profile.Port,
		Address:   profile.Address,
		VendorID:  profile.VendorID,
		ProductID: profile.ProductID,
	})
	if err != nil {
		badRequest(c, err)
		return
	}

	s.print(c, printer.PrintRequest{Target: target, Options: applyDefaults(opts, profile.Defaults)})
}

func targetFor(info registry.PrinterInfo) (printer.Target, error) {
	switch info.Type {
	case registry.TypeTCP:
		return printer.TCPTarget{Host: info.Host, Port: info.Port}, nil
	case registry.TypeBluetooth:
		return printer.BluetoothTarget{Address: info.Address}, nil
	case registry.TypeUSB:
		return printer.USBTarget{VendorID: info.VendorID, ProductID: info.ProductID}, nil
	default:
		return nil, fmt.Errorf("unsupported printer type: %q", info.Type)
	}
}

func applyDefaults(o printer.Options, d registry.Defaults) printer.Options {
	if o.PrinterWidthMM == 0 {
		o.PrinterWidthMM = d.PrinterWidthMM
	}
	if o.CharsPerLine == 0 {
		o.CharsPerLine = d.CharsPerLine
	}
	if o.Codepage == "" {
		o.Codepage = d.Codepage
	}
	if o.MMFeedPaper == 0 {
		o.MMFeedPaper = d.MMFeedPaper
	}
	o.AutoCut = o.AutoCut || d.AutoCut
	o.OpenCashbox = o.OpenCashbox || d.OpenCashbox
	return o
}
