// Package registry stores saved printer profiles: a target plus the print
// options used when a call does not set them.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

// Profile types
const (
	TypeTCP       = "tcp"
	TypeBluetooth = "bluetooth"
	TypeUSB       = "usb"
)

// Registry manages printer profiles persisted as JSON.
type Registry struct {
	filePath string
	data     map[string]*Profile
	mu       sync.RWMutex
}

// Defaults are applied to calls made through a profile.
type Defaults struct {
	PrinterWidthMM float64 `json:"printer_width_mm,omitempty"`
	CharsPerLine   int     `json:"chars_per_line,omitempty"`
	Codepage       string  `json:"codepage,omitempty"`
	AutoCut        bool    `json:"auto_cut,omitempty"`
	OpenCashbox    bool    `json:"open_cashbox,omitempty"`
	MMFeedPaper    float64 `json:"mm_feed_paper,omitempty"`
}

// Profile stores persistent information about a printer
type Profile struct {
	ID          string   `json:"id"`
	IdentityKey string   `json:"identity_key"`
	Type        string   `json:"type"`
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	Address     string   `json:"address,omitempty"`
	VendorID    int      `json:"vendor_id,omitempty"`
	ProductID   int      `json:"product_id,omitempty"`
	Description string   `json:"description"`
	Name        string   `json:"name,omitempty"`
	Defaults    Defaults `json:"defaults"`
}

// PrinterInfo identifies a printer when it is registered.
type PrinterInfo struct {
	Type        string
	Host        string
	Port        int
	Address     string
	VendorID    int
	ProductID   int
	Description string
}

// New creates a Registry, loading filePath when it exists.
func New(filePath string) (*Registry, error) {
	r := &Registry{
		filePath: filePath,
		data:     make(map[string]*Profile),
	}

	if err := r.load(); err != nil {
		// A missing file is created on first save.
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
	}

	return r, nil
}

// Register gets or creates the profile for a printer and returns its ID.
// Registering a known printer again keeps its ID, name and defaults.
func (r *Registry) Register(info PrinterInfo) (string, error) {
	key, err := identityKey(info)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.data[key]; exists {
		return entry.ID, nil
	}

	entry := &Profile{
		ID:          uuid.New().String(),
		IdentityKey: key,
		Type:        info.Type,
		Host:        info.Host,
		Port:        info.Port,
		Address:     info.Address,
		VendorID:    info.VendorID,
		ProductID:   info.ProductID,
		Description: info.Description,
	}
	if entry.Description == "" {
		entry.Description = key
	}
	r.data[key] = entry

	r.persist()
	return entry.ID, nil
}

// Get returns a copy of a profile, or nil
func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.find(id); entry != nil {
		entryCopy := *entry
		return &entryCopy
	}
	return nil
}

// SetName sets a custom name for a printer
func (r *Registry) SetName(id string, name string) bool {
	return r.modify(id, func(p *Profile) { p.Name = name })
}

// SetDefaults replaces the default options of a printer
func (r *Registry) SetDefaults(id string, defaults Defaults) bool {
	return r.modify(id, func(p *Profile) { p.Defaults = defaults })
}

// Remove deletes a printer profile
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.data {
		if entry.ID == id {
			delete(r.data, key)
			r.persist()
			return true
		}
	}
	return false
}

// GetAll returns copies of all profiles ordered by name, then description
func (r *Registry) GetAll() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Profile, 0, len(r.data))
	for _, v := range r.data {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Description < result[j].Description
	})
	return result
}

func (r *Registry) modify(id string, fn func(*Profile)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.find(id)
	if entry == nil {
		return false
	}
	fn(entry)
	r.persist()
	return true
}

func (r *Registry) find(id string) *Profile {
	for _, entry := range r.data {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

// persist saves under the held lock; failures are logged and retried on
// the next change.
func (r *Registry) persist() {
	if err := r.save(); err != nil {
		logging.Warn("failed to save printer registry", "path", r.filePath, "error", err)
	}
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &r.data)
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.filePath), ".registry-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.filePath)
}

// identityKey creates a unique key for a printer based on how it is reached
func identityKey(info PrinterInfo) (string, error) {
	switch info.Type {
	case TypeTCP:
		if info.Host == "" {
			return "", errors.New("tcp printer needs a host")
		}
		port := info.Port
		if port == 0 {
			port = 9100
		}
		return fmt.Sprintf("tcp:%s:%d", info.Host, port), nil
	case TypeBluetooth:
		if info.Address == "" {
			return "", errors.New("bluetooth printer needs an address")
		}
		return "bluetooth:" + strings.ToUpper(info.Address), nil
	case TypeUSB:
		if info.VendorID == 0 && info.ProductID == 0 {
			return "usb:first", nil
		}
		return fmt.Sprintf("usb:%04X:%04X", info.VendorID, info.ProductID), nil
	default:
		return "", fmt.Errorf("unsupported printer type: %q", info.Type)
	}
}
