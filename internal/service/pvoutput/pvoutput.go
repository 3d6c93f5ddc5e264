// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
)

// DefaultEndpoint is the PVOutput add-status service.
const DefaultEndpoint = "https://pvoutput.org/service/r2/addstatus.jsp"

// Snapshot fields consulted for each PVOutput parameter, in order of preference.
var (
	energyFields      = []string{"daily_production"}
	powerFields       = []string{"ac_output_power", "inverter_output_power"}
	temperatureFields = []string{"radiator_temperature", "heatsink_temperature", "dc_temperature"}
	voltageFields     = []string{"ac_voltage", "grid_voltage"}
)

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ string, _ domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	endpoint   string
	clock      clock.Clock
	logger     zerolog.Logger

	mutex         sync.Mutex
	lastUpdateMap map[string]time.Time
	powerFields   map[string]string
}

// NewClient creates a new PVOutput client. A nil clock uses wall time.
func NewClient(cfg *config.Config, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		endpoint:      DefaultEndpoint,
		clock:         clk,
		logger:        log.With().Str("component", "pvoutput").Logger(),
		lastUpdateMap: make(map[string]time.Time),
		powerFields:   make(map[string]string),
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// RegisterDevice sets the snapshot field holding the output power of a device.
func (c *Client) RegisterDevice(device, powerField string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.powerFields[device] = powerField
}

// Send uploads a device snapshot to PVOutput, at most once per update limit.
func (c *Client) Send(ctx context.Context, device string, snapshot domain.Snapshot) error {
	// If PVOutput is disabled, do nothing
	if !c.config.PVOutput.Enabled || snapshot == nil {
		return nil
	}

	// Check required configuration
	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	// Apply rate limiting per device
	if !c.canUpdate(device) {
		return nil
	}

	params := c.buildParams(device, snapshot)

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp(device)
	c.logger.Debug().Str("device", device).Str("params", params.Encode()).Msg("Status uploaded")
	return nil
}

// buildParams maps snapshot values onto addstatus parameters:
// v1 energy today (Wh), v2 power (W), v5 temperature (C), v6 voltage (V).
func (c *Client) buildParams(device string, snapshot domain.Snapshot) url.Values {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)

	now := c.clock.Now()
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	if energy, ok := first(snapshot, energyFields); ok && energy > 0 {
		params.Set("v1", strconv.FormatFloat(energy*1000, 'f', 0, 64))
	}

	c.mutex.Lock()
	power := c.powerFields[device]
	c.mutex.Unlock()
	candidates := powerFields
	if power != "" {
		candidates = append([]string{power}, powerFields...)
	}
	if watts, ok := first(snapshot, candidates); ok && watts >= 0 {
		params.Set("v2", strconv.FormatFloat(watts, 'f', 0, 64))
	}

	if temperature, ok := first(snapshot, temperatureFields); ok {
		params.Set("v5", strconv.FormatFloat(temperature, 'f', 1, 64))
	}

	if voltage, ok := first(snapshot, voltageFields); ok && voltage > 0 {
		params.Set("v6", strconv.FormatFloat(voltage, 'f', 1, 64))
	}

	return params
}

func first(snapshot domain.Snapshot, fields []string) (float64, bool) {
	for _, field := range fields {
		if v, ok := snapshot.Float(field); ok {
			return v, true
		}
	}
	return 0, false
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(device string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[device]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.clock.Now().Sub(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(device string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[device] = c.clock.Now()
}
