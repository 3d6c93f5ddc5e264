package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/device"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/protocol"
)

// MockController is a mock implementation of Controller.
type MockController struct {
	mock.Mock
}

func (m *MockController) WriteRegister(ctx context.Context, name string, address, value uint16) error {
	args := m.Called(ctx, name, address, value)
	return args.Error(0)
}

func testRegistry() *domain.DeviceRegistry {
	registry := domain.NewDeviceRegistry()
	registry.Update(domain.DeviceStatus{
		Name:      "balcony",
		Variant:   "deye_micro",
		Address:   "192.168.1.50:8899",
		Phase:     domain.PhaseIdle,
		Transport: "rtu",
		Available: true,
		LastPower: 412.3,
		Polls:     3,
		Snapshot:  domain.Snapshot{"ac_output_power": 412.3, "running_status": "Normal"},
	})
	registry.Update(domain.DeviceStatus{
		Name:      "garage",
		Variant:   "deye_hybrid",
		Phase:     domain.PhaseBackoff,
		Available: false,
		Reason:    "connection refused",
	})
	return registry
}

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var response map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func TestNewAPIServer(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := domain.NewDeviceRegistry()

	server := NewServer(cfg, registry, nil, nil)

	assert.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, registry, server.registry)
	assert.NotNil(t, server.router)
	assert.NotZero(t, server.startTime)
}

func TestAPIServer_HandleStatus(t *testing.T) {
	server := NewServer(config.DefaultConfig(), testRegistry(), nil, nil)

	w, response := do(t, server.Handler(), http.MethodGet, "/api/v1/status", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", response["status"])
	assert.NotEmpty(t, response["uptime"])
	assert.Equal(t, float64(2), response["deviceCount"])
	assert.Equal(t, float64(1), response["availableDevices"])
}

func TestAPIServer_HandleListDevices(t *testing.T) {
	server := NewServer(config.DefaultConfig(), testRegistry(), nil, nil)

	w, response := do(t, server.Handler(), http.MethodGet, "/api/v1/devices", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["count"])

	devices := response["devices"].([]interface{})
	require.Len(t, devices, 2)

	first := devices[0].(map[string]interface{})
	assert.Equal(t, "balcony", first["name"])
	assert.Equal(t, "deye_micro", first["variant"])
	assert.Equal(t, true, first["available"])
	assert.NotContains(t, first, "snapshot")

	second := devices[1].(map[string]interface{})
	assert.Equal(t, "garage", second["name"])
	assert.Equal(t, "backoff", second["phase"])
	assert.Equal(t, "connection refused", second["reason"])
}

func TestAPIServer_HandleGetDevice(t *testing.T) {
	server := NewServer(config.DefaultConfig(), testRegistry(), nil, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, response map[string]interface{})
	}{
		{
			name:       "existing device",
			path:       "/api/v1/devices/balcony",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, response map[string]interface{}) {
				assert.Equal(t, "192.168.1.50:8899", response["address"])
				assert.Equal(t, "rtu", response["transport"])
				assert.Equal(t, 412.3, response["last_power"])
				assert.Contains(t, response, "snapshot")
			},
		},
		{
			name:       "unknown device",
			path:       "/api/v1/devices/shed",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, response map[string]interface{}) {
				assert.Equal(t, "Device not found", response["error"])
			},
		},
		{
			name:       "snapshot",
			path:       "/api/v1/devices/balcony/snapshot",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, response map[string]interface{}) {
				assert.Equal(t, 412.3, response["ac_output_power"])
				assert.Equal(t, "Normal", response["running_status"])
			},
		},
		{
			name:       "snapshot not yet available",
			path:       "/api/v1/devices/garage/snapshot",
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, response map[string]interface{}) {
				assert.Equal(t, "No snapshot available", response["error"])
			},
		},
		{
			name:       "snapshot of unknown device",
			path:       "/api/v1/devices/shed/snapshot",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := do(t, server.Handler(), http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.check != nil {
				tt.check(t, response)
			}
		})
	}
}

func TestAPIServer_HandleWriteRegister(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		setup      func(m *MockController)
		wantStatus int
		wantError  string
	}{
		{
			name: "success",
			path: "/api/v1/devices/balcony/registers/40",
			body: `{"value": 80}`,
			setup: func(m *MockController) {
				m.On("WriteRegister", mock.Anything, "balcony", uint16(40), uint16(80)).Return(nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing value",
			path:       "/api/v1/devices/balcony/registers/40",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Value must be between 0 and 65535",
		},
		{
			name:       "value out of range",
			path:       "/api/v1/devices/balcony/registers/40",
			body:       `{"value": 65536}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/api/v1/devices/balcony/registers/40",
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "address out of range",
			path:       "/api/v1/devices/balcony/registers/70000",
			body:       `{"value": 1}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid register address",
		},
		{
			name: "unknown device",
			path: "/api/v1/devices/shed/registers/40",
			body: `{"value": 1}`,
			setup: func(m *MockController) {
				m.On("WriteRegister", mock.Anything, "shed", uint16(40), uint16(1)).
					Return(fmt.Errorf("write shed: %w", domain.ErrDeviceNotFound))
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "device exception",
			path: "/api/v1/devices/balcony/registers/9999",
			body: `{"value": 1}`,
			setup: func(m *MockController) {
				m.On("WriteRegister", mock.Anything, "balcony", uint16(9999), uint16(1)).
					Return(&protocol.ExceptionError{FunctionCode: 0x06, Code: protocol.ExceptionIllegalAddress})
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "timeout",
			path: "/api/v1/devices/balcony/registers/40",
			body: `{"value": 1}`,
			setup: func(m *MockController) {
				m.On("WriteRegister", mock.Anything, "balcony", uint16(40), uint16(1)).
					Return(&protocol.ConnectionError{Op: "read", Address: "10.0.0.1:8899", Err: protocol.ErrTimeout})
			},
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name: "not initialized",
			path: "/api/v1/devices/balcony/registers/40",
			body: `{"value": 1}`,
			setup: func(m *MockController) {
				m.On("WriteRegister", mock.Anything, "balcony", uint16(40), uint16(1)).Return(device.ErrNotInitialized)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := &MockController{}
			if tt.setup != nil {
				tt.setup(controller)
			}
			server := NewServer(config.DefaultConfig(), testRegistry(), controller, nil)

			w, response := do(t, server.Handler(), http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, response["error"])
			}
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "balcony", response["device"])
				assert.Equal(t, float64(40), response["address"])
				assert.Equal(t, float64(80), response["value"])
			}
			controller.AssertExpectations(t)
		})
	}
}

func TestAPIServer_WriteWithoutController(t *testing.T) {
	server := NewServer(config.DefaultConfig(), testRegistry(), nil, nil)

	w, _ := do(t, server.Handler(), http.MethodPost, "/api/v1/devices/balcony/registers/40", `{"value": 1}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAPIServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "solarman_up 1\n")
	})

	cfg := config.DefaultConfig()
	server := NewServer(cfg, testRegistry(), nil, metrics)
	w, _ := do(t, server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "solarman_up 1\n", w.Body.String())

	cfg = config.DefaultConfig()
	cfg.Metrics.Enabled = false
	server = NewServer(cfg, testRegistry(), nil, metrics)
	w, _ = do(t, server.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIServer_MethodNotAllowed(t *testing.T) {
	server := NewServer(config.DefaultConfig(), testRegistry(), nil, nil)

	w, _ := do(t, server.Handler(), http.MethodDelete, "/api/v1/devices/balcony", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIServer_StartStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	cfg := config.DefaultConfig()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = port

	server := NewServer(cfg, testRegistry(), nil, nil)
	require.NoError(t, server.Start(context.Background()))

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, server.Stop(context.Background()))
}
