package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/id/uuid"
)

// DefaultFlyAPIURL is the public Fly Machines API endpoint.
const DefaultFlyAPIURL = "https://api.machines.dev/v1"

// FlyConfig configures FlyProvider.
type FlyConfig struct {
	BaseURL string
	Token   string
	// Image is used for new machines when the app has none to copy from.
	Image   string
	Timeout time.Duration
}

// FlyProvider drives the Fly.io Machines REST API.
type FlyProvider struct {
	baseURL string
	token   string
	image   string
	client  *http.Client
	ids     *uuid.Generator
	logger  *zap.Logger
}

// flyMachine is the subset of the Machines API machine object we use.
type flyMachine struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Region string          `json:"region"`
	State  string          `json:"state"`
	Config json.RawMessage `json:"config,omitempty"`
}

type createMachineRequest struct {
	Name   string          `json:"name"`
	Region string          `json:"region"`
	Config json.RawMessage `json:"config"`
}

// APIError is a non-2xx reply from the Machines API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fly api returned %d: %s", e.Status, e.Body)
}

// NewFlyProvider creates a FlyProvider.
func NewFlyProvider(cfg FlyConfig, logger *zap.Logger) (*FlyProvider, error) {
	if cfg.Token == "" {
		return nil, errors.New("fly api token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFlyAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlyProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		image:   cfg.Image,
		client:  &http.Client{Timeout: cfg.Timeout},
		ids:     uuid.New(),
		logger:  logger,
	}, nil
}

// RestartMachine restarts a machine in place.
func (p *FlyProvider) RestartMachine(ctx context.Context, app, machineID string) error {
	return p.do(ctx, http.MethodPost, machinePath(app, machineID)+"/restart", nil, nil)
}

// StartMachine starts a stopped machine.
func (p *FlyProvider) StartMachine(ctx context.Context, app, machineID string) error {
	return p.do(ctx, http.MethodPost, machinePath(app, machineID)+"/start", nil, nil)
}

// ListMachines lists the machines of an app.
func (p *FlyProvider) ListMachines(ctx context.Context, app string) ([]Machine, error) {
	raw, err := p.listRaw(ctx, app)
	if err != nil {
		return nil, err
	}
	out := make([]Machine, len(raw))
	for i, m := range raw {
		out[i] = m.machine()
	}
	return out, nil
}

// CreateMachine creates a machine in region, copying the configuration of an
// existing machine of the app when there is one.
func (p *FlyProvider) CreateMachine(ctx context.Context, app, region string) (Machine, error) {
	var cfg json.RawMessage
	existing, err := p.listRaw(ctx, app)
	if err != nil {
		return Machine{}, err
	}
	for _, m := range existing {
		if len(m.Config) > 0 {
			cfg = m.Config
			break
		}
	}
	if cfg == nil {
		if p.image == "" {
			return Machine{}, fmt.Errorf("app %s has no machine to copy and no image is configured", app)
		}
		cfg, err = json.Marshal(map[string]string{"image": p.image})
		if err != nil {
			return Machine{}, fmt.Errorf("encode machine config: %w", err)
		}
	}
	return p.create(ctx, app, region, cfg)
}

// MoveMachine clones a machine into region and destroys the original. The
// Machines API has no in-place region change.
func (p *FlyProvider) MoveMachine(ctx context.Context, app, machineID, region string) (Machine, error) {
	var src flyMachine
	if err := p.do(ctx, http.MethodGet, machinePath(app, machineID), nil, &src); err != nil {
		return Machine{}, fmt.Errorf("get machine %s: %w", machineID, err)
	}
	moved, err := p.create(ctx, app, region, src.Config)
	if err != nil {
		return Machine{}, err
	}
	if err := p.do(ctx, http.MethodDelete, machinePath(app, machineID)+"?force=true", nil, nil); err != nil {
		p.logger.Warn("old machine not destroyed after move",
			zap.String("app", app),
			zap.String("machine", machineID),
			zap.Error(err),
		)
	}
	return moved, nil
}

func (p *FlyProvider) create(ctx context.Context, app, region string, cfg json.RawMessage) (Machine, error) {
	name, err := p.ids.ShortName("scraper-" + region)
	if err != nil {
		return Machine{}, err
	}
	var created flyMachine
	body := createMachineRequest{Name: name, Region: region, Config: cfg}
	if err := p.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(app)+"/machines", body, &created); err != nil {
		return Machine{}, fmt.Errorf("create machine in %s/%s: %w", app, region, err)
	}
	return created.machine(), nil
}

func (p *FlyProvider) listRaw(ctx context.Context, app string) ([]flyMachine, error) {
	var machines []flyMachine
	if err := p.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(app)+"/machines", nil, &machines); err != nil {
		return nil, fmt.Errorf("list machines of %s: %w", app, err)
	}
	return machines, nil
}

func (p *FlyProvider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close fly response", zap.Error(cerr))
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func machinePath(app, machineID string) string {
	return "/apps/" + url.PathEscape(app) + "/machines/" + url.PathEscape(machineID)
}

func (m flyMachine) machine() Machine {
	return Machine{ID: m.ID, Name: m.Name, Region: m.Region, State: m.State}
}
