package control

import (
	"context"

	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/output"
)

// ListKinds returns the registered output kinds, names localized for locale.
func (c *Client) ListKinds(ctx context.Context, locale string) ([]engine.KindInfo, error) {
	var data struct {
		Kinds []engine.KindInfo `json:"kinds"`
	}
	if err := c.Call(ctx, ReqListKinds, ListKindsRequest{Locale: locale}, &data); err != nil {
		return nil, err
	}
	return data.Kinds, nil
}

// ListOutputs returns a snapshot of every output.
func (c *Client) ListOutputs(ctx context.Context) ([]output.Snapshot, error) {
	var data struct {
		Outputs []output.Snapshot `json:"outputs"`
	}
	if err := c.Call(ctx, ReqListOutputs, nil, &data); err != nil {
		return nil, err
	}
	return data.Outputs, nil
}

// GetOutputStatus returns the snapshot of one output.
func (c *Client) GetOutputStatus(ctx context.Context, name string) (*output.Snapshot, error) {
	var snap output.Snapshot
	if err := c.Call(ctx, ReqGetOutputStatus, OutputRequest{OutputName: name}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) StartOutput(ctx context.Context, name string) error {
	return c.Call(ctx, ReqStartOutput, OutputRequest{OutputName: name}, nil)
}

func (c *Client) StopOutput(ctx context.Context, name string) error {
	return c.Call(ctx, ReqStopOutput, OutputRequest{OutputName: name}, nil)
}

func (c *Client) PauseOutput(ctx context.Context, name string) error {
	return c.Call(ctx, ReqPauseOutput, OutputRequest{OutputName: name}, nil)
}

func (c *Client) UnpauseOutput(ctx context.Context, name string) error {
	return c.Call(ctx, ReqUnpauseOutput, OutputRequest{OutputName: name}, nil)
}
