//go:build linux

package catalog

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

type dbusUnits struct {
	conn *dbus.Conn
}

func dialSystemd(ctx context.Context) (unitManager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &dbusUnits{conn: conn}, nil
}

func (d *dbusUnits) ActiveState(ctx context.Context, unit string) (string, error) {
	props, err := d.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", err
	}
	if load, _ := props["LoadState"].(string); load == "not-found" {
		return "", fmt.Errorf("unit not found")
	}
	state, _ := props["ActiveState"].(string)
	return state, nil
}

func (d *dbusUnits) Restart(ctx context.Context, unit string) error {
	done := make(chan string, 1)
	if _, err := d.conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("job %s", res)
		}
		return nil
	}
}

func (d *dbusUnits) Close() { d.conn.Close() }
