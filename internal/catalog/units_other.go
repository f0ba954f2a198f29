//go:build !linux

package catalog

import (
	"context"
	"errors"
)

func dialSystemd(context.Context) (unitManager, error) {
	return nil, errors.New("systemd is only available on linux")
}
