package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUnits struct {
	states    map[string]string
	restarted []string
	failOn    string
	closed    bool
}

func (f *fakeUnits) ActiveState(_ context.Context, unit string) (string, error) {
	s, ok := f.states[unit]
	if !ok {
		return "", errors.New("unit not found")
	}
	return s, nil
}

func (f *fakeUnits) Restart(_ context.Context, unit string) error {
	if unit == f.failOn {
		return errors.New("access denied")
	}
	f.restarted = append(f.restarted, unit)
	return nil
}

func (f *fakeUnits) Close() { f.closed = true }

func withUnits(t *testing.T, f *fakeUnits) {
	t.Helper()
	prev := dialUnits
	dialUnits = func(context.Context) (unitManager, error) { return f, nil }
	t.Cleanup(func() { dialUnits = prev })
}

func TestUnitCheckTask(t *testing.T) {
	_, err := newUnitCheckTask(nil)
	assert.Error(t, err)

	fake := &fakeUnits{states: map[string]string{
		"nginx.service": "active",
		"redis.service": "failed",
		"backup.timer":  "inactive",
	}}
	withUnits(t, fake)

	task, err := newUnitCheckTask(map[string]any{"units": []any{"nginx", "redis", "backup.timer"}})
	require.NoError(t, err)
	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "redis.service: failed; backup.timer: inactive", res.Message)
	assert.Empty(t, fake.restarted)
	assert.True(t, fake.closed)

	task, err = newUnitCheckTask(map[string]any{"units": "nginx, redis", "restart": true})
	require.NoError(t, err)
	res, err = task.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "restarted redis.service", res.Message)

	fake.failOn = "redis.service"
	res, err = task.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "restart failed: access denied")

	task, _ = newUnitCheckTask(map[string]any{"units": "ghost"})
	res, _ = task.Run(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "ghost.service: unit not found")
}

func TestUnitCheckDialError(t *testing.T) {
	prev := dialUnits
	dialUnits = func(context.Context) (unitManager, error) { return nil, errors.New("no bus") }
	t.Cleanup(func() { dialUnits = prev })

	task, err := newUnitCheckTask(map[string]any{"units": "nginx"})
	require.NoError(t, err)
	_, err = task.Run(context.Background())
	assert.ErrorContains(t, err, "no bus")
}

func TestSpeedtestTask(t *testing.T) {
	prev := measureSpeed
	t.Cleanup(func() { measureSpeed = prev })

	var got speedConfig
	measureSpeed = func(_ context.Context, cfg speedConfig) (speedResult, error) {
		got = cfg
		return speedResult{DownloadMbps: 42.5, UploadMbps: 9.1, Ping: 18 * time.Millisecond, Server: "Acme DE"}, nil
	}

	task, err := newSpeedtestTask(map[string]any{"servers": 5, "min_download_mbps": 20})
	require.NoError(t, err)
	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "down 42.5 Mbps, up 9.1 Mbps, ping 18ms (Acme DE)", res.Message)
	assert.Equal(t, 5, got.candidates)
	assert.Equal(t, 4, got.maxConnections)

	task, err = newSpeedtestTask(map[string]any{"min_upload_mbps": "10", "max_ping": "10ms"})
	require.NoError(t, err)
	res, err = task.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, "upload 9.1 < 10 Mbps; ping 18ms > 10ms: "), res.Message)

	measureSpeed = func(context.Context, speedConfig) (speedResult, error) {
		return speedResult{}, errors.New("no servers available")
	}
	_, err = task.Run(context.Background())
	assert.ErrorContains(t, err, "no servers available")

	_, err = newSpeedtestTask(map[string]any{"servers": 0})
	assert.Error(t, err)
	_, err = newSpeedtestTask(map[string]any{"min_download_mbps": -1})
	assert.Error(t, err)
}

func TestTelegramTask(t *testing.T) {
	prev := telegramSender
	t.Cleanup(func() { telegramSender = prev })

	var sent []telegramMessage
	var token string
	telegramSender = func(_ context.Context, tok string, m telegramMessage) error {
		token = tok
		sent = append(sent, m)
		return nil
	}

	t.Setenv(telegramTokenEnv, "env-token")
	task, err := newTelegramTask(map[string]any{
		"chat_id":    float64(-1001234567890),
		"thread_id":  7,
		"message":    "<b>backup done</b>",
		"parse_mode": "HTML",
	})
	require.NoError(t, err)
	res, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, sent, 1)
	assert.Equal(t, "env-token", token)
	assert.Equal(t, int64(-1001234567890), sent[0].ChatID)
	assert.Equal(t, 7, sent[0].ThreadID)
	assert.Equal(t, "HTML", sent[0].ParseMode)

	task, err = newTelegramTask(map[string]any{"token": "param-token", "chat_id": "42", "message": "hi"})
	require.NoError(t, err)
	_, err = task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "param-token", token)

	for _, bad := range []map[string]any{
		{"chat_id": 42},
		{"message": "hi"},
		{"chat_id": 1.5, "message": "hi"},
		{"chat_id": 42, "message": "hi", "parse_mode": "bbcode"},
	} {
		_, err := newTelegramTask(bad)
		assert.Error(t, err, bad)
	}

	t.Setenv(telegramTokenEnv, "")
	_, err = newTelegramTask(map[string]any{"chat_id": 42, "message": "hi"})
	assert.ErrorContains(t, err, telegramTokenEnv)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"abc"}, splitText("abc", 10))
	assert.Nil(t, splitText("", 10))
	assert.Equal(t, []string{"ab\n", "cdef", "g"}, splitText("ab\ncdefg", 4))
	assert.Equal(t, []string{"ééé", "éé"}, splitText("ééééé", 3))
}
