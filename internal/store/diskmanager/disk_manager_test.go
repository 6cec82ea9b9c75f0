package diskmanager_test

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/store/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const gib = uint64(1 << 30)

// fakeDisk reports a fixed total and a mutable free byte count
type fakeDisk struct {
	total     uint64
	available atomic.Uint64
}

func (d *fakeDisk) stat(string) (uint64, uint64, error) {
	return d.total, d.available.Load(), nil
}

func newManager(t *testing.T, disk *fakeDisk) *diskmanager.DiskManager {
	t.Helper()
	cfg := diskmanager.DefaultConfig(t.TempDir())
	cfg.CheckInterval = 0
	cfg.Stat = disk.stat
	dm, err := diskmanager.New(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestDiskManager_Thresholds(t *testing.T) {
	disk := &fakeDisk{total: 100 * gib}
	dm := newManager(t, disk)

	tests := []struct {
		name      string
		available uint64
		write     uint64
		wantCode  errors.ErrorCode
	}{
		{"plenty of space", 50 * gib, gib, errors.ErrCodeOK},
		{"warning only", 15 * gib, gib, errors.ErrCodeOK},
		{"throttled small write", 8 * gib, 1 << 20, errors.ErrCodeOK},
		{"throttled large write", 8 * gib, gib, errors.ErrCodeDiskThrottled},
		{"circuit broken", 2 * gib, 1, errors.ErrCodeDiskFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk.available.Store(tt.available)
			err := dm.CheckBeforeWrite(tt.write)
			if tt.wantCode == errors.ErrCodeOK {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, errors.GetCode(err))
			}
		})
	}
}

func TestDiskManager_InsufficientSpace(t *testing.T) {
	disk := &fakeDisk{total: 100 * gib}
	disk.available.Store(50 * gib)
	dm := newManager(t, disk)

	err := dm.CheckBeforeWrite(60 * gib)
	assert.Equal(t, errors.ErrCodeResourceExhausted, errors.GetCode(err))
}

func TestDiskManager_UsageIsCached(t *testing.T) {
	disk := &fakeDisk{total: 100 * gib}
	disk.available.Store(50 * gib)

	cfg := diskmanager.DefaultConfig(t.TempDir())
	cfg.CheckInterval = time.Hour
	cfg.Stat = disk.stat
	dm, err := diskmanager.New(cfg, zap.NewNop())
	require.NoError(t, err)

	disk.available.Store(1 * gib)
	assert.InDelta(t, 50.0, dm.Usage().UsagePercent, 0.001)

	require.NoError(t, dm.ForceCheck())
	usage := dm.Usage()
	assert.InDelta(t, 99.0, usage.UsagePercent, 0.001)
	assert.True(t, usage.IsCircuitBroken)
}

func TestDiskManager_RealFilesystem(t *testing.T) {
	dm, err := diskmanager.New(diskmanager.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	assert.Greater(t, dm.Usage().AvailableBytes, uint64(0))
}

func TestDiskManager_RequiresDataDir(t *testing.T) {
	_, err := diskmanager.New(&diskmanager.Config{}, zap.NewNop())
	assert.Error(t, err)
}
