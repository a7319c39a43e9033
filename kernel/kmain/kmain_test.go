package kmain

import (
	"os"
	"sync"
	"testing"

	"github.com/Aaronyzb/oslab2/kernel/hal/multiboot"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	kfmt.SetOutputSink(nil)
	os.Exit(m.Run())
}

func testConfig() Config {
	return Config{
		Frames:   4096,
		Reserved: 16,
		UseMmap:  true,
		LogLevel: "error",
	}
}

func bootTestSystem(t *testing.T, cfg Config) *System {
	t.Helper()

	sys, err := Boot(cfg)
	require.Nil(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestConfigValidation(t *testing.T) {
	specs := []struct {
		name   string
		mutate func(*Config)
		expErr interface{}
	}{
		{"no frames", func(cfg *Config) { cfg.Frames = 0 }, errConfigNoFrames},
		{"everything reserved", func(cfg *Config) { cfg.Reserved = cfg.Frames }, errConfigAllReserved},
		{"frame zero available", func(cfg *Config) { cfg.Reserved = 0 }, errConfigFrameZero},
		{"bad log level", func(cfg *Config) { cfg.LogLevel = "loud" }, errConfigLogLevel},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cfg := testConfig()
			spec.mutate(&cfg)

			sys, err := Boot(cfg)
			require.Equal(t, spec.expErr, err)
			require.Nil(t, sys)
		})
	}

	require.Nil(t, DefaultConfig().validate())
}

func TestConfigMemoryMap(t *testing.T) {
	page := uint64(mem.PageSize)

	cfg := Config{Frames: 64, BaseFrame: 32, Reserved: 4}
	require.Equal(t, multiboot.MemoryMap{
		{PhysAddress: 32 * page, Length: 4 * page, Type: multiboot.MemReserved},
		{PhysAddress: 36 * page, Length: 60 * page, Type: multiboot.MemAvailable},
	}, cfg.MemoryMap())

	cfg.Reserved = 0
	require.Equal(t, multiboot.MemoryMap{
		{PhysAddress: 32 * page, Length: 64 * page, Type: multiboot.MemAvailable},
	}, cfg.MemoryMap())
}

func TestBoot(t *testing.T) {
	specs := []struct {
		name string
		cfg  Config
	}{
		{"mmap backed", testConfig()},
		{"heap backed", Config{Frames: 2048, Reserved: 1, LogLevel: "warn"}},
		{"non-zero base frame", Config{Frames: 1000, BaseFrame: 24, LogLevel: "info"}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			sys := bootTestSystem(t, spec.cfg)
			require.Equal(t, spec.cfg, sys.Config())

			// every size class cache holds its descriptor in a page
			caches := sys.CacheStats()
			require.Len(t, caches, 10)
			require.Equal(t, spec.cfg.Frames-spec.cfg.Reserved-uint64(len(caches)), sys.NrFreePages())

			var free uint64
			for _, area := range sys.FreeAreas() {
				free += uint64(area.FreeBlocks) * area.Order.Pages()
			}
			require.Equal(t, sys.NrFreePages(), free)
		})
	}
}

func TestSystemPagesAndObjects(t *testing.T) {
	sys := bootTestSystem(t, testConfig())
	basePages := sys.NrFreePages()

	frame, err := sys.AllocPages(3)
	require.Nil(t, err)
	require.True(t, frame.IsAligned(2))
	require.GreaterOrEqual(t, uint64(frame), uint64(16), "reserved frames must never be handed out")
	require.Equal(t, basePages-4, sys.NrFreePages())

	buf := sys.Bytes(frame.Address(), 3*mem.PageSize)
	require.NotNil(t, buf)
	mem.Memset(buf, 0xA5)
	require.Nil(t, sys.FreePages(frame, 3))
	require.Equal(t, basePages, sys.NrFreePages())

	for _, size := range []mem.Size{8, 9, 4096, 4097} {
		addr, err := sys.Kmalloc(size)
		require.Nil(t, err, "size %d", size)
		require.NotZero(t, addr)
		mem.Memset(sys.Bytes(addr, size), 0xA5)
		require.Nil(t, sys.Kfree(addr, size))
		require.Equal(t, basePages, sys.NrFreePages(), "size %d", size)
	}

	require.Nil(t, sys.Kfree(0, 64))
	require.Equal(t, basePages, sys.NrFreePages())
}

func TestSystemChecks(t *testing.T) {
	sys := bootTestSystem(t, testConfig())
	basePages := sys.NrFreePages()

	require.NotPanics(t, sys.CheckBuddy)
	require.Equal(t, basePages, sys.NrFreePages())

	require.NotPanics(t, sys.CheckSlub)
	require.Equal(t, basePages, sys.NrFreePages())
}

func TestSystemConcurrentCallers(t *testing.T) {
	sys := bootTestSystem(t, testConfig())
	basePages := sys.NrFreePages()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()

			rng := mem.NewLCG(seed)
			for i := 0; i < 200; i++ {
				size := mem.Size(rng.Intn(6000)) + 1
				addr, err := sys.Kmalloc(size)
				if err != nil {
					continue
				}
				sys.Kfree(addr, size)

				pages := uint64(rng.Intn(8)) + 1
				frame, err := sys.AllocPages(pages)
				if err != nil {
					continue
				}
				sys.FreePages(frame, pages)
			}
		}(uint64(worker + 1))
	}
	wg.Wait()

	require.Equal(t, basePages, sys.NrFreePages())
}

func TestSystemClose(t *testing.T) {
	sys, err := Boot(testConfig())
	require.Nil(t, err)

	// blocks still held when the system shuts down
	obj, err := sys.Kmalloc(64)
	require.Nil(t, err)
	block, err := sys.AllocPages(2)
	require.Nil(t, err)

	require.Nil(t, sys.Close())
	require.Nil(t, sys.Close())

	frame, err := sys.AllocPages(1)
	require.Equal(t, errSystemClosed, err)
	require.Equal(t, pmm.InvalidFrame, frame)

	addr, err := sys.Kmalloc(8)
	require.Equal(t, errSystemClosed, err)
	require.Zero(t, addr)

	require.Nil(t, sys.Bytes(pmm.Frame(100).Address(), 8))

	require.NotPanics(t, func() {
		require.Equal(t, errSystemClosed, sys.Kfree(obj, 64))
		require.Equal(t, errSystemClosed, sys.FreePages(block, 2))
	})
}
