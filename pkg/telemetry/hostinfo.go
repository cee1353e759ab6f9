package telemetry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

const hostInfoTimeout = 2 * time.Second

// HostInfo collects host metadata for the run summary. Lookups that fail are
// skipped; the result always carries the Go runtime fields.
func HostInfo(ctx context.Context, log logrus.FieldLogger) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, hostInfoTimeout)
	defer cancel()

	env := map[string]string{
		"go_version": runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read host info")
	} else {
		env["hostname"] = info.Hostname
		env["os"] = info.OS
		env["platform"] = info.Platform
		env["platform_version"] = info.PlatformVersion
		env["kernel_version"] = info.KernelVersion

		if info.VirtualizationSystem != "" {
			env["virtualization"] = info.VirtualizationSystem
		}
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err != nil {
		log.WithError(err).Debug("Failed to read cpu count")
	} else {
		env["cpu_cores"] = strconv.Itoa(cores)
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read cpu info")
	} else if len(infos) > 0 {
		env["cpu_model"] = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Debug("Failed to read memory info")
	} else {
		env["memory_total"] = units.BytesSize(float64(vm.Total))
	}

	return env
}
