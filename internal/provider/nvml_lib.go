// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLib abstracts the NVML library functions used by NVMLProvider.
// This allows mocking NVML calls in unit tests.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDeviceHandle, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// nvmlDeviceHandle abstracts operations on an NVML device handle
type nvmlDeviceHandle interface {
	GetUUID() (string, nvml.Return)
	GetName() (string, nvml.Return)
	GetTotalEnergyConsumption() (uint64, nvml.Return)
}

type realNvmlLib struct{}

type realDeviceHandle struct {
	device nvml.Device
}

func (realNvmlLib) Init() nvml.Return {
	return nvml.Init()
}

func (realNvmlLib) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (realNvmlLib) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (realNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDeviceHandle, nvml.Return) {
	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return realDeviceHandle{device: handle}, ret
}

func (realNvmlLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

func (h realDeviceHandle) GetUUID() (string, nvml.Return) {
	return h.device.GetUUID()
}

func (h realDeviceHandle) GetName() (string, nvml.Return) {
	return h.device.GetName()
}

func (h realDeviceHandle) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	return h.device.GetTotalEnergyConsumption()
}
