// Package boot decides how a container's VM comes up: restored from a warm
// snapshot when one is usable, booted from scratch otherwise.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexusquantum/nimbus/internal/db/models"
	"github.com/nexusquantum/nimbus/internal/guest"
	"github.com/nexusquantum/nimbus/internal/hypervisor"
	"github.com/nexusquantum/nimbus/internal/snapshot"
	"github.com/nexusquantum/nimbus/pkg/network"
	"github.com/nexusquantum/nimbus/pkg/utils"
)

// engineProbe is the slice of engine.Probe a cold boot needs.
type engineProbe interface {
	WaitReady(ctx context.Context, guestIP string, timeout time.Duration) error
}

// Cold boots VMs from kernel plus rootfs and waits for the guest engine to
// come up from nothing. It serves both direct cold boots and the disposable
// VMs that snapshot builds capture.
type Cold struct {
	driver             hypervisor.Driver
	probe              engineProbe
	alloc              network.IdentityAllocator
	reports            *guest.ReportRegistry
	engineReadyTimeout time.Duration
	logger             *slog.Logger
}

func NewCold(
	driver hypervisor.Driver,
	probe engineProbe,
	alloc network.IdentityAllocator,
	reports *guest.ReportRegistry,
	engineReadyTimeout time.Duration,
	logger *slog.Logger,
) *Cold {
	return &Cold{
		driver:             driver,
		probe:              probe,
		alloc:              alloc,
		reports:            reports,
		engineReadyTimeout: engineReadyTimeout,
		logger:             logger,
	}
}

func (c *Cold) BootCold(ctx context.Context, image *models.RuntimeImage) (*snapshot.BootedVM, error) {
	vmID, err := utils.NewUUID7()
	if err != nil {
		return nil, err
	}
	identity, err := c.alloc.AssignFreshIdentity(vmID)
	if err != nil {
		return nil, fmt.Errorf("acquire network identity: %w", err)
	}

	vm, err := c.driver.Boot(ctx, hypervisor.BootConfig{
		VMID:       vmID,
		KernelPath: image.KernelPath,
		RootfsPath: image.RootfsPath,
		Net:        identity,
	})
	if err != nil {
		rerr := c.alloc.Release(identity)
		return nil, errors.Join(fmt.Errorf("cold boot: %w", err), rerr)
	}

	ip, err := c.reports.WaitForIP(ctx, vm.ID, c.engineReadyTimeout)
	if err == nil {
		err = c.probe.WaitReady(ctx, ip, c.engineReadyTimeout)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "cold boot failed, destroying vm",
			"vm_id", vm.ID, "error", err)
		derr := c.driver.Destroy(context.WithoutCancel(ctx), vm)
		rerr := c.alloc.Release(identity)
		c.reports.Forget(vm.ID)
		return nil, errors.Join(err, derr, rerr)
	}

	return &snapshot.BootedVM{VM: vm, GuestIP: ip}, nil
}

func (c *Cold) Teardown(ctx context.Context, bv *snapshot.BootedVM) error {
	if bv == nil || bv.VM == nil {
		return nil
	}

	err := c.driver.Destroy(ctx, bv.VM)
	c.reports.Forget(bv.VM.ID)
	if bv.VM.Net != nil {
		err = errors.Join(err, c.alloc.Release(bv.VM.Net))
	}
	return err
}
