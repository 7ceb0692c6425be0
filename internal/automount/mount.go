// Package automount makes sure a developer disk image is mounted on a device.
package automount

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
)

// ImageSource supplies the disk image to mount.
type ImageSource interface {
	Image() (devicelink.PersonalizedImage, error)
}

// Mount is a no-op when dev already has an image mounted. Otherwise it reads
// the chip id and mounts the personalized image from src. There is no retry.
func Mount(ctx context.Context, link devicelink.Link, src ImageSource, dev devicelink.Device) error {
	logger := zerolog.Ctx(ctx)

	mounter, err := link.ConnectImageMounter(ctx, dev)
	if err != nil {
		return fmt.Errorf("connect image mounter: %w", err)
	}
	defer mounter.Close()

	images, err := mounter.MountedImages(ctx)
	if err != nil {
		return fmt.Errorf("list mounted images: %w", err)
	}

	if len(images) > 0 {
		logger.Debug().Str("udid", dev.UDID).Int("images", len(images)).Msg("image already mounted")

		return nil
	}

	lc, err := link.ConnectLockdown(ctx, dev)
	if err != nil {
		return fmt.Errorf("connect lockdown: %w", err)
	}
	defer lc.Close()

	raw, err := lc.Value(ctx, "", devicelink.KeyUniqueChipID)
	if err != nil {
		return fmt.Errorf("read chip id: %w", err)
	}

	chipID, ok := devicelink.AsUint(raw)
	if !ok {
		return customerrors.Unexpected(devicelink.KeyUniqueChipID)
	}

	img, err := src.Image()
	if err != nil {
		return err
	}

	if err := mounter.MountPersonalized(ctx, img, chipID); err != nil {
		return fmt.Errorf("mount personalized image: %w", err)
	}

	logger.Info().Str("udid", dev.UDID).Msg("developer disk image mounted")

	return nil
}
