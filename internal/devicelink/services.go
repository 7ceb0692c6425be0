package devicelink

import (
	"context"
	"fmt"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// Service names started through lockdown.
const (
	ServiceInstallationProxy = "com.apple.mobile.installation_proxy"
	ServiceHouseArrest       = "com.apple.mobile.house_arrest"
	ServiceImageMounter      = "com.apple.mobile.mobile_image_mounter"
)

const personalizedImageType = "DeveloperDiskImage"

func statusError(resp map[string]any) error {
	if code, ok := stringField(resp, "Error"); ok {
		if detail, ok := stringField(resp, "DetailedError"); ok {
			return fmt.Errorf("%w: %s: %s", customerrors.ErrUnexpectedResponse, code, detail)
		}

		return fmt.Errorf("%w: %s", customerrors.ErrUnexpectedResponse, code)
	}

	return nil
}

type installProxy struct {
	pc *plistConn
}

var _ InstallationProxy = (*installProxy)(nil)

func (p *installProxy) Apps(ctx context.Context, appType string) (map[string]map[string]any, error) {
	defer bindContext(ctx, p.pc.conn)()

	opts := map[string]any{}
	if appType != "" {
		opts["ApplicationType"] = appType
	}

	if err := p.pc.send(map[string]any{"Command": "Lookup", "ClientOptions": opts}); err != nil {
		return nil, err
	}

	apps := make(map[string]map[string]any)

	// Lookup may stream several partial results before Complete.
	for {
		resp, err := p.pc.recv()
		if err != nil {
			return nil, err
		}

		if err := statusError(resp); err != nil {
			return nil, fmt.Errorf("lookup: %w", err)
		}

		if result, ok := resp["LookupResult"].(map[string]any); ok {
			for bundleID, raw := range result {
				if attrs, ok := raw.(map[string]any); ok {
					apps[bundleID] = attrs
				}
			}
		}

		if status, _ := stringField(resp, "Status"); status == "Complete" || status == "" {
			return apps, nil
		}
	}
}

func (p *installProxy) Close() error {
	return p.pc.Close()
}

// vendContainer switches a house_arrest connection into an AFC session
// rooted at the app's container.
func vendContainer(ctx context.Context, pc *plistConn, bundleID string) (*afcClient, error) {
	resp, err := pc.request(ctx, map[string]any{"Command": "VendContainer", "Identifier": bundleID})
	if err != nil {
		return nil, err
	}

	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("vend container %s: %w", bundleID, err)
	}

	if status, _ := stringField(resp, "Status"); status != "Complete" {
		return nil, customerrors.Unexpected("VendContainer status")
	}

	return &afcClient{conn: pc.conn}, nil
}

// PersonalizationRequest carries what a ticket signer needs to personalize an image.
type PersonalizationRequest struct {
	ChipID        uint64
	Nonce         []byte
	Identifiers   map[string]any
	BuildManifest []byte
}

// Personalizer obtains a signed ticket for a personalized disk image.
type Personalizer interface {
	Personalize(ctx context.Context, req PersonalizationRequest) ([]byte, error)
}

type imageMounter struct {
	pc           *plistConn
	personalizer Personalizer
}

var _ ImageMounter = (*imageMounter)(nil)

func (m *imageMounter) command(ctx context.Context, req map[string]any) (map[string]any, error) {
	resp, err := m.pc.request(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("%s: %w", req["Command"], err)
	}

	return resp, nil
}

func (m *imageMounter) MountedImages(ctx context.Context) ([]map[string]any, error) {
	resp, err := m.command(ctx, map[string]any{"Command": "CopyDevices"})
	if err != nil {
		return nil, err
	}

	list, ok := resp["EntryList"].([]any)
	if !ok {
		return nil, customerrors.Unexpected("EntryList")
	}

	out := make([]map[string]any, 0, len(list))

	for _, entry := range list {
		if item, ok := entry.(map[string]any); ok {
			out = append(out, item)
		}
	}

	return out, nil
}

func (m *imageMounter) MountPersonalized(ctx context.Context, img PersonalizedImage, chipID uint64) error {
	if m.personalizer == nil {
		return customerrors.ErrPersonalizationMissing
	}

	ids, err := m.command(ctx, map[string]any{
		"Command":               "QueryPersonalizationIdentifiers",
		"PersonalizedImageType": personalizedImageType,
	})
	if err != nil {
		return err
	}

	identifiers, _ := ids["PersonalizationIdentifiers"].(map[string]any)

	nonceResp, err := m.command(ctx, map[string]any{
		"Command":               "QueryNonce",
		"PersonalizedImageType": personalizedImageType,
	})
	if err != nil {
		return err
	}

	nonce, ok := bytesField(nonceResp, "PersonalizationNonce")
	if !ok {
		return customerrors.Unexpected("PersonalizationNonce")
	}

	ticket, err := m.personalizer.Personalize(ctx, PersonalizationRequest{
		ChipID:        chipID,
		Nonce:         nonce,
		Identifiers:   identifiers,
		BuildManifest: img.BuildManifest,
	})
	if err != nil {
		return fmt.Errorf("personalize image: %w", err)
	}

	if err := m.upload(ctx, img.Image, ticket); err != nil {
		return err
	}

	resp, err := m.command(ctx, map[string]any{
		"Command":         "MountImage",
		"ImageType":       "Personalized",
		"ImageSignature":  ticket,
		"ImageTrustCache": img.TrustCache,
	})
	if err != nil {
		return err
	}

	if status, _ := stringField(resp, "Status"); status != "Complete" {
		return customerrors.Unexpected("MountImage status")
	}

	return nil
}

func (m *imageMounter) upload(ctx context.Context, image, ticket []byte) error {
	resp, err := m.command(ctx, map[string]any{
		"Command":        "ReceiveBytes",
		"ImageType":      "Personalized",
		"ImageSize":      uint64(len(image)),
		"ImageSignature": ticket,
	})
	if err != nil {
		return err
	}

	if status, _ := stringField(resp, "Status"); status != "ReceiveBytesAck" {
		return customerrors.Unexpected("ReceiveBytes status")
	}

	defer bindContext(ctx, m.pc.conn)()

	if _, err := m.pc.conn.Write(image); err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	done, err := m.pc.recv()
	if err != nil {
		return err
	}

	if status, _ := stringField(done, "Status"); status != "Complete" {
		return customerrors.Unexpected("upload status")
	}

	return nil
}

func (m *imageMounter) Close() error {
	_ = m.pc.send(map[string]any{"Command": "Hangup"})

	return m.pc.Close()
}
