// Package receiver makes the daemon itself a cast target: it advertises a
// DIAL service over SSDP, serves the device description document, and
// routes inbound cast requests through the output target registry.
package receiver

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexballas/go-ssdp"
)

const (
	dialServiceType = "urn:dial-multiscreen-org:service:dial:1"
	dialDeviceType  = "urn:dial-multiscreen-org:device:dial:1"

	ssdpMaxAge        = 1800
	ssdpAliveInterval = 5 * time.Minute
)

// Responder advertises the device on the LAN so cast senders can find it.
type Responder struct {
	deviceName string
	deviceUUID string
	location   string
	logger     *slog.Logger
}

// NewResponder builds the SSDP side of the cast receiver. location is the
// absolute URL where the device description document is served.
func NewResponder(deviceName, deviceUUID, location string, logger *slog.Logger) *Responder {
	return &Responder{
		deviceName: deviceName,
		deviceUUID: deviceUUID,
		location:   location,
		logger:     logger,
	}
}

// Run advertises the DIAL service until the context is cancelled, sending
// periodic alive notifications. The advertiser also answers M-SEARCH
// queries for the service type.
func (r *Responder) Run(ctx context.Context) error {
	usn := fmt.Sprintf("uuid:%s::%s", r.deviceUUID, dialServiceType)
	adv, err := ssdp.Advertise(dialServiceType, usn, r.location, "canvasd", ssdpMaxAge)
	if err != nil {
		return fmt.Errorf("start ssdp advertiser: %w", err)
	}
	r.logger.Info("ssdp_advertising", "device", r.deviceName, "location", r.location)

	ticker := time.NewTicker(ssdpAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := adv.Bye(); err != nil {
				r.logger.Warn("ssdp_bye_failed", "error", err)
			}
			if err := adv.Close(); err != nil {
				r.logger.Warn("ssdp_close_failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := adv.Alive(); err != nil {
				r.logger.Warn("ssdp_alive_failed", "error", err)
			}
		}
	}
}

type deviceDescription struct {
	XMLName     xml.Name    `xml:"root"`
	Xmlns       string      `xml:"xmlns,attr"`
	SpecVersion specVersion `xml:"specVersion"`
	Device      ddDevice    `xml:"device"`
}

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type ddDevice struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	UDN          string `xml:"UDN"`
}

// DeviceDescription renders the DIAL device description document served
// from the location URL the advertiser points at.
func (r *Responder) DeviceDescription() ([]byte, error) {
	doc := deviceDescription{
		Xmlns:       "urn:schemas-upnp-org:device-1-0",
		SpecVersion: specVersion{Major: 1, Minor: 0},
		Device: ddDevice{
			DeviceType:   dialDeviceType,
			FriendlyName: r.deviceName,
			Manufacturer: "Hackerspace Gent",
			ModelName:    "Canvas Cast Receiver",
			UDN:          "uuid:" + r.deviceUUID,
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render device description: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
